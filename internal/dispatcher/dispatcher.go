// Package dispatcher runs the fast-tick submission pass: it requeues failed tasks
// allowed by the retry policy, submits waiting tasks to the extraction service and
// probes dispatched tasks for results.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

const defaultBatchSize = 100

// Config bounds per-tick work.
type Config struct {
	SubmitBatchSize  int           `mapstructure:"submit_batch_size"`
	ProbeBatchSize   int           `mapstructure:"probe_batch_size"`
	RequeueBatchSize int           `mapstructure:"requeue_batch_size"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// Prober pulls the result of one dispatched task.
type Prober interface {
	Probe(ctx context.Context, ref orchestrator.TaskRef) (reconciler.Outcome, error)
}

// Stats summarises one tick.
type Stats struct {
	Requeued     int
	Submitted    int
	Throttled    int
	SubmitFailed int
	Probed       int
	Completed    int
}

// Dispatcher submits waiting tasks and probes dispatched ones.
type Dispatcher struct {
	tasks  orchestrator.TaskStore
	client orchestrator.ExtractionClient
	policy orchestrator.SubmitPolicy
	retry  *orchestrator.RetryPolicy
	prober Prober
	clock  orchestrator.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Dispatcher. A nil policy allows every submission.
func New(
	tasks orchestrator.TaskStore,
	client orchestrator.ExtractionClient,
	policy orchestrator.SubmitPolicy,
	retry *orchestrator.RetryPolicy,
	prober Prober,
	clock orchestrator.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SubmitBatchSize <= 0 {
		cfg.SubmitBatchSize = defaultBatchSize
	}
	if cfg.ProbeBatchSize <= 0 {
		cfg.ProbeBatchSize = defaultBatchSize
	}
	if cfg.RequeueBatchSize <= 0 {
		cfg.RequeueBatchSize = defaultBatchSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if retry == nil {
		retry = orchestrator.NewRetryPolicy(orchestrator.RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:  tasks,
		client: client,
		policy: policy,
		retry:  retry,
		prober: prober,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("dispatcher"),
	}
}

// Tick runs one bounded pass. Errors are handled per task and never escape.
func (d *Dispatcher) Tick(ctx context.Context) Stats {
	var stats Stats
	if d.retry.RequeueEnabled() {
		d.requeue(ctx, &stats)
	}
	d.submit(ctx, &stats)
	d.probe(ctx, &stats)
	if stats != (Stats{}) {
		d.logger.Info("dispatch tick",
			zap.Int("requeued", stats.Requeued),
			zap.Int("submitted", stats.Submitted),
			zap.Int("throttled", stats.Throttled),
			zap.Int("submit_failed", stats.SubmitFailed),
			zap.Int("probed", stats.Probed),
			zap.Int("completed", stats.Completed),
		)
	}
	return stats
}

func (d *Dispatcher) requeue(ctx context.Context, stats *Stats) {
	cutoff := d.clock.Now().Add(-d.retry.RequeueAfter())
	refs, err := d.tasks.ListRequeueCandidates(ctx, cutoff, d.retry.MaxRequeues(), d.cfg.RequeueBatchSize)
	if err != nil {
		d.logger.Error("list requeue candidates failed", zap.Error(err))
		return
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		changed, err := d.tasks.RequeueTask(ctx, ref.Key(), d.clock.Now())
		if err != nil {
			d.logger.Error("requeue task failed", taskFields(ref, zap.Error(err))...)
			continue
		}
		if changed {
			stats.Requeued++
			metrics.ObserveRequeue()
			d.logger.Info("failed task requeued", taskFields(ref, zap.Int("requeues", ref.Task.Requeues+1))...)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, stats *Stats) {
	refs, err := d.tasks.ListWaitingTasks(ctx, d.clock.Now(), d.cfg.SubmitBatchSize)
	if err != nil {
		d.logger.Error("list waiting tasks failed", zap.Error(err))
		return
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		if d.policy != nil && !d.policy.AllowSubmit(ref.Task.URL) {
			stats.Throttled++
			metrics.ObserveSubmission("throttled")
			continue
		}
		if d.submitOne(ctx, ref) {
			stats.Submitted++
		} else {
			stats.SubmitFailed++
		}
	}
}

// submitOne submits a single task and records the outcome. The store write after
// a successful submit runs even if ctx is cancelled, so the job id is not lost.
func (d *Dispatcher) submitOne(ctx context.Context, ref orchestrator.TaskRef) bool {
	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	correlationID, err := d.client.Submit(submitCtx, orchestrator.SubmitRequest{
		URL:       ref.Task.URL,
		BatchID:   ref.BatchID,
		TaskIndex: ref.Task.Index,
	})
	cancel()

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WriteTimeout)
	defer cancelWrite()
	now := d.clock.Now()

	if err != nil {
		d.recordFailure(writeCtx, ref, err, now)
		return false
	}

	changed, err := d.tasks.MarkDispatched(writeCtx, ref.Key(), correlationID, now)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		d.recordFailure(writeCtx, ref, err, now)
		return false
	case err != nil:
		metrics.ObserveSubmission("unrecorded")
		d.logger.Error("record dispatch failed; task will be resubmitted",
			taskFields(ref, zap.String("correlation_id", correlationID), zap.Error(err))...)
		return false
	case !changed:
		metrics.ObserveSubmission("superseded")
		d.logger.Warn("task left waiting state during submit",
			taskFields(ref, zap.String("correlation_id", correlationID))...)
		return false
	}
	metrics.ObserveSubmission("submitted")
	d.logger.Debug("task dispatched", taskFields(ref, zap.String("correlation_id", correlationID))...)
	return true
}

func (d *Dispatcher) recordFailure(ctx context.Context, ref orchestrator.TaskRef, cause error, now time.Time) {
	attempts := ref.Task.Attempts + 1
	next := now.Add(d.retry.Backoff(attempts))
	outcome := "failed"
	if orchestrator.IsTransient(cause) {
		outcome = "transient"
	}
	metrics.ObserveSubmission(outcome)
	d.logger.Warn("submit failed",
		taskFields(ref, zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(cause))...)
	if _, err := d.tasks.RecordSubmitFailure(ctx, ref.Key(), attempts, next, cause.Error(), now); err != nil {
		d.logger.Error("record submit failure failed", taskFields(ref, zap.Error(err))...)
	}
}

func (d *Dispatcher) probe(ctx context.Context, stats *Stats) {
	if d.prober == nil {
		return
	}
	refs, err := d.tasks.ListDispatchedTasks(ctx, d.cfg.ProbeBatchSize)
	if err != nil {
		d.logger.Error("list dispatched tasks failed", zap.Error(err))
		return
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		stats.Probed++
		outcome, err := d.prober.Probe(ctx, ref)
		if err != nil {
			d.logger.Warn("probe failed", taskFields(ref, zap.Error(err))...)
			continue
		}
		if outcome == reconciler.OutcomeSucceeded || outcome == reconciler.OutcomeFailed {
			stats.Completed++
		}
	}
}

func taskFields(ref orchestrator.TaskRef, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("batch_id", ref.BatchID),
		zap.Int("task_index", ref.Task.Index),
		zap.String("url", ref.Task.URL),
	}
	return append(fields, extra...)
}
