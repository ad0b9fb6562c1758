// Package reconciler applies extraction completions to the task store. Pull probes
// and push notifications share one idempotent entry point.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

// Source identifies where a completion signal came from.
type Source string

// Completion sources.
const (
	SourcePull    Source = "pull"
	SourceWebhook Source = "webhook"
	SourcePubSub  Source = "pubsub"
	SourceSQS     Source = "sqs"
)

// Outcome is what a completion did to its task.
type Outcome string

// Reconcile outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	// OutcomeDuplicate means the task was already terminal; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Config controls the reconciler.
type Config struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Reconciler turns completion signals into task transitions.
type Reconciler struct {
	tasks   orchestrator.TaskStore
	results orchestrator.ResultStore
	client  orchestrator.ExtractionClient
	clock   orchestrator.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Reconciler.
func New(
	tasks orchestrator.TaskStore,
	results orchestrator.ResultStore,
	client orchestrator.ExtractionClient,
	clock orchestrator.Clock,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		tasks:   tasks,
		results: results,
		client:  client,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("reconciler"),
	}
}

// Probe pulls the result of one dispatched task.
func (r *Reconciler) Probe(ctx context.Context, ref orchestrator.TaskRef) (Outcome, error) {
	return r.HandleNotification(ctx, SourcePull, orchestrator.Notification{CorrelationID: ref.Task.CorrelationID})
}

// HandleNotification applies one completion signal. A notification without a
// payload and without a failure flag triggers a pull. Applying the same
// completion twice is a no-op that reports OutcomeDuplicate.
func (r *Reconciler) HandleNotification(ctx context.Context, source Source, n orchestrator.Notification) (Outcome, error) {
	outcome, err := r.handle(ctx, n)
	switch {
	case err != nil:
		metrics.ObserveCompletion(string(source), errorLabel(err))
	default:
		metrics.ObserveCompletion(string(source), string(outcome))
	}
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, n orchestrator.Notification) (Outcome, error) {
	if n.CorrelationID == "" {
		return "", fmt.Errorf("notification without correlation id: %w", orchestrator.ErrUnknownCorrelation)
	}
	ref, err := r.tasks.FindTaskByCorrelation(ctx, n.CorrelationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("correlation %s: %w", n.CorrelationID, orchestrator.ErrUnknownCorrelation)
		}
		return "", orchestrator.Transient("find task", err)
	}
	if ref.Task.State.Terminal() {
		return OutcomeDuplicate, nil
	}

	if n.Failed {
		return r.fail(ctx, ref, n.Reason)
	}
	payload := n.Result
	if payload == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		pulled, err := r.client.FetchResult(fetchCtx, n.CorrelationID)
		cancel()
		var terminal *orchestrator.TerminalTaskError
		switch {
		case errors.Is(err, orchestrator.ErrNotReady):
			return OutcomePending, nil
		case errors.As(err, &terminal):
			return r.fail(ctx, ref, terminal.Reason)
		case err != nil:
			return "", orchestrator.Transient("fetch result", err)
		}
		payload = &pulled
	}
	return r.succeed(ctx, ref, *payload)
}

// succeed upserts the result before flipping the task so a crash in between
// leaves a dispatched task whose next completion repeats both writes.
func (r *Reconciler) succeed(ctx context.Context, ref orchestrator.TaskRef, payload orchestrator.ExtractionPayload) (Outcome, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	now := r.clock.Now()
	result := orchestrator.ExtractionResult{
		CorrelationID:     ref.Task.CorrelationID,
		BatchID:           ref.BatchID,
		TaskIndex:         ref.Task.Index,
		URL:               ref.Task.URL,
		ExtractionPayload: payload,
		ReceivedAt:        now,
	}
	if err := r.results.UpsertResult(writeCtx, result); err != nil {
		return "", orchestrator.Transient("upsert result", err)
	}
	changed, err := r.tasks.MarkSucceeded(writeCtx, ref.Task.CorrelationID, now)
	if err != nil {
		return "", orchestrator.Transient("mark succeeded", err)
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	r.logger.Debug("task succeeded",
		zap.String("batch_id", ref.BatchID),
		zap.Int("task_index", ref.Task.Index),
		zap.String("correlation_id", ref.Task.CorrelationID),
	)
	return OutcomeSucceeded, nil
}

func (r *Reconciler) fail(ctx context.Context, ref orchestrator.TaskRef, reason string) (Outcome, error) {
	if reason == "" {
		reason = "extraction failed"
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	changed, err := r.tasks.MarkFailed(writeCtx, ref.Task.CorrelationID, reason, r.clock.Now())
	if err != nil {
		return "", orchestrator.Transient("mark failed", err)
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	r.logger.Info("task failed",
		zap.String("batch_id", ref.BatchID),
		zap.Int("task_index", ref.Task.Index),
		zap.String("url", ref.Task.URL),
		zap.String("reason", reason),
	)
	return OutcomeFailed, nil
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCorrelation):
		return "unknown"
	case orchestrator.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
