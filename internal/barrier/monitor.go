// Package barrier detects batches whose tasks have all settled and raises the
// one-way all-tasks-terminal flag that releases them to assembly.
package barrier

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// Attention reasons recorded on flagged batches.
const (
	ReasonEmptyBatch  = "batch has no tasks"
	ReasonNoSucceeded = "every task failed"
)

const defaultBatchLimit = 200

// Stats summarises one tick.
type Stats struct {
	Scanned int
	Passed  int
	Flagged int
}

// Monitor evaluates open batches.
type Monitor struct {
	tasks  orchestrator.TaskStore
	retry  *orchestrator.RetryPolicy
	limit  int
	logger *zap.Logger
}

// New constructs a Monitor. limit bounds how many batches one tick inspects.
func New(tasks orchestrator.TaskStore, retry *orchestrator.RetryPolicy, limit int, logger *zap.Logger) *Monitor {
	if retry == nil {
		retry = orchestrator.NewRetryPolicy(orchestrator.RetryConfig{})
	}
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{tasks: tasks, retry: retry, limit: limit, logger: logger.Named("barrier")}
}

// Verdict is the barrier decision for one batch.
type Verdict int

// Barrier verdicts.
const (
	Pending Verdict = iota
	Pass
	Flag
)

// Evaluate decides what the barrier does with b. A failed task that the retry
// policy may still requeue keeps the batch pending.
func (m *Monitor) Evaluate(b orchestrator.Batch) (Verdict, string) {
	if len(b.Tasks) == 0 {
		return Flag, ReasonEmptyBatch
	}
	succeeded := 0
	for _, task := range b.Tasks {
		if !m.retry.Settled(task) {
			return Pending, ""
		}
		if task.State == orchestrator.TaskSucceeded {
			succeeded++
		}
	}
	if succeeded == 0 {
		return Flag, ReasonNoSucceeded
	}
	return Pass, ""
}

// Tick inspects open batches once.
func (m *Monitor) Tick(ctx context.Context) Stats {
	var stats Stats
	batches, err := m.tasks.ListOpenBatches(ctx, m.limit)
	if err != nil {
		m.logger.Error("list open batches failed", zap.Error(err))
		return stats
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		stats.Scanned++
		verdict, reason := m.Evaluate(b)
		switch verdict {
		case Pass:
			changed, err := m.tasks.MarkAllTasksTerminal(ctx, b.ID)
			if err != nil {
				metrics.ObserveBarrier("error")
				m.logger.Error("mark all tasks terminal failed", zap.String("batch_id", b.ID), zap.Error(err))
				continue
			}
			if changed {
				stats.Passed++
				metrics.ObserveBarrier("passed")
				counts := b.Counts()
				m.logger.Info("batch ready for assembly",
					zap.String("batch_id", b.ID),
					zap.Int("succeeded", counts[orchestrator.TaskSucceeded]),
					zap.Int("failed", counts[orchestrator.TaskFailed]),
				)
			}
		case Flag:
			m.flag(ctx, b.ID, reason, &stats)
		}
	}
	return stats
}

func (m *Monitor) flag(ctx context.Context, batchID, reason string, stats *Stats) {
	changed, err := m.tasks.FlagBatch(ctx, batchID, reason)
	if err != nil {
		metrics.ObserveBarrier("error")
		m.logger.Error("flag batch failed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	if changed {
		stats.Flagged++
		metrics.ObserveBarrier("flagged")
		violation := &orchestrator.IntegrityError{BatchID: batchID, Reason: reason}
		m.logger.Error("batch needs operator attention", zap.String("batch_id", batchID), zap.Error(violation))
	}
}
