// Package assembler runs the slow-tick stage: it renders one ready batch per tick
// into an artifact, stores it, then finalizes stored batches by deleting their
// extraction results and announcing the artifact.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// DefaultEventTopic is the logical topic of artifact announcements.
const DefaultEventTopic = "artifact.published"

// Config controls the assembler.
type Config struct {
	ArtifactRoot      string        `mapstructure:"artifact_root"`
	EventTopic        string        `mapstructure:"event_topic"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	FinalizeBatchSize int           `mapstructure:"finalize_batch_size"`
}

// Stats summarises one tick.
type Stats struct {
	Assembled int
	Flagged   int
	Failed    int
	Finalized int
}

// Assembler turns ready batches into stored artifacts.
type Assembler struct {
	tasks     orchestrator.TaskStore
	results   orchestrator.ResultStore
	renderer  orchestrator.Renderer
	artifacts orchestrator.ArtifactStore
	publisher orchestrator.Publisher
	clock     orchestrator.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Assembler. A nil publisher skips the announcement step.
func New(
	tasks orchestrator.TaskStore,
	results orchestrator.ResultStore,
	renderer orchestrator.Renderer,
	artifacts orchestrator.ArtifactStore,
	publisher orchestrator.Publisher,
	clock orchestrator.Clock,
	cfg Config,
	logger *zap.Logger,
) *Assembler {
	if cfg.ArtifactRoot == "" {
		cfg.ArtifactRoot = "pdfs"
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FinalizeBatchSize <= 0 {
		cfg.FinalizeBatchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		tasks:     tasks,
		results:   results,
		renderer:  renderer,
		artifacts: artifacts,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("assembler"),
	}
}

// Tick finishes pending finalization first, then assembles at most one batch.
func (a *Assembler) Tick(ctx context.Context) Stats {
	var stats Stats
	a.finalizePending(ctx, &stats)
	if ctx.Err() != nil {
		return stats
	}

	batch, ok, err := a.tasks.NextReadyBatch(ctx)
	if err != nil {
		a.logger.Error("select ready batch failed", zap.Error(err))
		return stats
	}
	if !ok {
		return stats
	}
	stored, err := a.Assemble(ctx, batch)
	switch {
	case orchestrator.IsIntegrity(err):
		stats.Flagged++
		a.flag(ctx, batch.ID, err)
		return stats
	case err != nil:
		stats.Failed++
		metrics.ObserveArtifact("failed", 0, 0)
		a.logger.Error("assembly failed; batch will be retried", zap.String("batch_id", batch.ID), zap.Error(err))
		return stats
	}
	stats.Assembled++
	if a.finalize(ctx, stored) {
		stats.Finalized++
	}
	return stats
}

// Assemble renders and stores the artifact of a batch past the barrier. It returns
// the batch as stored. Nothing is marked unless the artifact is durably stored.
func (a *Assembler) Assemble(ctx context.Context, batch orchestrator.Batch) (orchestrator.Batch, error) {
	ids := succeededCorrelations(batch)
	if len(ids) == 0 {
		return batch, &orchestrator.IntegrityError{BatchID: batch.ID, Reason: "no succeeded tasks at assembly"}
	}
	results, err := a.results.ListResults(ctx, ids)
	if err != nil {
		return batch, &orchestrator.AssemblyError{BatchID: batch.ID, Stage: "load results", Err: err}
	}
	entries, missing := orchestrator.BuildEntries(batch, results)
	if len(missing) > 0 {
		return batch, &orchestrator.IntegrityError{
			BatchID: batch.ID,
			Reason:  fmt.Sprintf("missing extraction results for tasks %v", missing),
		}
	}

	now := a.clock.Now()
	data, err := a.renderer.Render(ctx, orchestrator.Document{
		BatchID:      batch.ID,
		OwnerProject: batch.OwnerProject,
		Kind:         batch.Kind,
		GeneratedAt:  now,
		Entries:      entries,
	})
	if err != nil {
		return batch, &orchestrator.AssemblyError{BatchID: batch.ID, Stage: "render", Err: err}
	}

	key := orchestrator.ArtifactKey(a.cfg.ArtifactRoot, batch.OwnerProject, batch.Kind, entries, now, a.renderer.Extension())
	unit, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.PublishTimeout)
	defer cancel()
	location, err := a.artifacts.Publish(unit, key, a.renderer.ContentType(), bytes.NewReader(data))
	if err != nil {
		return batch, &orchestrator.AssemblyError{BatchID: batch.ID, Stage: "publish", Err: err}
	}

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
	defer cancelWrite()
	changed, err := a.tasks.MarkArtifactStored(writeCtx, batch.ID, location)
	switch {
	case err != nil:
		if a.recorded(writeCtx, batch.ID, key, location) {
			a.logger.Warn("record artifact reported an error but the write is visible",
				zap.String("batch_id", batch.ID), zap.Error(err))
			break
		}
		return batch, &orchestrator.AssemblyError{BatchID: batch.ID, Stage: "record artifact", Err: err}
	case !changed:
		a.discard(writeCtx, batch.ID, key)
		return batch, &orchestrator.AssemblyError{
			BatchID: batch.ID,
			Stage:   "record artifact",
			Err:     fmt.Errorf("batch no longer ready for assembly"),
		}
	}

	extracted, placeholders := orchestrator.CountEntries(entries)
	metrics.ObserveArtifact("stored", extracted, placeholders)
	a.logger.Info("artifact stored",
		zap.String("batch_id", batch.ID),
		zap.String("location", location),
		zap.Int("entries", extracted),
		zap.Int("placeholders", placeholders),
	)
	batch.ArtifactStored = true
	batch.ArtifactLocation = location
	return batch, nil
}

// recorded re-reads the batch after an ambiguous MarkArtifactStored failure. It
// reports whether location is the recorded artifact. When the batch holds some
// other outcome the object is discarded; when the re-read fails the object is
// kept, since the batch may already point at it.
func (a *Assembler) recorded(ctx context.Context, batchID, key, location string) bool {
	current, err := a.tasks.GetBatch(ctx, batchID)
	if err != nil {
		a.logger.Warn("re-read batch after failed record; keeping artifact",
			zap.String("batch_id", batchID), zap.String("location", location), zap.Error(err))
		return false
	}
	if current.ArtifactStored && current.ArtifactLocation == location {
		return true
	}
	a.discard(ctx, batchID, key)
	return false
}

// discard removes an artifact whose location could not be recorded, so a retry
// does not leave an orphan next to the artifact it eventually stores.
func (a *Assembler) discard(ctx context.Context, batchID, key string) {
	if _, err := a.artifacts.Delete(ctx, key); err != nil {
		a.logger.Warn("discard unrecorded artifact failed",
			zap.String("batch_id", batchID), zap.String("key", key), zap.Error(err))
	}
}

func (a *Assembler) flag(ctx context.Context, batchID string, cause error) {
	metrics.ObserveArtifact("flagged", 0, 0)
	if _, err := a.tasks.FlagBatch(ctx, batchID, cause.Error()); err != nil {
		a.logger.Error("flag batch failed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	a.logger.Error("batch needs operator attention", zap.String("batch_id", batchID), zap.Error(cause))
}

func (a *Assembler) finalizePending(ctx context.Context, stats *Stats) {
	batches, err := a.tasks.ListUnfinalizedBatches(ctx, a.cfg.FinalizeBatchSize)
	if err != nil {
		a.logger.Error("list unfinalized batches failed", zap.Error(err))
		return
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		if a.finalize(ctx, b) {
			stats.Finalized++
		}
	}
}

// finalize deletes the consumed results, then announces the artifact. Each step
// is recorded on the batch and skipped once done; it reports whether both are done.
func (a *Assembler) finalize(ctx context.Context, b orchestrator.Batch) bool {
	if !b.ArtifactStored {
		return false
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
	defer cancel()

	if !b.ResultsCleaned {
		deleted, err := a.results.DeleteResults(writeCtx, taskCorrelations(b))
		if err != nil {
			metrics.ObserveFinalize("cleanup", "error")
			a.logger.Warn("delete results failed", zap.String("batch_id", b.ID), zap.Error(err))
			return false
		}
		if _, err := a.tasks.MarkResultsCleaned(writeCtx, b.ID); err != nil {
			metrics.ObserveFinalize("cleanup", "error")
			a.logger.Warn("mark results cleaned failed", zap.String("batch_id", b.ID), zap.Error(err))
			return false
		}
		metrics.ObserveFinalize("cleanup", "done")
		a.logger.Debug("results cleaned", zap.String("batch_id", b.ID), zap.Int("deleted", deleted))
	}

	if !b.ArtifactPublished {
		if a.publisher != nil {
			if _, err := a.publisher.Publish(writeCtx, a.cfg.EventTopic, a.event(b)); err != nil {
				metrics.ObserveFinalize("notify", "error")
				a.logger.Warn("announce artifact failed", zap.String("batch_id", b.ID), zap.Error(err))
				return false
			}
		}
		if _, err := a.tasks.MarkArtifactPublished(writeCtx, b.ID); err != nil {
			metrics.ObserveFinalize("notify", "error")
			a.logger.Warn("mark artifact published failed", zap.String("batch_id", b.ID), zap.Error(err))
			return false
		}
		metrics.ObserveFinalize("notify", "done")
	}
	return true
}

func (a *Assembler) event(b orchestrator.Batch) orchestrator.ArtifactEvent {
	counts := b.Counts()
	return orchestrator.ArtifactEvent{
		BatchID:      b.ID,
		OwnerProject: b.OwnerProject,
		Kind:         b.Kind,
		Location:     b.ArtifactLocation,
		Entries:      counts[orchestrator.TaskSucceeded],
		Placeholders: counts[orchestrator.TaskFailed],
		AnnouncedAt:  a.clock.Now(),
	}
}

func succeededCorrelations(b orchestrator.Batch) []string {
	var ids []string
	for _, t := range b.Tasks {
		if t.State == orchestrator.TaskSucceeded && t.CorrelationID != "" {
			ids = append(ids, t.CorrelationID)
		}
	}
	return ids
}

func taskCorrelations(b orchestrator.Batch) []string {
	var ids []string
	for _, t := range b.Tasks {
		if t.CorrelationID != "" {
			ids = append(ids, t.CorrelationID)
		}
	}
	return ids
}
