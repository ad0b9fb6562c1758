package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

// TaskStore provides an in-memory TaskStore and ResultStore for development/testing.
type TaskStore struct {
	mu      sync.RWMutex
	batches map[string]*orchestrator.Batch
	results map[string]orchestrator.ExtractionResult
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		batches: make(map[string]*orchestrator.Batch),
		results: make(map[string]orchestrator.ExtractionResult),
	}
}

// CreateBatch stores a new batch; tasks are re-indexed by position.
func (s *TaskStore) CreateBatch(_ context.Context, batch orchestrator.Batch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("create batch %s: %w", batch.ID, store.ErrAlreadyExists)
	}
	b := cloneBatch(batch)
	for i := range b.Tasks {
		b.Tasks[i].Index = i
		if b.Tasks[i].State == "" {
			b.Tasks[i].State = orchestrator.TaskWaiting
		}
	}
	s.batches[b.ID] = &b
	return nil
}

// GetBatch fetches a batch by ID.
func (s *TaskStore) GetBatch(_ context.Context, id string) (orchestrator.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return orchestrator.Batch{}, store.ErrNotFound
	}
	return cloneBatch(*b), nil
}

// FindTaskByCorrelation locates the task that carries the correlation id.
func (s *TaskStore) FindTaskByCorrelation(_ context.Context, correlationID string) (orchestrator.TaskRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, t := s.lookupCorrelation(correlationID)
	if t == nil {
		return orchestrator.TaskRef{}, store.ErrNotFound
	}
	return orchestrator.TaskRef{BatchID: b.ID, Task: *t}, nil
}

// ListWaitingTasks returns waiting tasks whose backoff gate has passed.
func (s *TaskStore) ListWaitingTasks(_ context.Context, now time.Time, limit int) ([]orchestrator.TaskRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.TaskRef
	for _, b := range s.orderedBatches() {
		for _, t := range b.Tasks {
			if t.State == orchestrator.TaskWaiting && !t.NextAttemptAt.After(now) {
				out = append(out, orchestrator.TaskRef{BatchID: b.ID, Task: t})
			}
		}
	}
	return capRefs(out, limit), nil
}

// ListDispatchedTasks returns dispatched tasks, least recently updated first.
func (s *TaskStore) ListDispatchedTasks(_ context.Context, limit int) ([]orchestrator.TaskRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.TaskRef
	for _, b := range s.orderedBatches() {
		for _, t := range b.Tasks {
			if t.State == orchestrator.TaskDispatched {
				out = append(out, orchestrator.TaskRef{BatchID: b.ID, Task: t})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Task.UpdatedAt.Before(out[j].Task.UpdatedAt)
	})
	return capRefs(out, limit), nil
}

// ListRequeueCandidates returns failed tasks eligible for a policy requeue.
func (s *TaskStore) ListRequeueCandidates(
	_ context.Context,
	failedBefore time.Time,
	maxRequeues int,
	limit int,
) ([]orchestrator.TaskRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.TaskRef
	for _, b := range s.orderedBatches() {
		if b.AllTasksTerminal {
			continue
		}
		for _, t := range b.Tasks {
			if t.State == orchestrator.TaskFailed && !t.UpdatedAt.After(failedBefore) && t.Requeues < maxRequeues {
				out = append(out, orchestrator.TaskRef{BatchID: b.ID, Task: t})
			}
		}
	}
	return capRefs(out, limit), nil
}

// MarkDispatched moves a waiting task to dispatched.
func (s *TaskStore) MarkDispatched(
	_ context.Context,
	key orchestrator.TaskKey,
	correlationID string,
	at time.Time,
) (bool, error) {
	if correlationID == "" {
		return false, errors.New("correlation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existing := s.lookupCorrelation(correlationID); existing != nil {
		return false, fmt.Errorf("correlation id %s: %w", correlationID, store.ErrAlreadyExists)
	}
	t := s.task(key)
	if t == nil || t.State != orchestrator.TaskWaiting {
		return false, nil
	}
	t.State = orchestrator.TaskDispatched
	t.CorrelationID = correlationID
	t.Attempts = 0
	t.NextAttemptAt = time.Time{}
	t.LastError = ""
	t.UpdatedAt = at
	return true, nil
}

// RecordSubmitFailure keeps a task waiting and pushes its backoff gate.
func (s *TaskStore) RecordSubmitFailure(
	_ context.Context,
	key orchestrator.TaskKey,
	attempts int,
	next time.Time,
	reason string,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task(key)
	if t == nil || t.State != orchestrator.TaskWaiting {
		return false, nil
	}
	t.Attempts = attempts
	t.NextAttemptAt = next
	t.LastError = reason
	t.UpdatedAt = at
	return true, nil
}

// MarkSucceeded moves a dispatched task to succeeded.
func (s *TaskStore) MarkSucceeded(_ context.Context, correlationID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.lookupCorrelation(correlationID)
	if t == nil || t.State != orchestrator.TaskDispatched {
		return false, nil
	}
	t.State = orchestrator.TaskSucceeded
	t.ResultReceived = true
	t.UpdatedAt = at
	return true, nil
}

// MarkFailed moves a dispatched task to failed.
func (s *TaskStore) MarkFailed(_ context.Context, correlationID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.lookupCorrelation(correlationID)
	if t == nil || t.State != orchestrator.TaskDispatched {
		return false, nil
	}
	t.State = orchestrator.TaskFailed
	t.LastError = reason
	t.UpdatedAt = at
	return true, nil
}

// RequeueTask resets a failed task to waiting while its batch is before the barrier.
func (s *TaskStore) RequeueTask(_ context.Context, key orchestrator.TaskKey, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[key.BatchID]
	if !ok || b.AllTasksTerminal {
		return false, nil
	}
	t := s.task(key)
	if t == nil || t.State != orchestrator.TaskFailed {
		return false, nil
	}
	resetTask(t, at)
	return true, nil
}

// ListOpenBatches returns unflagged batches before the barrier, oldest first.
func (s *TaskStore) ListOpenBatches(_ context.Context, limit int) ([]orchestrator.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(b *orchestrator.Batch) bool {
		return !b.AllTasksTerminal && !b.NeedsAttention
	}), nil
}

// MarkAllTasksTerminal sets the barrier flag when every task is terminal.
func (s *TaskStore) MarkAllTasksTerminal(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || b.AllTasksTerminal || b.NeedsAttention || len(b.Tasks) == 0 {
		return false, nil
	}
	for _, t := range b.Tasks {
		if !t.State.Terminal() {
			return false, nil
		}
	}
	b.AllTasksTerminal = true
	return true, nil
}

// FlagBatch marks a batch for operator attention.
func (s *TaskStore) FlagBatch(_ context.Context, batchID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || b.NeedsAttention || b.ArtifactStored {
		return false, nil
	}
	b.NeedsAttention = true
	b.AttentionReason = reason
	return true, nil
}

// RequeueFailedTasks resets every failed task of a batch and clears its flag.
func (s *TaskStore) RequeueFailedTasks(_ context.Context, batchID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if b.AllTasksTerminal {
		return 0, fmt.Errorf("requeue batch %s: %w", batchID, store.ErrConflict)
	}
	n := 0
	for i := range b.Tasks {
		if b.Tasks[i].State == orchestrator.TaskFailed {
			resetTask(&b.Tasks[i], at)
			n++
		}
	}
	b.NeedsAttention = false
	b.AttentionReason = ""
	return n, nil
}

// NextReadyBatch returns the oldest batch waiting for assembly.
func (s *TaskStore) NextReadyBatch(_ context.Context) (orchestrator.Batch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ready := s.collect(1, func(b *orchestrator.Batch) bool {
		return b.AllTasksTerminal && !b.ArtifactStored && !b.NeedsAttention
	})
	if len(ready) == 0 {
		return orchestrator.Batch{}, false, nil
	}
	return ready[0], true, nil
}

// MarkArtifactStored records the artifact location once.
func (s *TaskStore) MarkArtifactStored(_ context.Context, batchID, location string) (bool, error) {
	if location == "" {
		return false, errors.New("artifact location is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || !b.AllTasksTerminal || b.ArtifactStored {
		return false, nil
	}
	b.ArtifactStored = true
	b.ArtifactLocation = location
	return true, nil
}

// ListUnfinalizedBatches returns stored batches with cleanup or notification pending.
func (s *TaskStore) ListUnfinalizedBatches(_ context.Context, limit int) ([]orchestrator.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(b *orchestrator.Batch) bool {
		return b.ArtifactStored && (!b.ResultsCleaned || !b.ArtifactPublished)
	}), nil
}

// MarkResultsCleaned records that the batch's results were removed.
func (s *TaskStore) MarkResultsCleaned(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || !b.ArtifactStored || b.ResultsCleaned {
		return false, nil
	}
	b.ResultsCleaned = true
	return true, nil
}

// MarkArtifactPublished records that the artifact event was announced.
func (s *TaskStore) MarkArtifactPublished(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || !b.ArtifactStored || b.ArtifactPublished {
		return false, nil
	}
	b.ArtifactPublished = true
	return true, nil
}

// UpsertResult inserts or replaces the result for its correlation id.
func (s *TaskStore) UpsertResult(_ context.Context, result orchestrator.ExtractionResult) error {
	if result.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.CorrelationID] = cloneResult(result)
	return nil
}

// ListResults returns the stored results for the given correlation ids.
func (s *TaskStore) ListResults(_ context.Context, correlationIDs []string) ([]orchestrator.ExtractionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orchestrator.ExtractionResult, 0, len(correlationIDs))
	for _, id := range correlationIDs {
		if r, ok := s.results[id]; ok {
			out = append(out, cloneResult(r))
		}
	}
	return out, nil
}

// DeleteResults removes results and reports how many existed.
func (s *TaskStore) DeleteResults(_ context.Context, correlationIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range correlationIDs {
		if _, ok := s.results[id]; ok {
			delete(s.results, id)
			n++
		}
	}
	return n, nil
}

func (s *TaskStore) task(key orchestrator.TaskKey) *orchestrator.UrlTask {
	b, ok := s.batches[key.BatchID]
	if !ok || key.Index < 0 || key.Index >= len(b.Tasks) {
		return nil
	}
	return &b.Tasks[key.Index]
}

func (s *TaskStore) lookupCorrelation(correlationID string) (*orchestrator.Batch, *orchestrator.UrlTask) {
	if correlationID == "" {
		return nil, nil
	}
	for _, b := range s.batches {
		for i := range b.Tasks {
			if b.Tasks[i].CorrelationID == correlationID {
				return b, &b.Tasks[i]
			}
		}
	}
	return nil, nil
}

func (s *TaskStore) orderedBatches() []*orchestrator.Batch {
	out := make([]*orchestrator.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *TaskStore) collect(limit int, match func(*orchestrator.Batch) bool) []orchestrator.Batch {
	var out []orchestrator.Batch
	for _, b := range s.orderedBatches() {
		if !match(b) {
			continue
		}
		out = append(out, cloneBatch(*b))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func resetTask(t *orchestrator.UrlTask, at time.Time) {
	t.State = orchestrator.TaskWaiting
	t.CorrelationID = ""
	t.ResultReceived = false
	t.Attempts = 0
	t.NextAttemptAt = time.Time{}
	t.Requeues++
	t.UpdatedAt = at
}

func capRefs(refs []orchestrator.TaskRef, limit int) []orchestrator.TaskRef {
	if limit > 0 && len(refs) > limit {
		return refs[:limit]
	}
	return refs
}

func cloneBatch(b orchestrator.Batch) orchestrator.Batch {
	cp := b
	cp.Tasks = make([]orchestrator.UrlTask, len(b.Tasks))
	copy(cp.Tasks, b.Tasks)
	return cp
}

func cloneResult(r orchestrator.ExtractionResult) orchestrator.ExtractionResult {
	cp := r
	cp.Authors = append([]string(nil), r.Authors...)
	cp.Keywords = append([]string(nil), r.Keywords...)
	cp.Media = append([]orchestrator.Media(nil), r.Media...)
	return cp
}
