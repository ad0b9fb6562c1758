// Package storetest holds the behavioural suite shared by TaskStore backends.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

// Backend is a store serving both batches and extraction results.
type Backend interface {
	orchestrator.TaskStore
	orchestrator.ResultStore
}

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) Backend

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the conditional-update contract every backend must honour.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newBackend(t)) })
	t.Run("dispatch lifecycle", func(t *testing.T) { testDispatchLifecycle(t, newBackend(t)) })
	t.Run("submit failure backoff", func(t *testing.T) { testSubmitFailure(t, newBackend(t)) })
	t.Run("barrier and assembly flags", func(t *testing.T) { testBarrierAndAssembly(t, newBackend(t)) })
	t.Run("flag and operator requeue", func(t *testing.T) { testFlagAndRequeue(t, newBackend(t)) })
	t.Run("policy requeue candidates", func(t *testing.T) { testRequeueCandidates(t, newBackend(t)) })
	t.Run("results upsert and delete", func(t *testing.T) { testResults(t, newBackend(t)) })
	t.Run("ready batch ordering", func(t *testing.T) { testReadyOrdering(t, newBackend(t)) })
	t.Run("empty batch never passes barrier", func(t *testing.T) { testEmptyBatch(t, newBackend(t)) })
}

// NewBatch builds a batch of waiting tasks for the given URLs.
func NewBatch(id string, submitted time.Time, urls ...string) orchestrator.Batch {
	tasks := make([]orchestrator.UrlTask, len(urls))
	for i, u := range urls {
		tasks[i] = orchestrator.UrlTask{Index: i, URL: u, State: orchestrator.TaskWaiting}
	}
	return orchestrator.Batch{
		ID:           id,
		OwnerProject: "proj",
		Kind:         orchestrator.KindFullConversion,
		SubmittedAt:  submitted,
		Tasks:        tasks,
	}
}

func testCreateAndGet(t *testing.T, s Backend) {
	ctx := context.Background()
	b := NewBatch("b1", base, "https://a.example/1", "https://a.example/2")
	require.NoError(t, s.CreateBatch(ctx, b))
	require.ErrorIs(t, s.CreateBatch(ctx, b), store.ErrAlreadyExists)

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "proj", got.OwnerProject)
	require.Equal(t, orchestrator.KindFullConversion, got.Kind)
	require.True(t, got.SubmittedAt.Equal(base))
	require.Len(t, got.Tasks, 2)
	for i, task := range got.Tasks {
		require.Equal(t, i, task.Index)
		require.Equal(t, orchestrator.TaskWaiting, task.State)
		require.Empty(t, task.CorrelationID)
	}
	require.Equal(t, "https://a.example/2", got.Tasks[1].URL)

	_, err = s.GetBatch(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindTaskByCorrelation(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDispatchLifecycle(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("b1", base, "u0", "u1")))

	waiting, err := s.ListWaitingTasks(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	key := orchestrator.TaskKey{BatchID: "b1", Index: 0}
	ok, err := s.MarkDispatched(ctx, key, "corr-0", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkDispatched(ctx, key, "corr-0b", base.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "dispatched task must not be dispatched again")

	ref, err := s.FindTaskByCorrelation(ctx, "corr-0")
	require.NoError(t, err)
	require.Equal(t, "b1", ref.BatchID)
	require.Equal(t, 0, ref.Task.Index)
	require.Equal(t, orchestrator.TaskDispatched, ref.Task.State)

	dispatched, err := s.ListDispatchedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	require.Equal(t, "corr-0", dispatched[0].Task.CorrelationID)

	ok, err = s.MarkSucceeded(ctx, "corr-0", base.Add(3*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkSucceeded(ctx, "corr-0", base.Add(4*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "second completion is a no-op")
	ok, err = s.MarkFailed(ctx, "corr-0", "late failure", base.Add(5*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "succeeded never regresses")

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.TaskSucceeded, got.Tasks[0].State)
	require.True(t, got.Tasks[0].ResultReceived)
	require.Equal(t, orchestrator.TaskWaiting, got.Tasks[1].State)

	ok, err = s.MarkDispatched(ctx, orchestrator.TaskKey{BatchID: "b1", Index: 1}, "corr-1", base)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkFailed(ctx, "corr-1", "remote failed", base.Add(6*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	got, err = s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.TaskFailed, got.Tasks[1].State)
	require.False(t, got.Tasks[1].ResultReceived)
	require.Equal(t, "remote failed", got.Tasks[1].LastError)
	require.Equal(t, "corr-1", got.Tasks[1].CorrelationID)
}

func testSubmitFailure(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("b1", base, "u0")))
	key := orchestrator.TaskKey{BatchID: "b1", Index: 0}
	next := base.Add(time.Minute)

	ok, err := s.RecordSubmitFailure(ctx, key, 1, next, "timeout", base)
	require.NoError(t, err)
	require.True(t, ok)

	waiting, err := s.ListWaitingTasks(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, waiting)

	waiting, err = s.ListWaitingTasks(ctx, next, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	require.Equal(t, 1, waiting[0].Task.Attempts)
	require.Equal(t, "timeout", waiting[0].Task.LastError)
	require.Equal(t, orchestrator.TaskWaiting, waiting[0].Task.State)

	ok, err = s.MarkDispatched(ctx, key, "corr", next)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Zero(t, got.Tasks[0].Attempts)

	ok, err = s.RecordSubmitFailure(ctx, key, 2, next, "late", next)
	require.NoError(t, err)
	require.False(t, ok, "only waiting tasks record submit failures")
}

func testBarrierAndAssembly(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("b1", base, "u0", "u1")))
	dispatchAll(t, s, "b1", 2)

	ok, err := s.MarkArtifactStored(ctx, "b1", "memory://x")
	require.NoError(t, err)
	require.False(t, ok, "artifact cannot be stored before the barrier")

	_, err = s.MarkSucceeded(ctx, "b1-0", base)
	require.NoError(t, err)
	ok, err = s.MarkAllTasksTerminal(ctx, "b1")
	require.NoError(t, err)
	require.False(t, ok, "barrier needs every task terminal")

	_, err = s.MarkFailed(ctx, "b1-1", "gone", base)
	require.NoError(t, err)
	open, err := s.ListOpenBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	ok, err = s.MarkAllTasksTerminal(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkAllTasksTerminal(ctx, "b1")
	require.NoError(t, err)
	require.False(t, ok)

	open, err = s.ListOpenBatches(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, open)

	ready, found, err := s.NextReadyBatch(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b1", ready.ID)
	require.True(t, ready.AllTasksTerminal)

	ok, err = s.MarkResultsCleaned(ctx, "b1")
	require.NoError(t, err)
	require.False(t, ok, "cleanup waits for the stored flag")

	ok, err = s.MarkArtifactStored(ctx, "b1", "memory://pdfs/a.pdf")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkArtifactStored(ctx, "b1", "memory://pdfs/b.pdf")
	require.NoError(t, err)
	require.False(t, ok)

	_, found, err = s.NextReadyBatch(ctx)
	require.NoError(t, err)
	require.False(t, found)

	pending, err := s.ListUnfinalizedBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "memory://pdfs/a.pdf", pending[0].ArtifactLocation)

	ok, err = s.MarkResultsCleaned(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkArtifactPublished(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)

	pending, err = s.ListUnfinalizedBatches(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.True(t, got.ArtifactStored)
	require.True(t, got.ResultsCleaned)
	require.True(t, got.ArtifactPublished)
	require.Equal(t, "memory://pdfs/a.pdf", got.ArtifactLocation)
}

func testFlagAndRequeue(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("b1", base, "u0", "u1")))
	dispatchAll(t, s, "b1", 2)
	for _, corr := range []string{"b1-0", "b1-1"} {
		_, err := s.MarkFailed(ctx, corr, "gone", base)
		require.NoError(t, err)
	}

	ok, err := s.FlagBatch(ctx, "b1", "no task succeeded")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.FlagBatch(ctx, "b1", "again")
	require.NoError(t, err)
	require.False(t, ok)

	open, err := s.ListOpenBatches(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, open)
	ok, err = s.MarkAllTasksTerminal(ctx, "b1")
	require.NoError(t, err)
	require.False(t, ok, "flagged batches do not pass the barrier")

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.True(t, got.NeedsAttention)
	require.Equal(t, "no task succeeded", got.AttentionReason)

	n, err := s.RequeueFailedTasks(ctx, "b1", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err = s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.False(t, got.NeedsAttention)
	for _, task := range got.Tasks {
		require.Equal(t, orchestrator.TaskWaiting, task.State)
		require.Empty(t, task.CorrelationID)
		require.Equal(t, 1, task.Requeues)
	}

	_, err = s.RequeueFailedTasks(ctx, "missing", base)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testRequeueCandidates(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("b1", base, "u0", "u1")))
	dispatchAll(t, s, "b1", 2)
	_, err := s.MarkFailed(ctx, "b1-0", "gone", base)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, "b1-1", "gone", base.Add(time.Hour))
	require.NoError(t, err)

	refs, err := s.ListRequeueCandidates(ctx, base.Add(time.Minute), 1, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, 0, refs[0].Task.Index)

	ok, err := s.RequeueTask(ctx, refs[0].Key(), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RequeueTask(ctx, refs[0].Key(), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	refs, err = s.ListRequeueCandidates(ctx, base.Add(2*time.Hour), 1, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1, "task 0 is waiting again, task 1 is eligible")
	require.Equal(t, 1, refs[0].Task.Index)

	waiting, err := s.ListWaitingTasks(ctx, base.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	require.Equal(t, 1, waiting[0].Task.Requeues)
}

func testResults(t *testing.T, s Backend) {
	ctx := context.Background()
	published := base.Add(-time.Hour)
	first := orchestrator.ExtractionResult{
		CorrelationID: "c1",
		BatchID:       "b1",
		TaskIndex:     0,
		URL:           "https://a.example/1",
		ExtractionPayload: orchestrator.ExtractionPayload{
			Title:       "First",
			Body:        "<p>hello</p>",
			Authors:     []string{"Ada"},
			Keywords:    []string{"k1", "k2"},
			Media:       []orchestrator.Media{{URL: "https://img.example/1.png", Caption: "cap"}},
			PublishedAt: &published,
		},
		ReceivedAt: base,
	}
	require.NoError(t, s.UpsertResult(ctx, first))
	second := first
	second.Title = "First (revised)"
	require.NoError(t, s.UpsertResult(ctx, second))
	require.NoError(t, s.UpsertResult(ctx, orchestrator.ExtractionResult{CorrelationID: "c2", BatchID: "b1", TaskIndex: 1}))

	got, err := s.ListResults(ctx, []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]orchestrator.ExtractionResult{}
	for _, r := range got {
		byID[r.CorrelationID] = r
	}
	require.Equal(t, "First (revised)", byID["c1"].Title)
	require.Equal(t, []string{"Ada"}, byID["c1"].Authors)
	require.Equal(t, []string{"k1", "k2"}, byID["c1"].Keywords)
	require.Equal(t, "cap", byID["c1"].Media[0].Caption)
	require.NotNil(t, byID["c1"].PublishedAt)
	require.True(t, byID["c1"].PublishedAt.Equal(published))
	require.Nil(t, byID["c2"].PublishedAt)

	n, err := s.DeleteResults(ctx, []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	got, err = s.ListResults(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func testReadyOrdering(t *testing.T, s Backend) {
	ctx := context.Background()
	for _, id := range []string{"b-late", "b-z", "b-a"} {
		submitted := base
		if id == "b-late" {
			submitted = base.Add(time.Hour)
		}
		require.NoError(t, s.CreateBatch(ctx, NewBatch(id, submitted, "u0")))
		dispatchAll(t, s, id, 1)
		_, err := s.MarkSucceeded(ctx, id+"-0", base)
		require.NoError(t, err)
		ok, err := s.MarkAllTasksTerminal(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ready, found, err := s.NextReadyBatch(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b-a", ready.ID, "oldest first, ties broken by id")
}

func testEmptyBatch(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, NewBatch("empty", base)))
	ok, err := s.MarkAllTasksTerminal(ctx, "empty")
	require.NoError(t, err)
	require.False(t, ok)
	open, err := s.ListOpenBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Empty(t, open[0].Tasks)
}

func dispatchAll(t *testing.T, s Backend, batchID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		corr := batchID + "-" + string(rune('0'+i))
		ok, err := s.MarkDispatched(context.Background(), orchestrator.TaskKey{BatchID: batchID, Index: i}, corr, base)
		require.NoError(t, err)
		require.True(t, ok)
	}
}
