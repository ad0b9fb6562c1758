package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/config"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/server"
	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/memory"
)

// useMemoryBackends swaps the store factories for shared in-memory instances.
// Tests that call it must not run in parallel.
func useMemoryBackends(t *testing.T) (*memory.TaskStore, *memory.BlobStore) {
	t.Helper()
	tasks := memory.NewTaskStore()
	blobs := memory.NewBlobStore()
	prevStore, prevArtifacts := openStore, openArtifacts
	noop := func(context.Context) error { return nil }
	openStore = func(context.Context, *config.Config, *zap.Logger) (server.Store, func(context.Context) error, error) {
		return tasks, noop, nil
	}
	openArtifacts = func(context.Context, *config.Config, *zap.Logger) (orchestrator.ArtifactStore, func(context.Context) error, error) {
		return blobs, noop, nil
	}
	t.Cleanup(func() { openStore, openArtifacts = prevStore, prevArtifacts })
	return tasks, blobs
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitCreatesWaitingBatch(t *testing.T) {
	tasks, _ := useMemoryBackends(t)

	out, err := run(t, "submit", "--owner", "newsroom", "--kind", "text", "https://a.example/1", "https://a.example/2")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	b, err := tasks.GetBatch(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "newsroom", b.OwnerProject)
	require.Equal(t, orchestrator.KindTextOnly, b.Kind)
	require.Len(t, b.Tasks, 2)
	for i, task := range b.Tasks {
		require.Equal(t, i, task.Index)
		require.Equal(t, orchestrator.TaskWaiting, task.State)
	}
}

func TestSubmitUsesBatchIDGenerator(t *testing.T) {
	tasks, _ := useMemoryBackends(t)
	prev := batchIDs
	batchIDs = fixedIDs{id: "batch-fixed"}
	t.Cleanup(func() { batchIDs = prev })

	out, err := run(t, "submit", "--owner", "p", "https://a.example/1")
	require.NoError(t, err)
	require.Equal(t, "batch-fixed", strings.TrimSpace(out))
	_, err = tasks.GetBatch(context.Background(), "batch-fixed")
	require.NoError(t, err)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	useMemoryBackends(t)

	_, err := run(t, "submit", "https://a.example/1")
	require.ErrorContains(t, err, "--owner")
	_, err = run(t, "submit", "--owner", "p", "--kind", "poster", "https://a.example/1")
	require.ErrorContains(t, err, "unknown kind")
	_, err = run(t, "submit", "--owner", "p")
	require.ErrorContains(t, err, "at least one URL")
	_, err = run(t, "submit", "--owner", "p", "ftp://a.example/file")
	require.ErrorContains(t, err, "invalid URL")
}

func TestParseURLListSkipsCommentsAndBlanks(t *testing.T) {
	t.Parallel()

	urls, err := parseURLList(strings.NewReader("# header\nhttps://a.example/1\n\n   https://a.example/2  \n#https://skip\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/1", "https://a.example/2"}, urls)
}

func TestBatchStatusPrintsJSON(t *testing.T) {
	tasks, _ := useMemoryBackends(t)
	now := time.Now().UTC()
	require.NoError(t, tasks.CreateBatch(context.Background(), orchestrator.Batch{
		ID:           "b1",
		OwnerProject: "p",
		Kind:         orchestrator.KindFullConversion,
		SubmittedAt:  now,
		Tasks:        []orchestrator.UrlTask{{URL: "https://a.example/1"}, {URL: "https://a.example/2"}},
	}))

	out, err := run(t, "batch", "status", "b1")
	require.NoError(t, err)
	var view batchView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "b1", view.ID)
	require.Equal(t, 2, view.Counts[orchestrator.TaskWaiting])
	require.Len(t, view.Tasks, 2)
	require.Equal(t, "https://a.example/2", view.Tasks[1].URL)

	_, err = run(t, "batch", "status", "missing")
	require.ErrorContains(t, err, "not found")
}

func TestBatchRequeue(t *testing.T) {
	tasks, _ := useMemoryBackends(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, tasks.CreateBatch(ctx, orchestrator.Batch{
		ID:          "b1",
		Kind:        orchestrator.KindTextOnly,
		SubmittedAt: now,
		Tasks:       []orchestrator.UrlTask{{URL: "https://a.example/1"}},
	}))
	ok, err := tasks.MarkDispatched(ctx, orchestrator.TaskKey{BatchID: "b1", Index: 0}, "c1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tasks.MarkFailed(ctx, "c1", "boom", now)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := run(t, "batch", "requeue", "b1")
	require.NoError(t, err)
	require.Contains(t, out, "requeued 1 task(s)")
	b, err := tasks.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.TaskWaiting, b.Tasks[0].State)

	_, err = run(t, "batch", "requeue", "missing")
	require.ErrorContains(t, err, "not found")

	ok, err = tasks.MarkDispatched(ctx, orchestrator.TaskKey{BatchID: "b1", Index: 0}, "c2", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tasks.MarkSucceeded(ctx, "c2", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tasks.MarkAllTasksTerminal(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = run(t, "batch", "requeue", "b1")
	require.ErrorContains(t, err, "passed the barrier")
}

func TestArtifactsListAndDelete(t *testing.T) {
	_, blobs := useMemoryBackends(t)
	ctx := context.Background()
	for _, key := range []string{"pdfs/p/full_conversion/b1.pdf", "pdfs/p/full_conversion/b2.pdf", "pdfs/q/text_conversion/b3.pdf"} {
		_, err := blobs.Publish(ctx, key, "application/pdf", strings.NewReader("%PDF"))
		require.NoError(t, err)
	}

	out, err := run(t, "artifacts", "list", "--prefix", "pdfs/p/")
	require.NoError(t, err)
	require.Contains(t, out, "b1.pdf")
	require.Contains(t, out, "b2.pdf")
	require.NotContains(t, out, "b3.pdf")

	_, err = run(t, "artifacts", "delete")
	require.ErrorContains(t, err, "--prefix is required")

	out, err = run(t, "artifacts", "delete", "--prefix", "pdfs/p/")
	require.NoError(t, err)
	require.Contains(t, out, "deleted 2 artifact(s)")
	left, err := blobs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
}

// --- fakes ---

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }
