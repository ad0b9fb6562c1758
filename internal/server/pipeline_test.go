package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/assembler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/barrier"
	"github.com/JakeFAU/article-batch-orchestrator/internal/config"
	"github.com/JakeFAU/article-batch-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/article-batch-orchestrator/internal/publisher/memory"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/render/pdf"
	"github.com/JakeFAU/article-batch-orchestrator/internal/scheduler"
	memorystorage "github.com/JakeFAU/article-batch-orchestrator/internal/storage/memory"
)

var pipelineStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type pipeline struct {
	store     *memorystorage.TaskStore
	blobs     *memorystorage.BlobStore
	publisher *memorypublisher.Publisher
	client    *fakeExtraction
	clock     *fakeClock
	renderer  *recordingRenderer
	recon     *reconciler.Reconciler
	fast      scheduler.Job
	slow      scheduler.Job
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	p := &pipeline{
		store:     memorystorage.NewTaskStore(),
		blobs:     memorystorage.NewBlobStore(),
		publisher: memorypublisher.New(),
		client:    newFakeExtraction(),
		clock:     &fakeClock{now: pipelineStart},
		renderer:  &recordingRenderer{Renderer: pdf.New(pdf.Config{})},
	}
	logger := zap.NewNop()
	retry := orchestrator.NewRetryPolicy(cfg.Retry)
	p.recon = reconciler.New(p.store, p.store, p.client, p.clock, reconciler.Config{}, logger)
	dispatch := dispatcher.New(p.store, p.client, ratelimit.New(ratelimit.Config{}), retry, p.recon, p.clock, dispatcher.Config{}, logger)
	monitor := barrier.New(p.store, retry, 0, logger)
	assemble := assembler.New(p.store, p.store, p.renderer, p.blobs, p.publisher, p.clock, assembler.Config{}, logger)

	jobs := Jobs(&cfg, dispatch, monitor, assemble)
	require.Len(t, jobs, 2)
	p.fast, p.slow = jobs[0], jobs[1]
	return p
}

func (p *pipeline) createBatch(t *testing.T, id string, urls ...string) {
	t.Helper()
	tasks := make([]orchestrator.UrlTask, len(urls))
	for i, u := range urls {
		tasks[i] = orchestrator.UrlTask{URL: u}
	}
	require.NoError(t, p.store.CreateBatch(context.Background(), orchestrator.Batch{
		ID:           id,
		OwnerProject: "proj",
		Kind:         orchestrator.KindFullConversion,
		SubmittedAt:  p.clock.Now(),
		Tasks:        tasks,
	}))
}

func (p *pipeline) batch(t *testing.T, id string) orchestrator.Batch {
	t.Helper()
	b, err := p.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestPipelineAllTasksSucceed(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	urls := []string{"https://a.example/1", "https://b.example/2", "https://c.example/3"}
	for i, u := range urls {
		p.client.succeed(u, orchestrator.ExtractionPayload{Title: "Story " + string(rune('A'+i)), Body: "<p>body</p>"})
	}
	p.createBatch(t, "b1", urls...)

	ctx := context.Background()
	p.fast.Run(ctx)
	b := p.batch(t, "b1")
	require.True(t, b.AllTasksTerminal)
	require.Equal(t, 3, b.Counts()[orchestrator.TaskSucceeded])

	p.slow.Run(ctx)
	b = p.batch(t, "b1")
	require.True(t, b.ArtifactStored)
	require.NotEmpty(t, b.ArtifactLocation)
	require.True(t, b.ResultsCleaned)
	require.True(t, b.ArtifactPublished)

	doc := p.renderer.last(t)
	require.Len(t, doc.Entries, 3)
	for _, e := range doc.Entries {
		require.False(t, e.Placeholder)
	}
	objects, err := p.blobs.List(ctx, "pdfs/proj/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Len(t, p.publisher.Messages(), 1)

	remaining, err := p.store.ListResults(ctx, p.client.correlations(urls...))
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestPipelinePartialFailureUsesPlaceholders(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	p.client.succeed("https://a.example/1", orchestrator.ExtractionPayload{Title: "Kept story", Body: "body"})
	p.client.fail("https://a.example/2", "blocked")
	p.client.succeed("https://a.example/3", orchestrator.ExtractionPayload{Body: "untitled body", Keywords: []string{"cpi"}})
	p.client.fail("https://a.example/4", "paywall")
	p.createBatch(t, "b1", "https://a.example/1", "https://a.example/2", "https://a.example/3", "https://a.example/4")

	ctx := context.Background()
	p.fast.Run(ctx)
	p.slow.Run(ctx)

	b := p.batch(t, "b1")
	require.True(t, b.ArtifactStored)
	require.False(t, b.NeedsAttention)
	doc := p.renderer.last(t)
	require.Len(t, doc.Entries, 4)
	extracted, placeholders := orchestrator.CountEntries(doc.Entries)
	require.Equal(t, 2, extracted)
	require.Equal(t, 2, placeholders)
}

func TestPipelineAllFailedIsFlagged(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	p.client.fail("https://a.example/1", "blocked")
	p.client.fail("https://a.example/2", "blocked")
	p.createBatch(t, "b1", "https://a.example/1", "https://a.example/2")

	ctx := context.Background()
	p.fast.Run(ctx)
	p.slow.Run(ctx)
	p.fast.Run(ctx)
	p.slow.Run(ctx)

	b := p.batch(t, "b1")
	require.True(t, b.NeedsAttention)
	require.False(t, b.AllTasksTerminal)
	require.False(t, b.ArtifactStored)
	objects, err := p.blobs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, objects)
	require.Empty(t, p.publisher.Messages())
}

func TestPipelineBarrierWaitsForLaggingTask(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	u1, u2 := "https://a.example/1", "https://a.example/2"
	p.client.succeed(u1, orchestrator.ExtractionPayload{Title: "First story", Body: "body"})
	p.client.rejectSubmit(u2, orchestrator.Transient("submit", errors.New("service unavailable")))
	p.createBatch(t, "b1", u1, u2)

	ctx := context.Background()
	p.fast.Run(ctx)
	b := p.batch(t, "b1")
	require.Equal(t, orchestrator.TaskSucceeded, b.Tasks[0].State)
	require.Equal(t, orchestrator.TaskWaiting, b.Tasks[1].State)
	require.False(t, b.AllTasksTerminal)

	p.slow.Run(ctx)
	require.False(t, p.batch(t, "b1").ArtifactStored)

	p.client.rejectSubmit(u2, nil)
	p.client.fail(u2, "extraction failed")
	p.clock.advance(time.Hour)
	p.fast.Run(ctx)
	b = p.batch(t, "b1")
	require.Equal(t, orchestrator.TaskFailed, b.Tasks[1].State)
	require.True(t, b.AllTasksTerminal)

	p.slow.Run(ctx)
	b = p.batch(t, "b1")
	require.True(t, b.ArtifactStored)
	require.True(t, b.ResultsCleaned)
	extracted, placeholders := orchestrator.CountEntries(p.renderer.last(t).Entries)
	require.Equal(t, 1, extracted)
	require.Equal(t, 1, placeholders)

	remaining, err := p.store.ListResults(ctx, p.client.correlations(u1))
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestPipelineDuplicateCompletionIsNoop(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	u1 := "https://a.example/1"
	p.client.pending(u1)
	p.createBatch(t, "b1", u1)

	ctx := context.Background()
	p.fast.Run(ctx)
	require.Equal(t, orchestrator.TaskDispatched, p.batch(t, "b1").Tasks[0].State)

	corr := p.client.correlations(u1)[0]
	payload := &orchestrator.ExtractionPayload{Title: "Pushed", Body: "body"}
	outcome, err := p.recon.HandleNotification(ctx, reconciler.SourceWebhook, orchestrator.Notification{CorrelationID: corr, Result: payload})
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeSucceeded, outcome)

	outcome, err = p.recon.HandleNotification(ctx, reconciler.SourceWebhook, orchestrator.Notification{CorrelationID: corr, Result: payload})
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeDuplicate, outcome)

	results, err := p.store.ListResults(ctx, []string{corr})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Pushed", results[0].Title)
}

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExtraction struct {
	mu         sync.Mutex
	submitErrs map[string]error
	payloads   map[string]orchestrator.ExtractionPayload
	failures   map[string]string
}

func newFakeExtraction() *fakeExtraction {
	return &fakeExtraction{
		submitErrs: map[string]error{},
		payloads:   map[string]orchestrator.ExtractionPayload{},
		failures:   map[string]string{},
	}
}

func correlationFor(url string) string { return "job:" + url }

func (f *fakeExtraction) succeed(url string, p orchestrator.ExtractionPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, url)
	f.payloads[url] = p
}

func (f *fakeExtraction) fail(url, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads, url)
	f.failures[url] = reason
}

func (f *fakeExtraction) pending(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads, url)
	delete(f.failures, url)
}

func (f *fakeExtraction) rejectSubmit(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.submitErrs, url)
		return
	}
	f.submitErrs[url] = err
}

func (f *fakeExtraction) correlations(urls ...string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = correlationFor(u)
	}
	return out
}

func (f *fakeExtraction) Submit(_ context.Context, req orchestrator.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErrs[req.URL]; err != nil {
		return "", err
	}
	return correlationFor(req.URL), nil
}

func (f *fakeExtraction) FetchResult(_ context.Context, correlationID string) (orchestrator.ExtractionPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, p := range f.payloads {
		if correlationFor(url) == correlationID {
			return p, nil
		}
	}
	for url, reason := range f.failures {
		if correlationFor(url) == correlationID {
			return orchestrator.ExtractionPayload{}, &orchestrator.TerminalTaskError{Reason: reason}
		}
	}
	return orchestrator.ExtractionPayload{}, orchestrator.ErrNotReady
}

type recordingRenderer struct {
	*pdf.Renderer
	mu   sync.Mutex
	docs []orchestrator.Document
}

func (r *recordingRenderer) Render(ctx context.Context, doc orchestrator.Document) ([]byte, error) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
	return r.Renderer.Render(ctx, doc)
}

func (r *recordingRenderer) last(t *testing.T) orchestrator.Document {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.docs)
	return r.docs[len(r.docs)-1]
}
