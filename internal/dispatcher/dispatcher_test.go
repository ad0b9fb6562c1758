package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store/storetest"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *memory.TaskStore
	client *fakeClient
	clock  *fakeClock
	policy *fakePolicy
	disp   *Dispatcher
}

func newHarness(t *testing.T, retry orchestrator.RetryConfig, urls ...string) *harness {
	t.Helper()
	s := memory.NewTaskStore()
	require.NoError(t, s.CreateBatch(context.Background(), storetest.NewBatch("b1", base, urls...)))
	h := &harness{
		store:  s,
		client: newFakeClient(),
		clock:  &fakeClock{now: base},
		policy: &fakePolicy{},
	}
	rec := reconciler.New(s, s, h.client, h.clock, reconciler.Config{}, zap.NewNop())
	h.disp = New(s, h.client, h.policy, orchestrator.NewRetryPolicy(retry), rec, h.clock, Config{}, zap.NewNop())
	return h
}

func (h *harness) tasks(t *testing.T) []orchestrator.UrlTask {
	t.Helper()
	b, err := h.store.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	return b.Tasks
}

func TestTickSubmitsWaitingTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://a.example/1", "https://b.example/2")
	stats := h.disp.Tick(context.Background())

	require.Equal(t, 2, stats.Submitted)
	require.Equal(t, 2, stats.Probed, "freshly dispatched tasks are probed in the same tick")
	require.Zero(t, stats.Completed)
	for i, task := range h.tasks(t) {
		require.Equal(t, orchestrator.TaskDispatched, task.State)
		require.Equal(t, fmt.Sprintf("job-%d", i), task.CorrelationID)
	}
	require.Equal(t, []orchestrator.SubmitRequest{
		{URL: "https://a.example/1", BatchID: "b1", TaskIndex: 0},
		{URL: "https://b.example/2", BatchID: "b1", TaskIndex: 1},
	}, h.client.submitted())
}

func TestSubmitFailureBacksOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{BaseDelay: 10 * time.Second}, "https://down.example/1")
	h.client.failSubmit("https://down.example/1", &orchestrator.TransientError{Op: "submit", Err: errors.New("503")})

	stats := h.disp.Tick(context.Background())
	require.Equal(t, 1, stats.SubmitFailed)

	task := h.tasks(t)[0]
	require.Equal(t, orchestrator.TaskWaiting, task.State)
	require.Empty(t, task.CorrelationID)
	require.Equal(t, 1, task.Attempts)
	require.Contains(t, task.LastError, "503")
	require.False(t, task.NextAttemptAt.Before(base.Add(5*time.Second)))
	require.False(t, task.NextAttemptAt.After(base.Add(10*time.Second)))

	// Still inside the backoff window: nothing is attempted.
	h.clock.set(base.Add(4 * time.Second))
	h.disp.Tick(context.Background())
	require.Len(t, h.client.submitted(), 1)

	// After the gate the task is retried and a success resets the counter.
	h.client.failSubmit("https://down.example/1", nil)
	h.clock.set(base.Add(11 * time.Second))
	stats = h.disp.Tick(context.Background())
	require.Equal(t, 1, stats.Submitted)
	task = h.tasks(t)[0]
	require.Equal(t, orchestrator.TaskDispatched, task.State)
	require.Zero(t, task.Attempts)
}

func TestThrottledTaskStaysWaiting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://busy.example/1")
	h.policy.deny("https://busy.example/1")

	stats := h.disp.Tick(context.Background())
	require.Equal(t, 1, stats.Throttled)
	require.Empty(t, h.client.submitted())
	task := h.tasks(t)[0]
	require.Equal(t, orchestrator.TaskWaiting, task.State)
	require.Zero(t, task.Attempts, "throttling is not a submit failure")
}

func TestDispatchRecordedWhenCancelledMidSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://a.example/1", "https://a.example/2")
	ctx, cancel := context.WithCancel(context.Background())
	h.client.onSubmit = cancel

	stats := h.disp.Tick(ctx)
	require.Equal(t, 1, stats.Submitted)
	tasks := h.tasks(t)
	require.Equal(t, orchestrator.TaskDispatched, tasks[0].State)
	require.Equal(t, "job-0", tasks[0].CorrelationID)
	require.Equal(t, orchestrator.TaskWaiting, tasks[1].State, "loop stops between items once cancelled")
}

func TestDuplicateCorrelationIsSubmitFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://a.example/1", "https://a.example/2")
	h.client.fixedID = "same"

	stats := h.disp.Tick(context.Background())
	require.Equal(t, 1, stats.Submitted)
	require.Equal(t, 1, stats.SubmitFailed)
	tasks := h.tasks(t)
	require.Equal(t, orchestrator.TaskWaiting, tasks[1].State)
	require.Equal(t, 1, tasks[1].Attempts)
}

func TestProbeCompletesDispatchedTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://a.example/1", "https://a.example/2")
	h.client.results["job-0"] = fetchResponse{payload: orchestrator.ExtractionPayload{Title: "One"}}
	h.client.results["job-1"] = fetchResponse{err: &orchestrator.TerminalTaskError{Reason: "gone"}}

	stats := h.disp.Tick(context.Background())
	require.Equal(t, 2, stats.Completed)
	tasks := h.tasks(t)
	require.Equal(t, orchestrator.TaskSucceeded, tasks[0].State)
	require.Equal(t, orchestrator.TaskFailed, tasks[1].State)

	stats = h.disp.Tick(context.Background())
	require.Zero(t, stats.Probed, "terminal tasks are not probed again")
}

func TestPolicyRequeue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{MaxRequeues: 1, RequeueAfter: time.Minute}, "https://a.example/1")
	h.client.results["job-0"] = fetchResponse{err: &orchestrator.TerminalTaskError{Reason: "timeout upstream"}}
	h.disp.Tick(context.Background())
	require.Equal(t, orchestrator.TaskFailed, h.tasks(t)[0].State)

	// Too early.
	h.clock.set(base.Add(30 * time.Second))
	stats := h.disp.Tick(context.Background())
	require.Zero(t, stats.Requeued)

	h.client.results["job-1"] = fetchResponse{err: &orchestrator.TerminalTaskError{Reason: "still broken"}}
	h.clock.set(base.Add(2 * time.Minute))
	stats = h.disp.Tick(context.Background())
	require.Equal(t, 1, stats.Requeued)
	require.Equal(t, 1, stats.Submitted)
	task := h.tasks(t)[0]
	require.Equal(t, orchestrator.TaskFailed, task.State)
	require.Equal(t, "job-1", task.CorrelationID)
	require.Equal(t, 1, task.Requeues)

	// Budget exhausted.
	h.clock.set(base.Add(10 * time.Minute))
	stats = h.disp.Tick(context.Background())
	require.Zero(t, stats.Requeued)
	require.Equal(t, orchestrator.TaskFailed, h.tasks(t)[0].State)
}

func TestRequeueDisabledByDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.RetryConfig{}, "https://a.example/1")
	h.client.results["job-0"] = fetchResponse{err: &orchestrator.TerminalTaskError{Reason: "x"}}
	h.disp.Tick(context.Background())

	h.clock.set(base.Add(24 * time.Hour))
	stats := h.disp.Tick(context.Background())
	require.Zero(t, stats.Requeued)
	require.Equal(t, orchestrator.TaskFailed, h.tasks(t)[0].State)
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

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakePolicy struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (p *fakePolicy) deny(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied == nil {
		p.denied = map[string]bool{}
	}
	p.denied[url] = true
}

func (p *fakePolicy) AllowSubmit(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denied[url]
}

type fetchResponse struct {
	payload orchestrator.ExtractionPayload
	err     error
}

type fakeClient struct {
	mu         sync.Mutex
	requests   []orchestrator.SubmitRequest
	submitErrs map[string]error
	results    map[string]fetchResponse
	fixedID    string
	onSubmit   func()
	next       int
}

func newFakeClient() *fakeClient {
	return &fakeClient{submitErrs: map[string]error{}, results: map[string]fetchResponse{}}
}

func (f *fakeClient) failSubmit(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs[url] = err
}

func (f *fakeClient) submitted() []orchestrator.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.SubmitRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeClient) Submit(_ context.Context, req orchestrator.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if err := f.submitErrs[req.URL]; err != nil {
		return "", err
	}
	if f.fixedID != "" {
		return f.fixedID, nil
	}
	id := fmt.Sprintf("job-%d", f.next)
	f.next++
	return id, nil
}

func (f *fakeClient) FetchResult(_ context.Context, id string) (orchestrator.ExtractionPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.results[id]
	if !ok {
		return orchestrator.ExtractionPayload{}, orchestrator.ErrNotReady
	}
	return resp.payload, resp.err
}
