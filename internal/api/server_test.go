package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/push"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
)

var decoder = push.Decoder{ClientID: "orchestrator", ListeningAttribute: "batches"}

const validEvent = `{
	"id": "job-1",
	"url": "https://a.example/1",
	"clientData": {"clientId": "orchestrator", "listeningAttribute": "batches"},
	"result": {"article": {"title": "Headline", "content": "Body"}}
}`

func newTestServer(h push.Handler, ready ReadinessCheck, cfg Config) *Server {
	return NewServer(h, decoder, ready, cfg, zap.NewNop())
}

func post(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/job-events", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_JobEventAccepted(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{outcome: reconciler.OutcomeSucceeded}
	rec := post(t, newTestServer(h, nil, Config{}), validEvent, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"succeeded"`)
	calls := h.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "job-1", calls[0].CorrelationID)
	require.NotNil(t, calls[0].Result)
	require.Equal(t, "Headline", calls[0].Result.Title)
}

func TestServer_JobEventStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "client mismatch", body: `{"id":"job-1","clientData":{"clientId":"other","listeningAttribute":"batches"}}`, want: http.StatusBadRequest},
		{name: "missing client data", body: `{"id":"job-1"}`, want: http.StatusBadRequest},
		{name: "unknown correlation", body: validEvent, err: orchestrator.ErrUnknownCorrelation, want: http.StatusNotFound},
		{name: "transient", body: validEvent, err: orchestrator.Transient("find task", errors.New("db down")), want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := post(t, newTestServer(&fakeHandler{err: tc.err}, nil, Config{}), tc.body, nil)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_JobEventRequiresAPIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeHandler{outcome: reconciler.OutcomePending}, nil, Config{APIKey: "secret"})

	rec := post(t, s, validEvent, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(t, s, validEvent, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_JobEventWithoutHandler(t *testing.T) {
	t.Parallel()

	rec := post(t, NewServer(nil, decoder, nil, Config{}, nil), validEvent, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var readyErr error
	ready := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return readyErr
	}
	s := newTestServer(&fakeHandler{}, ready, Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}

	mu.Lock()
	readyErr = errors.New("store unreachable")
	mu.Unlock()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeHandler{}, nil, Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_RequestIDPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeHandler{}, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeHandler{}, nil, Config{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- fakes ---

type fakeHandler struct {
	mu      sync.Mutex
	outcome reconciler.Outcome
	err     error
	calls   []orchestrator.Notification
}

func (f *fakeHandler) HandleNotification(_ context.Context, _ reconciler.Source, n orchestrator.Notification) (reconciler.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	return f.outcome, f.err
}

func (f *fakeHandler) snapshot() []orchestrator.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Notification(nil), f.calls...)
}
