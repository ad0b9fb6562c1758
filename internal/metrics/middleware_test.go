package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/job-events", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	accepted := httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/job-events", "202")
	healthy := httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200")
	missing := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeAccepted := testutil.ToFloat64(accepted)
	beforeHealthy := testutil.ToFloat64(healthy)
	beforeMissing := testutil.ToFloat64(missing)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/job-events", strings.NewReader("{}")),
		httptest.NewRequest(http.MethodGet, "/healthz", nil),
		httptest.NewRequest(http.MethodGet, "/nowhere", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, beforeAccepted+1, testutil.ToFloat64(accepted), 0)
	require.InDelta(t, beforeHealthy+1, testutil.ToFloat64(healthy), 0)
	require.InDelta(t, beforeMissing+1, testutil.ToFloat64(missing), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
