// Package metrics exposes Prometheus collectors for the orchestrator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal           *prometheus.CounterVec
	completionsTotal           *prometheus.CounterVec
	requeuesTotal              prometheus.Counter
	barriersTotal              *prometheus.CounterVec
	artifactsTotal             *prometheus.CounterVec
	artifactEntries            *prometheus.HistogramVec
	finalizeTotal              *prometheus.CounterVec
	tickDurationSeconds        *prometheus.HistogramVec
	ticksSkippedTotal          *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_submissions_total",
				Help: "Extraction submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		completionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_completions_total",
				Help: "Completion signals handled, labeled by source (pull or push) and outcome.",
			},
			[]string{"source", "outcome"},
		)

		requeuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_task_requeues_total",
				Help: "Failed tasks returned to waiting.",
			},
		)

		barriersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_barriers_total",
				Help: "Barrier decisions, labeled by outcome (passed or flagged).",
			},
			[]string{"outcome"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_artifacts_total",
				Help: "Artifact assembly attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		artifactEntries = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_artifact_entries",
				Help:    "Entries per stored artifact, labeled by type (extracted or placeholder).",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
			[]string{"type"},
		)

		finalizeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_finalize_total",
				Help: "Post-storage finalization steps, labeled by step and outcome.",
			},
			[]string{"step", "outcome"},
		)

		tickDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tick_duration_seconds",
				Help:    "Histogram of scheduled tick durations, labeled by job.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 90},
			},
			[]string{"job"},
		)

		ticksSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_ticks_skipped_total",
				Help: "Ticks skipped, labeled by job and reason.",
			},
			[]string{"job", "reason"},
		)

		rateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limited_total",
				Help: "Submissions deferred by the per-domain limiter, labeled by domain.",
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Inbound HTTP requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Inbound HTTP latency, labeled by method and route pattern.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts one submission attempt.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompletion counts one handled completion signal.
func ObserveCompletion(source, outcome string) {
	Init()
	completionsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRequeue counts one failed task returned to waiting.
func ObserveRequeue() {
	Init()
	requeuesTotal.Inc()
}

// ObserveBarrier counts one barrier decision.
func ObserveBarrier(outcome string) {
	Init()
	barriersTotal.WithLabelValues(outcome).Inc()
}

// ObserveArtifact counts one assembly attempt and, when stored, its entry mix.
func ObserveArtifact(outcome string, extracted, placeholders int) {
	Init()
	artifactsTotal.WithLabelValues(outcome).Inc()
	if outcome == "stored" {
		artifactEntries.WithLabelValues("extracted").Observe(float64(extracted))
		artifactEntries.WithLabelValues("placeholder").Observe(float64(placeholders))
	}
}

// ObserveFinalize counts one finalization step.
func ObserveFinalize(step, outcome string) {
	Init()
	finalizeTotal.WithLabelValues(step, outcome).Inc()
}

// ObserveTick records how long a scheduled job tick ran.
func ObserveTick(job string, duration time.Duration) {
	Init()
	tickDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveTickSkipped counts a tick that did not run.
func ObserveTickSkipped(job, reason string) {
	Init()
	ticksSkippedTotal.WithLabelValues(job, reason).Inc()
}

// ObserveRateLimited counts a submission deferred for the URL's domain.
func ObserveRateLimited(rawURL string) {
	Init()
	rateLimitedTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
