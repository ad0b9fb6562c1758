// Package ratelimit implements a token bucket throttle on submissions per source domain.
package ratelimit

import (
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
)

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64 `mapstructure:"rps"`
	DefaultBurst int     `mapstructure:"burst"`
}

// New creates a new Limiter. A non-positive rate disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// AllowSubmit reports whether a submission for rawURL may go out now. It never
// blocks; a denied task stays waiting and is offered again on a later tick.
func (l *Limiter) AllowSubmit(rawURL string) bool {
	if l.limiter(domainOf(rawURL)).Allow() {
		return true
	}
	metrics.ObserveRateLimited(rawURL)
	return false
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
