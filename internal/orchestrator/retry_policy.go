package orchestrator

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides submission backoff and the failed -> waiting requeue edge.
type RetryPolicy struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	maxRequeues  int
	requeueAfter time.Duration
	jitter       func(limit time.Duration) time.Duration
}

// RetryConfig configures a RetryPolicy. MaxRequeues of zero disables requeueing.
type RetryConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxRequeues  int           `mapstructure:"requeue_max"`
	RequeueAfter time.Duration `mapstructure:"requeue_after"`
}

// NewRetryPolicy builds a policy, filling zero values with defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 10 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Minute
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = 5 * time.Minute
	}
	return &RetryPolicy{
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		maxRequeues:  cfg.MaxRequeues,
		requeueAfter: cfg.RequeueAfter,
		jitter:       randomJitter,
	}
}

// Backoff returns the delay before submission attempt number attempts+1. The
// result lies in the upper half of the capped exponential delay.
func (p *RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + p.jitter(half)
}

// RequeueEnabled reports whether failed tasks are ever reset automatically.
func (p *RetryPolicy) RequeueEnabled() bool {
	return p.maxRequeues > 0
}

// MaxRequeues returns the per-task requeue budget.
func (p *RetryPolicy) MaxRequeues() int {
	return p.maxRequeues
}

// RequeueAfter is how long a task stays failed before it is reset.
func (p *RetryPolicy) RequeueAfter() time.Duration {
	return p.requeueAfter
}

// Settled reports whether a task will not change state again without an operator.
// A failed task with requeue budget left is still pending.
func (p *RetryPolicy) Settled(task UrlTask) bool {
	switch task.State {
	case TaskSucceeded:
		return true
	case TaskFailed:
		return !p.RequeueEnabled() || task.Requeues >= p.maxRequeues
	default:
		return false
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
