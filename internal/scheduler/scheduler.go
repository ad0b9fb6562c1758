// Package scheduler owns the periodic jobs of the process. Each job runs on its
// own ticker goroutine under a named lease, so a tick never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

// ErrRunning is returned by Start when the scheduler is already running.
var ErrRunning = errors.New("scheduler already running")

const leaseCallTimeout = 5 * time.Second

// Lease serialises ticks of the same job.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// LeaseTTL bounds how long a crashed holder blocks the job. Defaults to five intervals.
	LeaseTTL time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	logger *zap.Logger
	lease  Lease
	jobs   []Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Scheduler. A nil lease runs every tick unguarded.
func New(logger *zap.Logger, lease Lease, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.Named("scheduler"), lease: lease, jobs: jobs}
}

// Start launches one goroutine per job. The first tick of each job runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil || job.Name == "" {
			return fmt.Errorf("invalid job %q", job.Name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(loopCtx, j)
		}(job)
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(s.done)

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels the job loops and waits for in-flight ticks until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight ticks: %w", ctx.Err())
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.tick(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	token, ok := s.acquire(ctx, job)
	if !ok {
		return
	}
	defer s.release(ctx, job, token)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "tick."+job.Name, attribute.String("job", job.Name))
	var panicErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("tick panicked: %v", r)
				s.logger.Error("tick panicked", zap.String("job", job.Name), zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		job.Run(ctx)
	}()
	telemetry.EndSpan(span, panicErr)

	elapsed := time.Since(start)
	metrics.ObserveTick(job.Name, elapsed)
	if elapsed > job.Interval {
		metrics.ObserveTickSkipped(job.Name, "overrun")
		s.logger.Warn("tick overran its interval",
			zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Duration("interval", job.Interval))
	}
}

func (s *Scheduler) acquire(ctx context.Context, job Job) (string, bool) {
	if s.lease == nil {
		return "", true
	}
	ttl := job.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * job.Interval
	}
	leaseCtx, cancel := context.WithTimeout(ctx, leaseCallTimeout)
	defer cancel()
	token, ok, err := s.lease.TryAcquire(leaseCtx, job.Name, ttl)
	if err != nil {
		metrics.ObserveTickSkipped(job.Name, "lease_error")
		s.logger.Warn("acquire tick lease failed", zap.String("job", job.Name), zap.Error(err))
		return "", false
	}
	if !ok {
		metrics.ObserveTickSkipped(job.Name, "lease_held")
		s.logger.Debug("tick lease held elsewhere", zap.String("job", job.Name))
		return "", false
	}
	return token, true
}

func (s *Scheduler) release(ctx context.Context, job Job, token string) {
	if s.lease == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseCallTimeout)
	defer cancel()
	if err := s.lease.Release(releaseCtx, job.Name, token); err != nil {
		s.logger.Warn("release tick lease failed", zap.String("job", job.Name), zap.Error(err))
	}
}
