package revocation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Scheduler keeps a Registry fresh by syncing from one source on an
// interval. Failures back off exponentially up to MaxBackoff; there is never
// an immediate retry.
type Scheduler struct {
	registry   *Registry
	source     Source
	interval   time.Duration
	retryBase  time.Duration
	maxBackoff time.Duration
	limiter    *rate.Limiter
	trigger    chan struct{}
	logger     *slog.Logger
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithRetryBase sets the first backoff delay after a failed sync.
func WithRetryBase(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryBase = d
		}
	}
}

// WithMinGap sets the minimum spacing between two sync attempts, including
// manually triggered ones.
func WithMinGap(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler returns a scheduler syncing reg from src every interval.
func NewScheduler(reg *Registry, src Source, interval, maxBackoff time.Duration, opts ...SchedulerOption) *Scheduler {
	if maxBackoff <= 0 {
		maxBackoff = interval
	}
	s := &Scheduler{
		registry:   reg,
		source:     src,
		interval:   interval,
		retryBase:  time.Minute,
		maxBackoff: maxBackoff,
		limiter:    rate.NewLimiter(rate.Every(30*time.Second), 1),
		trigger:    make(chan struct{}, 1),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "revocation_scheduler"), slog.String("source", src.Name()))
	return s
}

// Trigger asks for a sync as soon as the rate limiter allows.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs immediately and then on schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if _, err := s.registry.SyncFromRemote(ctx, s.source); err != nil {
			failures++
		} else {
			failures = 0
		}

		delay := s.nextDelay(failures)
		if failures > 0 {
			s.logger.WarnContext(ctx, "revocation sync will retry",
				slog.Int("consecutive_failures", failures),
				slog.Duration("retry_in", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDelay is the wait before the next attempt after failures consecutive
// failed syncs.
func (s *Scheduler) nextDelay(failures int) time.Duration {
	if failures == 0 {
		return s.interval
	}
	delay := s.retryBase
	for i := 1; i < failures && delay < s.maxBackoff; i++ {
		delay *= 2
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	return delay
}
