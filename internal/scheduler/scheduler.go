package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler drives the pipeline tick on a fixed interval. It is pure
// orchestration: it decides when a tick happens, never what a tick
// does.
type Scheduler struct {
	tickFn func(context.Context)

	running atomic.Bool

	mu       sync.Mutex
	interval time.Duration
	resetCh  chan time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.resetCh = make(chan time.Duration, 1)
	s.running.Store(true)

	go s.loop(ctx, s.interval, s.resetCh)

	return true
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, resetCh chan time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", interval.String())

	s.safeTick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case d := <-resetCh:
			ticker.Reset(d)
			slog.Info("scheduler rescheduled", "interval", d.String())
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Reschedule changes the tick interval. Takes effect on the running
// loop without a restart; a stopped scheduler picks it up on the next
// Start.
func (s *Scheduler) Reschedule(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval == interval {
		return nil
	}
	s.interval = interval

	if s.running.Load() {
		select {
		case s.resetCh <- interval:
		default:
			// A reset is already queued; replace it with the newer value.
			select {
			case <-s.resetCh:
			default:
			}
			s.resetCh <- interval
		}
	}
	return nil
}

// Interval reports the currently configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	slog.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
