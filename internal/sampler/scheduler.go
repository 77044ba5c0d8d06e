package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is the scheduler lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source produces one snapshot per tick and owns resources released on stop.
type Source interface {
	Collect(ctx context.Context) Snapshot
	Close()
}

// Scheduler runs collection at a fixed cadence. The time spent collecting is
// subtracted from the pause before the next tick; an overrunning tick is
// followed immediately by the next one.
type Scheduler struct {
	interval  time.Duration
	source    Source
	publisher Publisher
	logger    *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	done   chan struct{}
}

// NewScheduler validates the interval and builds an idle scheduler.
func NewScheduler(interval time.Duration, source Source, publisher Publisher, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		interval:  interval,
		source:    source,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		after:     time.After,
		state:     StateIdle,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Interval returns the configured refresh interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// State returns the current lifecycle stage.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the scheduler reaches StateStopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Start launches the sampling loop. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("scheduler already %s", state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("sampler started", "interval", s.interval)
	go s.loop(ctx)
	return nil
}

// Stop requests the loop to end. A tick in progress completes and is
// published first. Safe to call from any goroutine and more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateStopped
		s.mu.Unlock()
		s.source.Close()
		close(s.done)
		return
	case StateRunning:
		s.state = StateStopping
		close(s.stopCh)
	}
	s.mu.Unlock()
}

// Run starts the loop and blocks until ctx is cancelled and the loop has
// finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Stop()
	case <-s.done:
	}
	<-s.done
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.finish()

	collectCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			s.Stop()
		}
		if s.State() != StateRunning {
			s.logger.Info("sampler stopping")
			return
		}

		start := s.now()
		snapshot := s.source.Collect(collectCtx)
		s.publisher.Publish(snapshot)
		elapsed := s.now().Sub(start)

		wait := s.interval - elapsed
		if wait <= 0 {
			s.logger.Debug("sampling overran interval", "elapsed", elapsed, "interval", s.interval)
			continue
		}

		select {
		case <-s.after(wait):
		case <-s.stopCh:
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) finish() {
	s.source.Close()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	close(s.done)
	s.logger.Info("sampler stopped")
}
