package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweepable is a store that can expire idle sessions.
type Sweepable interface {
	Sweep(idle time.Duration) int
}

// Sweeper expires idle sessions on a cron schedule.
type Sweeper struct {
	store    Sweepable
	schedule string
	idle     time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	stopCh chan struct{}
}

// NewSweeper validates schedule (standard cron fields or descriptors such
// as "@every 10m") and returns a stopped sweeper.
func NewSweeper(store Sweepable, schedule string, idle time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if _, err := rcron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	if idle <= 0 {
		return nil, fmt.Errorf("sweep idle ttl must be positive, got %s", idle)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, schedule: schedule, idle: idle, logger: logger.Named("sweeper")}, nil
}

// Start runs the schedule until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := rcron.New()
	if _, err := c.AddFunc(s.schedule, s.RunOnce); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	c.Start()
	stopCh := make(chan struct{})
	s.cron = c
	s.stopCh = stopCh
	s.logger.Info("started", zap.String("schedule", s.schedule), zap.Duration("idle", s.idle))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce() {
	if n := s.store.Sweep(s.idle); n > 0 {
		s.logger.Info("expired idle sessions", zap.Int("count", n))
	}
}

// Stop halts the schedule and waits briefly for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, stopCh := s.cron, s.stopCh
	s.cron, s.stopCh = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	close(stopCh)
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running sweep")
	}
	s.logger.Info("stopped")
}
