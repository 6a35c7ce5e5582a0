package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the scheduler period when none is configured.
const DefaultInterval = 10 * time.Second

// passRunner is the part of Detector the Scheduler drives.
type passRunner interface {
	TryRunDetection(ctx context.Context) (Result, bool)
}

// Scheduler runs a detection pass immediately on Start and then on every
// tick until Stop. Ticks that arrive while a pass is still running are
// skipped, never queued.
type Scheduler struct {
	runner   passRunner
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler returns a Scheduler for detector. interval <= 0 selects
// DefaultInterval.
func NewScheduler(detector *Detector, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Scheduler {
	return newScheduler(detector, interval, logger, metrics)
}

func newScheduler(runner passRunner, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.With(slog.String("component", "alarm_scheduler")),
		metrics:  metrics,
	}
}

// Start launches the background loop. Calling Start on a running
// Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
	s.logger.Info("alarm scheduler started", slog.Duration("interval", s.interval))
}

// Stop signals the loop to exit and waits for the in-flight pass to finish
// or for ctx to end, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopCh, doneCh, cancel := s.stopCh, s.doneCh, s.cancel
	s.stopCh, s.doneCh, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}

	close(stopCh)
	select {
	case <-doneCh:
		cancel()
		s.logger.Info("alarm scheduler stopped")
		return nil
	case <-ctx.Done():
		// Abandon the pass; store writes are atomic per collection.
		cancel()
		<-doneCh
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, ran := s.runner.TryRunDetection(ctx); !ran {
		s.metrics.tickSkipped()
		s.logger.Debug("detection pass still running; tick skipped")
	}
}
