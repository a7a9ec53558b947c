package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/pkg/distlock"
)

// ScheduledProcessor is the poll function the worker drives.
type ScheduledProcessor interface {
	ProcessScheduledCampaigns(ctx context.Context, now time.Time) (*RunReport, error)
}

// Worker runs the scheduler once at start and then on every tick.
type Worker struct {
	Processor ScheduledProcessor
	Interval  time.Duration
	// Lease, when set, must be acquired for a tick to run. It only avoids redundant
	// polling across instances; the send lock still decides who sends.
	Lease   distlock.DistLock
	Metrics *metrics.Delivery
	Logger  *zap.Logger
	Now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker with a one minute default interval.
func NewWorker(p ScheduledProcessor, interval time.Duration, lease distlock.DistLock, m *metrics.Delivery, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{Processor: p, Interval: interval, Lease: lease, Metrics: m, Logger: logger}
}

// Start blocks running ticks until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	defer close(done)
	defer cancel()

	logger := nopIfNil(w.Logger)
	logger.Info("scheduler worker started", zap.Duration("interval", w.Interval))

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler worker stopped")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop cancels a running Start and waits for the current tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs one tick.
func (w *Worker) RunOnce(ctx context.Context) {
	logger := nopIfNil(w.Logger)

	if w.Lease != nil {
		ok, err := w.Lease.Acquire(ctx)
		if err != nil {
			logger.Warn("scheduler lease unavailable, skipping tick", zap.Error(err))
			w.Metrics.SchedulerRun("error")
			return
		}
		if !ok {
			logger.Debug("scheduler lease held elsewhere, skipping tick")
			w.Metrics.SchedulerRun("skipped")
			return
		}
		defer func() {
			if err := w.Lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to release scheduler lease", zap.Error(err))
			}
		}()
	}

	report, err := w.Processor.ProcessScheduledCampaigns(ctx, nowOr(w.Now))
	if err != nil {
		logger.Error("scheduler run failed", zap.Error(err))
		w.Metrics.SchedulerRun("error")
		return
	}
	w.Metrics.SchedulerRun("ok")
	if report.Due > 0 || len(report.Recovered) > 0 {
		logger.Info("scheduler run complete",
			zap.Int("due", report.Due),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Int("recovered", len(report.Recovered)))
	}
}
