// Package scheduler drives periodic retries of the offline queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/pkg/models"
)

// Syncer is the part of the sync service the scheduler drives
type Syncer interface {
	IsOnline() bool
	SyncOfflineQueue(ctx context.Context) models.SyncResult
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	scheduler *gocron.Scheduler
	syncer    Syncer
	interval  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new scheduler instance
func New(syncer Syncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		syncer:    syncer,
		interval:  interval,
		logger:    logging.OrDefault(logger).With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins running all scheduled tasks. The first run happens one
// interval from now, and a run never overlaps the previous one.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.interval).WaitForSchedule().SingletonMode().Do(s.syncIfOnline)
	if err != nil {
		return fmt.Errorf("failed to schedule sync job: %w", err)
	}

	// Start the scheduler in a non-blocking manner
	s.scheduler.StartAsync()
	s.logger.Info("Periodic sync scheduled", "interval", s.interval)
	return nil
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// syncIfOnline retries the offline queue unless the host is offline
func (s *Scheduler) syncIfOnline() {
	if !s.syncer.IsOnline() {
		s.logger.Debug("Offline, skipping periodic sync")
		return
	}
	s.RunNow()
}

// RunNow forces a retry pass regardless of the schedule
func (s *Scheduler) RunNow() models.SyncResult {
	result := s.syncer.SyncOfflineQueue(s.ctx)
	if result.Success {
		s.logger.Debug("Periodic sync finished", "synced", result.Synced)
	} else {
		s.logger.Warn("Periodic sync incomplete", "synced", result.Synced, "failed", result.Failed, "errors", result.Errors)
	}
	return result
}
