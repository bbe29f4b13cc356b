package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// scheduler wraps gocron for the periodic sync trigger.
type scheduler struct {
	inner  gocron.Scheduler
	logger *slog.Logger
}

func newScheduler(interval time.Duration, trigger func(), logger *slog.Logger) (*scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(trigger),
		gocron.WithName("periodic-sync"),
	); err != nil {
		return nil, fmt.Errorf("failed to create periodic sync job: %w", err)
	}
	return &scheduler{inner: s, logger: logger}, nil
}

func (s *scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.inner.Start()
}

func (s *scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.inner.Shutdown()
}
