package shipper

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"
)

// scheduler is the shared cron scheduler for the shipper. Periodic
// housekeeping (the stats summary, future scheduled tasks) registers jobs
// here rather than maintaining its own timers.
type scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	logger    *slog.Logger
}

func newScheduler(logger *slog.Logger) (*scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logger,
	}, nil
}

// addJob registers a named cron job. Cron expressions include a seconds
// field. The name must be unique.
func (s *scheduler) addJob(name, cronExpr string, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// start begins executing all registered jobs.
func (s *scheduler) start() {
	s.scheduler.Start()
}

// stop shuts down the scheduler and waits for running jobs to finish.
func (s *scheduler) stop() error {
	return s.scheduler.Shutdown()
}
