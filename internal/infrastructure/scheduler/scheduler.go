package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler runs maintenance jobs on fixed intervals.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	return &Scheduler{scheduler: s, ctx: ctx, cancel: cancel}
}

// Every registers job under tag. The first run happens one interval after
// Start, and runs of the same job never overlap.
func (s *Scheduler) Every(tag string, interval time.Duration, job func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", tag)
	}
	_, err := s.scheduler.Every(interval).Tag(tag).SingletonMode().WaitForSchedule().Do(func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			slog.Warn("scheduled_job_failed", "job", tag, "error", err)
			return
		}
		slog.Debug("scheduled_job_done", "job", tag, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", tag, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

func (s *Scheduler) Len() int {
	return s.scheduler.Len()
}
