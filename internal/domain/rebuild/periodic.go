package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/okian/roastlog/pkg/logger"
)

// Periodic requests a full rebuild on a fixed interval, reconciling any
// drift left by failed background runs.
type Periodic struct {
	scheduler gocron.Scheduler
}

// StartPeriodic schedules ScopeAll requests every interval.
func StartPeriodic(c *Coordinator, interval time.Duration) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("periodic rebuild: non-positive interval %s", interval)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create rebuild scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx := context.Background()
			if err := c.Request(ctx, ScopeAll); err != nil {
				c.logger.Warn(ctx, "periodic rebuild not requested", logger.Error(err))
			}
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule periodic rebuild: %w", err)
	}
	s.Start()
	c.logger.Info(context.Background(), "periodic rebuild scheduled", logger.Duration("interval", interval))
	return &Periodic{scheduler: s}, nil
}

// Stop cancels future runs.
func (p *Periodic) Stop() error {
	if p == nil {
		return nil
	}
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("stop rebuild scheduler: %w", err)
	}
	return nil
}
