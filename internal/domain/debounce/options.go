package debounce

import "github.com/okian/roastlog/pkg/logger"

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJobName sets the name jobs carry in logs and metrics.
func WithJobName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.jobName = name
		}
	}
}
