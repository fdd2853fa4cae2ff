package rebuild

import "github.com/okian/roastlog/pkg/logger"

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}
