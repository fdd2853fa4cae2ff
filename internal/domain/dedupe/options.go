package dedupe

type config struct {
	maxSize int
}

// Option applies a configuration option to the deduper.
type Option func(*config)

// WithMaxSize sets the maximum number of ids kept in memory.
// maxSize <= 0 means unbounded.
func WithMaxSize(maxSize int) Option {
	return func(c *config) {
		c.maxSize = maxSize
	}
}
