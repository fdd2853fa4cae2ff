package repository

import "time"

// Option applies a configuration option to the SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReadConns sets the size of the read connection pool.
func WithReadConns(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.readConns = n
		}
	}
}
