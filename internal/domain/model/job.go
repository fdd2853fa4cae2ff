package model

import "context"

// Job is a unit of background work executed by the worker pool.
type Job struct {
	// Name labels the job in logs and metrics, e.g. "rebuild" or "debounce".
	Name string
	// Key is the scope the job works on.
	Key string
	Run func(ctx context.Context) error
}
