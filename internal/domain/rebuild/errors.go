package rebuild

import "errors"

// Sentinel kinds for rebuild errors.
var (
	ErrStopped      = errors.New("rebuild coordinator stopped")
	ErrInvalidScope = errors.New("invalid rebuild scope")
)
