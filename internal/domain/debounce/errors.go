package debounce

import "errors"

// ErrShutdown is returned by Trigger after Stop. The trigger is dropped.
var ErrShutdown = errors.New("scheduler shut down")
