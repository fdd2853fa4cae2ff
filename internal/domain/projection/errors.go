package projection

import "errors"

// ErrDanglingReference marks a relation whose target entity no longer exists.
// Builders never return it; callers log it against the refs they report.
var ErrDanglingReference = errors.New("dangling reference")
