package rebuild

import (
	"fmt"
	"strings"

	"github.com/okian/roastlog/internal/domain/model"
)

// ScopeAll rebuilds the whole timeline.
const ScopeAll = "all"

const entityScopePrefix = "entity:"

// EntityScope is the scope key of a single entity's events.
func EntityScope(ref model.Ref) string {
	return entityScopePrefix + string(ref.Type) + ":" + ref.ID
}

// ParseScope splits a scope key. ok is false for ScopeAll.
func ParseScope(key string) (ref model.Ref, ok bool, err error) {
	if key == ScopeAll {
		return model.Ref{}, false, nil
	}
	rest, found := strings.CutPrefix(key, entityScopePrefix)
	if !found {
		return model.Ref{}, false, fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	typ, id, found := strings.Cut(rest, ":")
	if !found || id == "" {
		return model.Ref{}, false, fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	t, err := model.ParseEntityType(typ)
	if err != nil {
		return model.Ref{}, false, fmt.Errorf("%w: %w", ErrInvalidScope, err)
	}
	return model.Ref{Type: t, ID: id}, true, nil
}

// scopeLabel keeps metric cardinality bounded.
func scopeLabel(key string) string {
	if key == ScopeAll {
		return ScopeAll
	}
	return "entity"
}

// State is the lifecycle of one scope key.
type State int

// Scope states.
const (
	Idle State = iota
	Pending
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
