package repository

import (
	"errors"
	"fmt"
)

// Sentinel kinds for repository errors.
var (
	// ErrStorage wraps every fault raised by the backing database.
	ErrStorage       = errors.New("storage error")
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidLimit  = errors.New("invalid page limit")
	ErrInvalidCursor = errors.New("invalid cursor")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// ErrInvalidEvent is returned for events missing their subject or kind.
var ErrInvalidEvent = errors.New("invalid timeline event")

// ErrInvalidEntity is returned when an entity lacks its type or id.
var ErrInvalidEntity = errors.New("invalid entity")
