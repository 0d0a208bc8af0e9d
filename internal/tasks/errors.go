package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means an operation referenced an unknown task identifier.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition means a status change violated the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreClosed means the store was used after Close.
	ErrStoreClosed = errors.New("task store is closed")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
