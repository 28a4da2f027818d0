package services

import (
	"errors"
	"fmt"
)

// PersistenceError is returned when a store write still fails after the retry budget.
// The affected media is abandoned.
type PersistenceError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrLateFragment marks a packet for a session that was already finalized
var ErrLateFragment = errors.New("fragment arrived after its session was finalized")
