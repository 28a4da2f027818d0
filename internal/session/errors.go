package session

import "fmt"

// UnknownSessionError is returned when a fragment references a session that is not tracked.
type UnknownSessionError struct {
	Kind string // "audio" or "image"
	Key  string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown %s session %s", e.Kind, e.Key)
}
