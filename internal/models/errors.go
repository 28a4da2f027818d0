package models

import "fmt"

// MalformedPacketError reports a fragment that could not be decoded.
// The fragment is dropped and no session state is touched.
type MalformedPacketError struct {
	Label  string
	Reason string
	Err    error
}

func (e *MalformedPacketError) Error() string {
	msg := "malformed fragment"
	if e.Label != "" {
		msg += " on " + e.Label
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *MalformedPacketError) Unwrap() error { return e.Err }
