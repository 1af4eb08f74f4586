package tracker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoFrame        = errors.New("no frame captured yet")
	ErrStaleFrame     = errors.New("latest frame is stale")
	ErrNothingPending = errors.New("no unsaved session")
	ErrSessionRunning = errors.New("session is still running")
	ErrSessionEnded   = errors.New("session has ended")
)

// CameraAccessError means the capture source is unusable (permission
// denied, no device). The session continues in manual mode.
type CameraAccessError struct {
	Message string
	Cause   error
}

func (e *CameraAccessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("camera access: %s: %v", e.Message, e.Cause)
	}
	return "camera access: " + e.Message
}

func (e *CameraAccessError) Unwrap() error {
	return e.Cause
}

// Record is one finished session as handed to the persister.
type Record struct {
	Duration time.Duration
	At       time.Time
}

// PersistenceError carries the record that could not be saved so it can
// be retried.
type PersistenceError struct {
	Record Record
	Cause  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save session (%s): %v", e.Record.Duration, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
