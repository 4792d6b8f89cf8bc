package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession is returned for empty or malformed session ids.
	ErrInvalidSession = errors.New("chat: invalid session id")
	// ErrInvalidMessage is returned when a message is missing its sender or has an unknown type.
	ErrInvalidMessage = errors.New("chat: invalid message")
)

// PersistenceError wraps a failed read or write against the session store.
// Callers surface it as a generic failure and do not retry.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chat: %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
