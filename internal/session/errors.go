package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound: no session with that id exists in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProjectNotFound: the owning project does not exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotAttachable: the session is closing, closed or errored.
	ErrNotAttachable = errors.New("session not attachable")
	// ErrWrongKind: the operation is not defined for the session kind
	// (e.g. Submit on a system-shell session).
	ErrWrongKind = errors.New("operation not supported for session kind")
	// ErrUnknownKind: the request named a kind the engine does not run.
	ErrUnknownKind = errors.New("unknown session kind")
)

// InvalidTransitionError reports a lifecycle move outside the transition
// table, e.g. input written to a closed session.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}
