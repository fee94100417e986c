package sessions

import "errors"

var (
	// ErrSessionNotFound is returned when the registry holds no live session for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateSession is returned when a generated id collides with a live
	// or previously closed session. Creation may be retried.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrInternalFailure wraps faults raised while running session work.
	ErrInternalFailure = errors.New("internal failure")
	// ErrStreamBusy is returned when a stream already has a delivery channel attached.
	ErrStreamBusy = errors.New("stream already has an attached channel")
	// ErrInvalidTransition is returned for state changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
