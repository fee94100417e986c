package eventlog

import (
	"context"
	"errors"
)

// ErrClosed is returned by every Log operation after Close.
var ErrClosed = errors.New("event log closed")

// Event is one recorded server-to-client message.
type Event struct {
	ID       EventID
	StreamID string
	Payload  []byte
}

// TailFunc receives events delivered by Log.Tail. Returning an error stops the
// tail and the error is returned from Tail.
type TailFunc func(ctx context.Context, ev Event) error

// Log is an append-only record of events for a set of streams. Ids are
// assigned from a single total order per Log, so they increase across every
// stream the Log holds, not only within one stream.
//
// Implementations must be safe for concurrent use.
type Log interface {
	// Append records payload on streamID and returns its id. The stream is
	// created on first append.
	Append(ctx context.Context, streamID string, payload []byte) (EventID, error)

	// ReplayAfter returns the events of streamID with ids strictly greater than
	// lastID in ascending order. A zero or unknown lastID returns no events and
	// no error.
	ReplayAfter(ctx context.Context, streamID string, lastID EventID) ([]Event, error)

	// StreamOf reports which stream the event id belongs to.
	StreamOf(ctx context.Context, id EventID) (streamID string, ok bool, err error)

	// Head returns the greatest id assigned so far, or the zero id.
	Head(ctx context.Context) (EventID, error)

	// Tail delivers every event of streamID after the given id (from the
	// beginning when after is zero) and then keeps delivering new events as they
	// are appended, in order, until ctx is done, fn fails or the log is closed.
	Tail(ctx context.Context, streamID string, after EventID, fn TailFunc) error

	// Close releases every stream held by the log.
	Close(ctx context.Context) error
}

// Backend opens logs. Open does no I/O; namespaces are typically session ids
// and are never reused.
type Backend interface {
	Open(namespace string) Log
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(namespace string) Log

// Open calls f(namespace).
func (f BackendFunc) Open(namespace string) Log { return f(namespace) }
