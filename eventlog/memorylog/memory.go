// Package memorylog is an in-process eventlog.Log. Nothing survives a
// process restart.
package memorylog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
)

var (
	_ eventlog.Log     = (*Log)(nil)
	_ eventlog.Backend = Backend{}
)

// Backend opens in-memory logs.
type Backend struct {
	// Now overrides the clock used for id assignment. Nil uses time.Now.
	Now func() time.Time
}

// Open returns a new, empty Log. The namespace is not used.
func (b Backend) Open(string) eventlog.Log { return NewWithClock(b.Now) }

// Log is an in-memory eventlog.Log.
type Log struct {
	gen *eventlog.Generator

	mu      sync.RWMutex
	streams map[string][]eventlog.Event
	index   map[eventlog.EventID]string
	head    eventlog.EventID
	closed  bool
	// changed is closed and replaced on every append and on Close so that
	// tailers can wait without polling.
	changed chan struct{}
}

// New returns an empty Log.
func New() *Log { return NewWithClock(nil) }

// NewWithClock returns an empty Log whose ids are derived from now.
func NewWithClock(now func() time.Time) *Log {
	return &Log{
		gen:     eventlog.NewGenerator(now),
		streams: make(map[string][]eventlog.Event),
		index:   make(map[eventlog.EventID]string),
		changed: make(chan struct{}),
	}
}

func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (eventlog.EventID, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.EventID{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.EventID{}, eventlog.ErrClosed
	}

	// The id is drawn under the write lock so that slice order, index order
	// and id order cannot disagree.
	id := l.gen.Next()
	l.streams[streamID] = append(l.streams[streamID], eventlog.Event{
		ID:       id,
		StreamID: streamID,
		Payload:  append([]byte(nil), payload...),
	})
	l.index[id] = streamID
	l.head = id

	close(l.changed)
	l.changed = make(chan struct{})

	return id, nil
}

func (l *Log) ReplayAfter(ctx context.Context, streamID string, lastID eventlog.EventID) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, eventlog.ErrClosed
	}
	if lastID.IsZero() {
		return nil, nil
	}
	if owner, ok := l.index[lastID]; !ok || owner != streamID {
		return nil, nil
	}
	return copyEvents(l.after(streamID, lastID)), nil
}

func (l *Log) StreamOf(ctx context.Context, id eventlog.EventID) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", false, eventlog.ErrClosed
	}
	streamID, ok := l.index[id]
	return streamID, ok, nil
}

func (l *Log) Head(ctx context.Context) (eventlog.EventID, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.EventID{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return eventlog.EventID{}, eventlog.ErrClosed
	}
	return l.head, nil
}

func (l *Log) Tail(ctx context.Context, streamID string, after eventlog.EventID, fn eventlog.TailFunc) error {
	cursor := after
	for {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			return eventlog.ErrClosed
		}
		pending := copyEvents(l.after(streamID, cursor))
		wait := l.changed
		l.mu.RUnlock()

		for _, ev := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, ev); err != nil {
				return err
			}
			cursor = ev.ID
		}

		if len(pending) > 0 {
			// More may have arrived while fn ran.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.streams = nil
	l.index = nil
	close(l.changed)
	return nil
}

// Len reports the number of events held across all streams.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// after returns the events of streamID strictly after id. Callers hold l.mu.
func (l *Log) after(streamID string, id eventlog.EventID) []eventlog.Event {
	evs := l.streams[streamID]
	i := sort.Search(len(evs), func(i int) bool { return id.Less(evs[i].ID) })
	return evs[i:]
}

func copyEvents(evs []eventlog.Event) []eventlog.Event {
	if len(evs) == 0 {
		return nil
	}
	out := make([]eventlog.Event, len(evs))
	for i, ev := range evs {
		out[i] = eventlog.Event{ID: ev.ID, StreamID: ev.StreamID, Payload: append([]byte(nil), ev.Payload...)}
	}
	return out
}
