package eventlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidEventID is returned by ParseEventID for strings that are not of
// the form "<ms>-<seq>".
var ErrInvalidEventID = errors.New("invalid event id")

// EventID identifies an event within a Log. Ids compare first by Ms and then
// by Seq, and that order is the order in which the events were appended.
//
// The string form "<ms>-<seq>" matches Redis Stream entry ids, so every
// backend shares one wire format for Last-Event-ID.
type EventID struct {
	Ms  uint64
	Seq uint64
}

// ParseEventID parses the string form of an EventID. The empty string parses
// to the zero id, which means "absent".
func ParseEventID(s string) (EventID, error) {
	if s == "" {
		return EventID{}, nil
	}
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		return EventID{}, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	return EventID{Ms: ms, Seq: seq}, nil
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(s string) EventID {
	id, err := ParseEventID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns "<ms>-<seq>", or "" for the zero id.
func (id EventID) String() string {
	if id.IsZero() {
		return ""
	}
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// IsZero reports whether id is the zero (absent) id.
func (id EventID) IsZero() bool { return id.Ms == 0 && id.Seq == 0 }

// Less reports whether id sorts before other.
func (id EventID) Less(other EventID) bool { return Compare(id, other) < 0 }

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to or
// after b.
func Compare(a, b EventID) int {
	switch {
	case a.Ms < b.Ms:
		return -1
	case a.Ms > b.Ms:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// Generator hands out strictly increasing EventIDs. It is safe for concurrent
// use. When the clock does not advance (or moves backwards) the previous
// millisecond is kept and the sequence is bumped instead.
type Generator struct {
	mu   sync.Mutex
	last EventID
	now  func() time.Time
}

// NewGenerator returns a Generator driven by now. A nil now uses time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns an id strictly greater than every id previously returned by g.
func (g *Generator) Next() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli())
	if ms <= g.last.Ms {
		g.last = EventID{Ms: g.last.Ms, Seq: g.last.Seq + 1}
	} else {
		g.last = EventID{Ms: ms}
	}
	// {0,0} is reserved for "absent".
	if g.last.IsZero() {
		g.last.Seq = 1
	}
	return g.last
}

// Last returns the most recent id handed out, or the zero id.
func (g *Generator) Last() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
