package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/google/uuid"
)

// StandaloneStreamID names the stream that carries server-initiated messages
// not tied to any client request.
const StandaloneStreamID = "_standalone"

// NewStreamID returns a fresh id for a request-scoped stream.
func NewStreamID() string { return uuid.NewString() }

// Session is one client conversation. All methods are safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	log       eventlog.Log
	now       func() time.Time

	// ctx is the session lifetime; it is cancelled when the session closes.
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	mu             sync.Mutex
	state          State
	lastActive     time.Time
	inflight       int
	idle           chan struct{} // closed whenever inflight is zero
	attached       map[string]struct{}
	closeStarted   bool
	handshakeTimer *time.Timer
}

func newSession(id string, log eventlog.Log, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	t := now()
	return &Session{
		id:         id,
		createdAt:  t,
		log:        log,
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		state:      StatePending,
		lastActive: t,
		idle:       idle,
		attached:   make(map[string]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the most recent operation on the session.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Context returns a context that lives as long as the session. Work that must
// outlive a single transport request derives from it.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session reached StateClosed and released its log.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// Activate completes the handshake, moving the session from Pending to Active.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.closeStarted {
		return ErrSessionClosed
	}
	if !s.state.CanTransition(StateActive) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateActive)
	}
	s.state = StateActive
	s.lastActive = s.now()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	return nil
}

// Do runs fn as an in-flight exchange. Exchanges are accepted while the session
// is Pending or Active; a closing session waits for them to finish before it
// reaches Closed. A panic in fn is recovered and reported as
// ErrInternalFailure so one faulty exchange cannot take the process down.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInternalFailure, r)
		}
	}()
	return fn(ctx)
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosing, StateClosed:
		return ErrSessionClosed
	}
	if s.closeStarted {
		return ErrSessionClosed
	}
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
	s.lastActive = s.now()
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
	s.lastActive = s.now()
}

// InFlight reports the number of exchanges currently running.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// usable returns ErrSessionClosed once the session is Closed. Closing
// sessions stay usable so draining exchanges can record their output.
func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.lastActive = s.now()
	return nil
}

// Append records an outbound message on streamID.
func (s *Session) Append(ctx context.Context, streamID string, payload []byte) (eventlog.EventID, error) {
	if err := s.usable(); err != nil {
		return eventlog.EventID{}, err
	}
	id, err := s.log.Append(ctx, streamID, payload)
	return id, mapLogErr(err)
}

// ReplayAfter returns the events recorded on streamID after lastID.
func (s *Session) ReplayAfter(ctx context.Context, streamID string, lastID eventlog.EventID) ([]eventlog.Event, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	evs, err := s.log.ReplayAfter(ctx, streamID, lastID)
	return evs, mapLogErr(err)
}

// StreamOf resolves the stream an event id was recorded on.
func (s *Session) StreamOf(ctx context.Context, id eventlog.EventID) (string, bool, error) {
	if err := s.usable(); err != nil {
		return "", false, err
	}
	streamID, ok, err := s.log.StreamOf(ctx, id)
	return streamID, ok, mapLogErr(err)
}

// Head returns the greatest event id recorded for the session.
func (s *Session) Head(ctx context.Context) (eventlog.EventID, error) {
	if err := s.usable(); err != nil {
		return eventlog.EventID{}, err
	}
	id, err := s.log.Head(ctx)
	return id, mapLogErr(err)
}

// Tail delivers the events of streamID after the given id and then live
// events until ctx ends or the session closes, in which case it returns
// ErrSessionClosed.
func (s *Session) Tail(ctx context.Context, streamID string, after eventlog.EventID, fn eventlog.TailFunc) error {
	if err := s.usable(); err != nil {
		return err
	}
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.log.Tail(tctx, streamID, after, func(ctx context.Context, ev eventlog.Event) error {
		s.Touch()
		return fn(ctx, ev)
	})
	if s.ctx.Err() != nil && ctx.Err() == nil {
		return ErrSessionClosed
	}
	return mapLogErr(err)
}

// Attach claims the delivery channel of streamID. Only one channel may be
// attached to a stream at a time; release frees it and is safe to call more
// than once.
func (s *Session) Attach(streamID string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.closeStarted {
		return nil, ErrSessionClosed
	}
	if _, busy := s.attached[streamID]; busy {
		return nil, ErrStreamBusy
	}
	s.attached[streamID] = struct{}{}
	s.lastActive = s.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.attached, streamID)
			s.lastActive = s.now()
			s.mu.Unlock()
		})
	}, nil
}

// Attached reports the number of streams with a delivery channel.
func (s *Session) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// close runs the close sequence. Active sessions pass through Closing and
// wait for in-flight exchanges until ctx is done; others go straight to
// Closed. Concurrent callers wait for the first one to finish.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closeStarted {
		s.mu.Unlock()
		select {
		case <-s.closed:
		case <-ctx.Done():
		}
		return nil
	}
	s.closeStarted = true
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	drain := s.state == StateActive
	if drain {
		s.state = StateClosing
	}
	idle := s.idle
	s.mu.Unlock()

	if drain {
		select {
		case <-idle:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	err := s.log.Close(ctx)
	close(s.closed)
	return err
}

func mapLogErr(err error) error {
	if errors.Is(err, eventlog.ErrClosed) {
		return ErrSessionClosed
	}
	return err
}
