package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
)

// Registry maps session ids to live sessions and is the sole authority for
// creating and destroying them. It is safe for concurrent use; operations on
// one session never block on another session.
type Registry struct {
	backend eventlog.Backend
	cfg     config
	log     *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	tombstones map[string]time.Time
}

// NewRegistry constructs a Registry whose sessions keep their events in logs
// opened from backend.
func NewRegistry(backend eventlog.Backend, opts ...Option) *Registry {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	return &Registry{
		backend:    backend,
		cfg:        cfg,
		log:        cfg.logger,
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]time.Time),
	}
}

// CreateSession creates a Pending session with a fresh id and registers it.
// If the session is still Pending when the handshake timeout elapses it is
// closed and evicted.
func (r *Registry) CreateSession(ctx context.Context) (*Session, error) {
	start := time.Now()

	id, err := r.cfg.newID()
	if err != nil {
		r.log.ErrorContext(ctx, "session.create.id.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: generate session id: %v", ErrInternalFailure, err)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInternalFailure)
	}

	r.mu.Lock()
	_, live := r.sessions[id]
	_, dead := r.tombstones[id]
	if live || dead {
		r.mu.Unlock()
		r.recordMetric("sessions.duplicate_id", nil)
		r.log.WarnContext(ctx, "session.create.duplicate", slog.String("session_id", id))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	sess := newSession(id, r.backend.Open(id), r.cfg.now)
	sess.handshakeTimer = time.AfterFunc(r.cfg.handshakeTimeout, func() { r.expireHandshake(sess) })
	r.sessions[id] = sess
	r.mu.Unlock()

	r.recordMetric("sessions.created", nil)
	r.log.DebugContext(ctx, "session.create.ok", slog.String("session_id", id), slog.Duration("dur", time.Since(start)))
	return sess, nil
}

// Lookup returns the live session for id, or ErrSessionNotFound if the id is
// unknown or the session is closed.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || sess.State() == StateClosed {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// WasClosed reports whether id belonged to a session that this registry
// closed within the tombstone TTL.
func (r *Registry) WasClosed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[id]
	return ok
}

// Close terminates the session with the given id. Closing an unknown or
// already closed session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.CloseReason(ctx, id, ReasonTerminated)
}

// CloseReason is Close with an explicit reason for logs and metrics.
func (r *Registry) CloseReason(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.evictLocked(sess)
	r.mu.Unlock()

	return r.finish(ctx, sess, reason)
}

// HandleEvent applies a lifecycle event reported by a transport.
func (r *Registry) HandleEvent(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case ChannelClosed:
		reason := ReasonChannelClosed
		if e.Reason != "" {
			reason = e.Reason
		}
		return r.CloseReason(ctx, e.SessionID, reason)
	default:
		return fmt.Errorf("unsupported session event %T", ev)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the ids of all live sessions in ascending order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Run sweeps idle sessions and expired tombstones until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass of idle expiry and tombstone purging.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.cfg.now()

	var idle []*Session
	r.mu.Lock()
	for id, at := range r.tombstones {
		if now.Sub(at) > r.cfg.tombstoneTTL {
			delete(r.tombstones, id)
		}
	}
	if r.cfg.idleTimeout > 0 {
		for _, sess := range r.sessions {
			if sess.InFlight() > 0 || sess.Attached() > 0 {
				continue
			}
			if now.Sub(sess.LastActive()) > r.cfg.idleTimeout {
				idle = append(idle, sess)
			}
		}
		for _, sess := range idle {
			r.evictLocked(sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range idle {
		if err := r.finish(ctx, sess, ReasonIdle); err != nil {
			r.log.WarnContext(ctx, "session.idle.close.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		}
	}
}

// Shutdown closes every live session, waiting for in-flight exchanges until
// ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		all = append(all, sess)
	}
	for _, sess := range all {
		r.evictLocked(sess)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range all {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := r.finish(ctx, sess, ReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close session %s: %w", sess.ID(), err))
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	r.log.InfoContext(ctx, "registry.shutdown.ok", slog.Int("count", len(all)))
	return errors.Join(errs...)
}

func (r *Registry) expireHandshake(sess *Session) {
	if sess.State() != StatePending {
		return
	}
	r.mu.Lock()
	if r.sessions[sess.ID()] != sess {
		r.mu.Unlock()
		return
	}
	r.evictLocked(sess)
	r.mu.Unlock()

	ctx := context.Background()
	r.recordMetric("sessions.handshake_timeout", nil)
	r.log.InfoContext(ctx, "session.handshake.timeout", slog.String("session_id", sess.ID()))
	if err := r.finish(ctx, sess, ReasonHandshakeTimeout); err != nil {
		r.log.WarnContext(ctx, "session.handshake.close.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

// evictLocked removes sess from the live map and remembers its id. The
// mapping is removed before the session starts closing so that Lookup never
// returns a session on its way out. Callers hold r.mu.
func (r *Registry) evictLocked(sess *Session) {
	delete(r.sessions, sess.ID())
	r.tombstones[sess.ID()] = r.cfg.now()
}

func (r *Registry) finish(ctx context.Context, sess *Session, reason string) error {
	start := time.Now()
	err := sess.close(ctx)

	tags := map[string]string{"reason": reason}
	r.recordMetric("sessions.closed", tags)
	r.observe("sessions.lifetime_seconds", r.cfg.now().Sub(sess.CreatedAt()).Seconds(), tags)

	if err != nil {
		r.log.WarnContext(ctx, "session.close.fail", slog.String("session_id", sess.ID()), slog.String("reason", reason), slog.String("err", err.Error()))
		return err
	}
	r.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", sess.ID()), slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
	return nil
}

func (r *Registry) recordMetric(name string, tags map[string]string) {
	if r.cfg.metrics != nil {
		r.cfg.metrics.IncCounter(name, tags)
	}
}

func (r *Registry) observe(name string, v float64, tags map[string]string) {
	if r.cfg.metrics != nil {
		r.cfg.metrics.ObserveHistogram(name, v, tags)
	}
}
