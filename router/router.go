package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
	"github.com/ggoodman/mcp-resumable-http/internal/logctx"
	"github.com/ggoodman/mcp-resumable-http/sessions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errStreamComplete stops a tail once the final response of a request stream
// has been delivered.
var errStreamComplete = errors.New("stream complete")

// Router classifies inbound exchanges and dispatches them to sessions.
type Router struct {
	reg        *sessions.Registry
	app        Application
	log        *slog.Logger
	metrics    sessions.MetricsSink
	tracer     trace.Tracer
	strict     bool
	classifier Classifier
	attempts   int
}

// New constructs a Router over reg that hands messages to app.
func New(reg *sessions.Registry, app Application, opts ...Option) *Router {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	return &Router{
		reg:        reg,
		app:        app,
		log:        logctx.New(cfg.logger),
		metrics:    cfg.metrics,
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		strict:     cfg.strictReplay,
		classifier: Classifier{Bootstrap: cfg.bootstrap},
		attempts:   cfg.createAttempts,
	}
}

// Registry returns the registry the router dispatches to.
func (r *Router) Registry() *sessions.Registry { return r.reg }

// Classify classifies in with the router's bootstrap methods.
func (r *Router) Classify(in Inbound) (Exchange, error) {
	return r.classifier.Classify(in)
}

// Initialize creates a session, runs the handshake and activates it. If any
// step fails the new session is closed before the error is returned.
func (r *Router) Initialize(ctx context.Context, ex InitializeExchange) (res *Initialized, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.initialize")
	defer func() { r.finish(ctx, span, "initialize", start, err) }()

	req := ex.Message.AsRequest()
	if req == nil {
		return nil, newError(KindUnrecognizedExchange, "Bad Request: expected initialize request", nil)
	}

	var sess *sessions.Session
	for attempt := 1; ; attempt++ {
		sess, err = r.reg.CreateSession(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, sessions.ErrDuplicateSession) && attempt < r.attempts {
			r.log.WarnContext(ctx, "router.initialize.retry", slog.Int("attempt", attempt))
			continue
		}
		return nil, newError(KindInternalFailure, "failed to create session", err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sessions.StatePending)})
	span.SetAttributes(attribute.String("session.id", sess.ID()))

	resp, rejected, err := r.handshake(ctx, sess, req)
	if err != nil || rejected {
		if cerr := r.reg.CloseReason(context.WithoutCancel(ctx), sess.ID(), sessions.ReasonHandshakeFailed); cerr != nil {
			r.log.WarnContext(ctx, "router.initialize.cleanup.fail", slog.String("err", cerr.Error()))
		}
	}
	if err != nil {
		return nil, err
	}
	if rejected {
		r.log.InfoContext(ctx, "router.initialize.rejected")
		return &Initialized{Response: resp}, nil
	}

	r.log.InfoContext(ctx, "router.initialize.ok", slog.Duration("dur", time.Since(start)))
	return &Initialized{SessionID: sess.ID(), Response: resp}, nil
}

// handshake runs the application's Initialize and activates the session. A
// JSON-RPC error from the application is a rejection: it is returned as the
// response with rejected set.
func (r *Router) handshake(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (resp *jsonrpc.Response, rejected bool, err error) {
	var result any
	err = sess.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.app.Initialize(ctx, sess, req)
		return err
	})
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), true, nil
		}
		return nil, false, AsError(err)
	}
	if err := sess.Activate(); err != nil {
		return nil, false, AsError(err)
	}
	resp, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return nil, false, newError(KindInternalFailure, "failed to encode initialize result", err)
	}
	return resp, false, nil
}

// Continue delivers a message to an existing session. Requests open a stream:
// the sink is opened, every outbound message is recorded on the session's
// event log and then delivered, and Continue returns Streamed once the final
// response was recorded or ctx ended. Notifications and responses return
// Accepted.
//
// A nil sink records outbound messages without delivering them; some other
// channel is expected to tail the stream. In that case Continue returns as
// soon as processing has started.
func (r *Router) Continue(ctx context.Context, ex ContinuationExchange, sink Sink) (disp Disposition, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.continue", trace.WithAttributes(
		attribute.String("session.id", ex.SessionID),
		attribute.String("rpc.method", ex.Message.Method),
		attribute.String("rpc.type", ex.Message.Type()),
	))
	defer func() { r.finish(ctx, span, "continue", start, err) }()

	sess, err := r.lookup(ex.SessionID)
	if err != nil {
		return 0, err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})
	sess.Touch()

	msg := ex.Message
	if msg.IsInitialize() {
		if sess.State() != sessions.StatePending {
			return 0, newError(KindUnrecognizedExchange, "Bad Request: session already initialized", nil)
		}
		req := msg.AsRequest()
		return r.serve(ctx, sess, req, ex.Stream, sink, func(ctx context.Context, _ Outbound) (any, error) {
			// A failed handshake leaves the session Pending; the handshake
			// timeout evicts it after the error reply was recorded.
			resp, rejected, err := r.handshake(ctx, sess, req)
			if err != nil {
				return nil, err
			}
			if rejected {
				return nil, resp.Error
			}
			return resp.Result, nil
		})
	}
	if sess.State() == sessions.StatePending {
		return 0, newError(KindInvalidSession, "Bad Request: session handshake not complete", nil)
	}

	switch msg.Type() {
	case "notification":
		req := msg.AsRequest()
		if err := sess.Do(ctx, func(ctx context.Context) error {
			return r.app.HandleNotification(ctx, sess, req)
		}); err != nil {
			return 0, AsError(err)
		}
		return Accepted, nil

	case "response":
		res := msg.AsResponse()
		if err := sess.Do(ctx, func(ctx context.Context) error {
			return r.app.HandleResponse(ctx, sess, res)
		}); err != nil {
			return 0, AsError(err)
		}
		return Accepted, nil

	case "request":
		req := msg.AsRequest()
		return r.serve(ctx, sess, req, ex.Stream, sink, func(ctx context.Context, out Outbound) (any, error) {
			return r.app.HandleRequest(ctx, sess, req, out)
		})
	}

	return 0, newError(KindUnrecognizedExchange, "Bad Request: unrecognized message", nil)
}

type work func(ctx context.Context, out Outbound) (any, error)

// serve runs fn for req on a stream. Processing is detached from ctx so that
// a dropped connection does not lose the reply: everything is recorded and a
// client can resume the stream. Processing still stops when the session closes.
func (r *Router) serve(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, streamID string, sink Sink, fn work) (Disposition, error) {
	if streamID == "" {
		streamID = sessions.NewStreamID()
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID})

	release := func() {}
	if sink != nil {
		rel, err := sess.Attach(streamID)
		if err != nil {
			return 0, AsError(err)
		}
		release = rel
		if err := sink.Open(ctx); err != nil {
			release()
			return 0, newError(KindInternalFailure, "failed to open stream", err)
		}
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOnClose := context.AfterFunc(sess.Context(), cancel)

	em := &emitter{
		sess:       sess,
		streamID:   streamID,
		sink:       sink,
		delivering: sink != nil,
		release:    release,
		log:        r.log,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		defer stopOnClose()
		defer em.detach()

		var result any
		err := sess.Do(pctx, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, em)
			return err
		})
		resp := r.response(pctx, req, result, err)
		if resp == nil {
			return
		}
		b, mErr := json.Marshal(resp)
		if mErr != nil {
			r.log.ErrorContext(pctx, "router.response.marshal.fail", slog.String("err", mErr.Error()))
			return
		}
		if err := em.emit(pctx, b); err != nil {
			r.log.WarnContext(pctx, "router.response.record.fail", slog.String("err", err.Error()))
		}
	}()

	if sink == nil {
		return Accepted, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		em.detach()
		r.log.InfoContext(ctx, "router.continue.detached")
	}
	return Streamed, nil
}

// response converts a handler outcome into the reply for req. It returns nil
// when nothing can be sent because the session is gone.
func (r *Router) response(ctx context.Context, req *jsonrpc.Request, result any, err error) *jsonrpc.Response {
	if err == nil {
		resp, mErr := jsonrpc.NewResultResponse(req.ID, result)
		if mErr == nil {
			return resp
		}
		err = mErr
	}
	if errors.Is(err, sessions.ErrSessionClosed) {
		r.log.InfoContext(ctx, "router.request.session_closed")
		return nil
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	r.log.ErrorContext(ctx, "router.request.fail", slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal Server Error", ErrorData{Kind: KindInternalFailure})
}

// emitter records outbound messages and delivers them while the sink is
// attached. Writes are serialized so that delivery order equals id order.
type emitter struct {
	sess     *sessions.Session
	streamID string
	sink     Sink
	log      *slog.Logger

	mu         sync.Mutex
	delivering bool
	release    func()
}

func (e *emitter) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return e.emit(ctx, b)
}

func (e *emitter) emit(ctx context.Context, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.sess.Append(ctx, e.streamID, payload)
	if err != nil {
		return err
	}
	if !e.delivering {
		return nil
	}
	if err := e.sink.Deliver(ctx, eventlog.Event{ID: id, StreamID: e.streamID, Payload: payload}); err != nil {
		// The client may resume the stream from the log; free it for that.
		e.delivering = false
		e.release()
		e.log.InfoContext(ctx, "router.deliver.detached", slog.String("err", err.Error()), slog.String("event_id", id.String()))
	}
	return nil
}

func (e *emitter) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivering = false
	e.release()
}

// Resume re-establishes a push channel. The stream is the one Last-Event-ID
// belongs to, or the standalone stream when no id is given. Events after the
// id are replayed first, then live events follow until ctx ends, the session
// closes or, for a request stream, its final response was delivered.
func (r *Router) Resume(ctx context.Context, ex ResumptionExchange, sink Sink) (err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.resume", trace.WithAttributes(
		attribute.String("session.id", ex.SessionID),
		attribute.String("last_event_id", ex.LastEventID.String()),
	))
	defer func() { r.finish(ctx, span, "resume", start, err) }()

	sess, err := r.lookup(ex.SessionID)
	if err != nil {
		return err
	}
	if sess.State() == sessions.StatePending {
		return newError(KindInvalidSession, "Bad Request: session handshake not complete", nil)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	streamID := sessions.StandaloneStreamID
	after := ex.LastEventID
	if !after.IsZero() {
		owner, ok, err := sess.StreamOf(ctx, after)
		if err != nil {
			return AsError(err)
		}
		switch {
		case ok:
			streamID = owner
		case r.strict:
			return newError(KindUnknownEvent, "Last-Event-ID is unknown; reinitialize", nil)
		default:
			r.log.WarnContext(ctx, "router.resume.unknown_event", slog.String("last_event_id", after.String()))
			after = eventlog.EventID{}
		}
	}
	if after.IsZero() {
		// Nothing to replay: resume live delivery from here on.
		if after, err = sess.Head(ctx); err != nil {
			return AsError(err)
		}
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID, LastEventID: ex.LastEventID.String()})

	release, err := sess.Attach(streamID)
	if err != nil {
		return AsError(err)
	}
	defer release()

	if err := sink.Open(ctx); err != nil {
		return newError(KindInternalFailure, "failed to open stream", err)
	}

	replay, err := sess.ReplayAfter(ctx, streamID, after)
	if err != nil {
		return r.endResume(ctx, err)
	}
	if len(replay) == 0 && streamID != sessions.StandaloneStreamID {
		done, err := r.streamComplete(ctx, sess, streamID)
		if err != nil {
			return r.endResume(ctx, err)
		}
		if done {
			r.log.InfoContext(ctx, "router.resume.complete", slog.Int("count", 0))
			return nil
		}
	}
	cursor := after
	for _, ev := range replay {
		if err := sink.Deliver(ctx, ev); err != nil {
			return r.endResume(ctx, err)
		}
		cursor = ev.ID
		if streamID != sessions.StandaloneStreamID && isFinalResponse(ev.Payload) {
			r.log.InfoContext(ctx, "router.resume.complete", slog.Int("count", len(replay)))
			return nil
		}
	}
	r.log.InfoContext(ctx, "router.resume.replay", slog.Int("count", len(replay)), slog.Duration("dur", time.Since(start)))

	err = sess.Tail(ctx, streamID, cursor, func(ctx context.Context, ev eventlog.Event) error {
		if err := sink.Deliver(ctx, ev); err != nil {
			return err
		}
		if streamID != sessions.StandaloneStreamID && isFinalResponse(ev.Payload) {
			return errStreamComplete
		}
		return nil
	})
	return r.endResume(ctx, err)
}

// endResume maps the reason a push channel ended. Client disconnects, session
// closure and stream completion are normal endings.
func (r *Router) endResume(ctx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, errStreamComplete):
		r.log.InfoContext(ctx, "router.resume.complete")
		return nil
	case ctx.Err() != nil:
		r.log.InfoContext(ctx, "router.resume.detached")
		return nil
	case errors.Is(err, sessions.ErrSessionClosed):
		r.log.InfoContext(ctx, "router.resume.session_closed")
		return nil
	}
	return AsError(err)
}

// streamComplete reports whether the request stream already carries its
// final response.
func (r *Router) streamComplete(ctx context.Context, sess *sessions.Session, streamID string) (bool, error) {
	all, err := sess.ReplayAfter(ctx, streamID, eventlog.EventID{})
	if err != nil || len(all) == 0 {
		return false, err
	}
	return isFinalResponse(all[len(all)-1].Payload), nil
}

func isFinalResponse(payload []byte) bool {
	msg, err := jsonrpc.Decode(payload)
	return err == nil && msg.Type() == "response"
}

// Terminate closes the session. Terminating an already closed session is
// acknowledged; an id that was never issued is an InvalidSession error.
func (r *Router) Terminate(ctx context.Context, ex TerminationExchange) (err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.terminate", trace.WithAttributes(attribute.String("session.id", ex.SessionID)))
	defer func() { r.finish(ctx, span, "terminate", start, err) }()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ex.SessionID})
	if _, err := r.reg.Lookup(ex.SessionID); err != nil {
		if r.reg.WasClosed(ex.SessionID) {
			r.log.InfoContext(ctx, "router.terminate.already_closed")
			return nil
		}
		return newError(KindInvalidSession, "Bad Request: No valid session ID provided", err)
	}
	if err := r.reg.Close(ctx, ex.SessionID); err != nil {
		return newError(KindInternalFailure, "failed to close session", err)
	}
	return nil
}

// Publish records a server-initiated message on the session's standalone
// stream. It reaches the client through the standalone push channel, now or
// when the client resumes.
func (r *Router) Publish(ctx context.Context, sessionID string, msg any) (eventlog.EventID, error) {
	sess, err := r.lookup(sessionID)
	if err != nil {
		return eventlog.EventID{}, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return eventlog.EventID{}, newError(KindInternalFailure, "failed to encode message", err)
	}
	id, err := sess.Append(ctx, sessions.StandaloneStreamID, b)
	if err != nil {
		return eventlog.EventID{}, AsError(err)
	}
	return id, nil
}

// Dispatch classifies in and routes it. It is a convenience for transports
// whose replies all share one shape; HTTP transports call the typed methods.
func (r *Router) Dispatch(ctx context.Context, in Inbound, sink Sink) (Exchange, error) {
	ex, err := r.Classify(in)
	if err != nil {
		return nil, err
	}
	switch e := ex.(type) {
	case InitializeExchange:
		_, err = r.Initialize(ctx, e)
	case ContinuationExchange:
		_, err = r.Continue(ctx, e, sink)
	case TerminationExchange:
		err = r.Terminate(ctx, e)
	case ResumptionExchange:
		err = r.Resume(ctx, e, sink)
	}
	return ex, err
}

// lookup resolves a session id, telling closed sessions apart from ids that
// were never issued. Neither case creates a session.
func (r *Router) lookup(id string) (*sessions.Session, error) {
	sess, err := r.reg.Lookup(id)
	if err == nil {
		return sess, nil
	}
	if r.reg.WasClosed(id) {
		return nil, newError(KindSessionClosed, "Session closed; reinitialize", err)
	}
	return nil, newError(KindInvalidSession, "Bad Request: No valid session ID provided", err)
}

func (r *Router) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	defer span.End()

	outcome := "ok"
	if err != nil {
		kind := KindOf(err)
		outcome = string(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if kind == KindInternalFailure {
			r.log.ErrorContext(ctx, "router."+op+".fail", slog.String("err", err.Error()))
		} else {
			r.log.InfoContext(ctx, "router."+op+".reject", slog.String("kind", string(kind)))
		}
	}
	if r.metrics != nil {
		tags := map[string]string{"op": op, "outcome": outcome}
		r.metrics.IncCounter("router.exchanges", tags)
		r.metrics.ObserveHistogram("router.exchange_seconds", time.Since(start).Seconds(), tags)
	}
}
