package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/internal/logctx"
	"github.com/ggoodman/mcp-resumable-http/router"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
	_ router.Sink  = (*sseSink)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = "Mcp-Session-Id"

	defaultMaxBodyBytes = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRouteError renders a routing failure as a JSON-RPC error response with
// a null id and the status that matches its kind.
func writeRouteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(StatusFor(router.KindOf(err)))
	_ = json.NewEncoder(w).Encode(router.ErrorResponse(err))
}

// StatusFor maps a routing error kind to its HTTP status.
func StatusFor(kind router.Kind) int {
	switch kind {
	case router.KindMissingSession, router.KindInvalidSession, router.KindMalformedExchange, router.KindUnrecognizedExchange:
		return http.StatusBadRequest
	case router.KindSessionClosed, router.KindUnknownEvent:
		return http.StatusNotFound
	case router.KindStreamConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	maxBodyBytes int64
}

// WithLogger sets the slog handler used by the server. If not provided, slog.Default is used.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithMaxBodyBytes bounds the size of POST bodies (default 4 MiB).
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// StreamingHTTPHandler serves the streamable HTTP transport on a single
// endpoint: POST carries client messages, GET resumes the push channel and
// DELETE terminates the session.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	serverURL    *url.URL
	rt           *router.Router
	maxBodyBytes int64
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the endpoint (scheme, host, path)
//   - rt: the router that owns sessions and dispatch
func New(publicEndpoint string, rt *router.Router, opts ...Option) (*StreamingHTTPHandler, error) {
	if rt == nil {
		return nil, fmt.Errorf("router is required")
	}

	serverURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if serverURL.Scheme != "https" && serverURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", serverURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:          logctx.New(cfg.logger),
		serverURL:    serverURL,
		rt:           rt,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(serverURL)), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(serverURL)), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(serverURL)), h.handleDelete)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleDelete terminates the session named by the Mcp-Session-Id header.
// Deleting an already terminated session succeeds.
func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	ex, err := h.rt.Classify(router.Inbound{Verb: router.VerbDelete, SessionID: r.Header.Get(mcpSessionIDHeader)})
	if err != nil {
		h.log.WarnContext(ctx, "http.delete.reject", slog.String("err", err.Error()))
		writeRouteError(w, err)
		return
	}
	term, ok := ex.(router.TerminationExchange)
	if !ok {
		writeRouteError(w, &router.Error{Kind: router.KindUnrecognizedExchange, Message: "Bad Request: expected termination"})
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: term.SessionID})
	if err := h.rt.Terminate(ctx, term); err != nil {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeRouteError(w, err)
		return
	}

	// Success: no content.
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePost handles one client message: an initialize request opens a session,
// other requests stream their reply as SSE, notifications and responses are
// acknowledged with 202.
func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	ex, err := h.rt.Classify(router.Inbound{
		Verb:      router.VerbPost,
		SessionID: r.Header.Get(mcpSessionIDHeader),
		Body:      body,
	})
	if err != nil {
		h.log.WarnContext(ctx, "http.post.reject", slog.String("err", err.Error()))
		writeRouteError(w, err)
		return
	}

	switch ex := ex.(type) {
	case router.InitializeExchange:
		h.handleInitialize(ctx, w, ex)

	case router.ContinuationExchange:
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ex.SessionID})
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: ex.Message.Method, ID: ex.Message.ID.String(), Type: ex.Message.Type()})

		sink := &sseSink{w: w, wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}}
		disp, err := h.rt.Continue(ctx, ex, sink)
		if err != nil {
			if sink.opened {
				h.log.WarnContext(ctx, "http.post.stream.fail", slog.String("err", err.Error()))
				return
			}
			writeRouteError(w, err)
			return
		}
		if disp == router.Accepted {
			w.WriteHeader(http.StatusAccepted)
		}
		h.log.InfoContext(ctx, "http.post.ok", slog.String("disposition", disp.String()), slog.Duration("dur", time.Since(start)))

	default:
		writeRouteError(w, &router.Error{Kind: router.KindUnrecognizedExchange, Message: "Bad Request: unexpected exchange"})
	}
}

func (h *StreamingHTTPHandler) handleInitialize(ctx context.Context, w http.ResponseWriter, ex router.InitializeExchange) {
	start := time.Now()
	res, err := h.rt.Initialize(ctx, ex)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		writeRouteError(w, err)
		return
	}

	if res.SessionID != "" {
		w.Header().Set(mcpSessionIDHeader, res.SessionID)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res.Response); err != nil {
		h.log.ErrorContext(ctx, "initialize.response.write.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: res.SessionID})
	h.log.InfoContext(ctx, "http.post.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet re-establishes the server-to-client stream, replaying everything
// after Last-Event-ID before live delivery.
func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ex, err := h.rt.Classify(router.Inbound{
		Verb:        router.VerbGet,
		SessionID:   r.Header.Get(mcpSessionIDHeader),
		LastEventID: r.Header.Get(lastEventIDHeader),
	})
	if err != nil {
		h.log.WarnContext(ctx, "http.get.reject", slog.String("err", err.Error()))
		writeRouteError(w, err)
		return
	}
	res, ok := ex.(router.ResumptionExchange)
	if !ok {
		writeRouteError(w, &router.Error{Kind: router.KindUnrecognizedExchange, Message: "Bad Request: expected resumption"})
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: res.SessionID})
	sink := &sseSink{w: w, wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}}

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := h.rt.Resume(ctx, res, sink); err != nil {
		if sink.opened {
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			return
		}
		writeRouteError(w, err)
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Int("count", sink.count), slog.Duration("dur", time.Since(start)))
}

// sseSink writes events as Server-Sent Events. Headers are committed lazily on
// Open so that errors found before the stream starts can still use a status.
type sseSink struct {
	w      http.ResponseWriter
	wf     *lockedWriteFlusher
	opened bool
	count  int
}

func (s *sseSink) Open(ctx context.Context) error {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	s.wf.Flush()
	return nil
}

func (s *sseSink) Deliver(ctx context.Context, ev eventlog.Event) error {
	if err := writeSSEEvent(s.wf, ev.ID.String(), ev.Payload); err != nil {
		return err
	}
	s.count++
	return nil
}

// writeSSEEvent writes a Server-Sent Event carrying one JSON-RPC message. The
// id line is the event id a client hands back in Last-Event-ID.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
