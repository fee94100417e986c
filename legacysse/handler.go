package legacysse

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
	"github.com/ggoodman/mcp-resumable-http/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}
)

const (
	sessionIDParam      = "sessionId"
	defaultMaxBodyBytes = 4 << 20
)

// Option configures a Handler.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	basePath     string
	maxBodyBytes int64
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBasePath mounts the endpoints under prefix, e.g. "/legacy" serves
// "/legacy/sse" and "/legacy/messages".
func WithBasePath(prefix string) Option {
	return func(c *config) { c.basePath = prefix }
}

// WithMaxBodyBytes bounds the size of message bodies (default 4 MiB).
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// Handler serves the HTTP+SSE transport used by older clients: one
// long-lived GET carries every server message and client messages are POSTed
// to a per-session endpoint announced on that stream.
//
// The stream is the session's lifeline. There is no resumption; when the GET
// ends the session is closed.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	rt           *router.Router
	ssePath      string
	messagesPath string
	maxBodyBytes int64
}

// New constructs a Handler that dispatches through rt.
func New(rt *router.Router, opts ...Option) (*Handler, error) {
	if rt == nil {
		return nil, fmt.Errorf("router is required")
	}
	cfg := config{maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Handler{
		log:          logctx.New(cfg.logger),
		rt:           rt,
		ssePath:      cfg.basePath + "/sse",
		messagesPath: cfg.basePath + "/messages",
		maxBodyBytes: cfg.maxBodyBytes,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.ssePath, h.handleStream)
	mux.HandleFunc("POST "+h.messagesPath, h.handleMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleStream opens a session and streams its standalone stream until the
// client disconnects or the session closes.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "accept must include text/event-stream", http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "legacy.sse.not_acceptable")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	reg := h.rt.Registry()
	sess, err := reg.CreateSession(ctx)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "legacy.session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	release, err := sess.Attach(sessions.StandaloneStreamID)
	if err != nil {
		http.Error(w, "failed to open stream", http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "legacy.stream.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer func() {
		release()
		// Losing the stream is the end of a legacy session.
		ev := sessions.ChannelClosed{SessionID: sess.ID(), Reason: sessions.ReasonChannelClosed}
		if err := reg.HandleEvent(context.WithoutCancel(ctx), ev); err != nil {
			h.log.WarnContext(ctx, "legacy.session.close.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "legacy.sse.end", slog.Duration("dur", time.Since(start)))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, f: f}
	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {sess.ID()}}.Encode()
	if err := sw.write("endpoint", "", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "legacy.sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "legacy.sse.start")

	err = sess.Tail(ctx, sessions.StandaloneStreamID, eventlog.EventID{}, func(ctx context.Context, ev eventlog.Event) error {
		return sw.write("message", ev.ID.String(), ev.Payload)
	})
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, sessions.ErrSessionClosed):
	default:
		h.log.WarnContext(ctx, "legacy.sse.fail", slog.String("err", err.Error()))
	}
}

// handleMessage forwards one client message to the session named by the
// sessionId query parameter. Replies travel on the session's SSE stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		http.Error(w, "No transport found for sessionId", http.StatusBadRequest)
		h.log.WarnContext(ctx, "legacy.message.missing_session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ex, err := h.rt.Classify(router.Inbound{Verb: router.VerbPost, SessionID: sessID, Body: body})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	cont, ok := ex.(router.ContinuationExchange)
	if !ok {
		h.writeError(ctx, w, &router.Error{Kind: router.KindUnrecognizedExchange, Message: "Bad Request: unexpected exchange"})
		return
	}
	cont.Stream = sessions.StandaloneStreamID

	if _, err := h.rt.Continue(ctx, cont, nil); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	h.log.InfoContext(ctx, "legacy.message.ok", slog.String("method", cont.Message.Method), slog.Duration("dur", time.Since(start)))
}

// writeError renders a routing failure as a JSON-RPC error. Without
// resumption a legacy client can only start over, so every rejection that is
// not an internal failure is a 400.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if router.KindOf(err) == router.KindInternalFailure {
		status = http.StatusInternalServerError
		h.log.ErrorContext(ctx, "legacy.message.fail", slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "legacy.message.reject", slog.String("err", err.Error()))
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(router.ErrorResponse(err))
}

// sseWriter frames named Server-Sent Events.
type sseWriter struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (s *sseWriter) write(event, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("failed to write SSE event name: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	s.f.Flush()
	return nil
}
