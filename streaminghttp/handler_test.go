package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/eventlog/memorylog"
	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
	"github.com/ggoodman/mcp-resumable-http/router"
	"github.com/ggoodman/mcp-resumable-http/sessions"
	"github.com/ggoodman/mcp-resumable-http/streaminghttp"
)

// testApp is a minimal application: "ping" answers immediately and "count"
// sends two progress notifications before its result. When gate is set each
// notification waits for a value on it.
type testApp struct {
	gate chan struct{}
}

func (a *testApp) Initialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	return map[string]any{"protocolVersion": "2025-06-18", "serverInfo": map[string]string{"name": "test"}}, nil
}

func (a *testApp) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, out router.Outbound) (any, error) {
	switch req.Method {
	case "ping":
		return map[string]any{}, nil
	case "count":
		for i := 1; i <= 2; i++ {
			if a.gate != nil {
				select {
				case <-a.gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if err := out.Notify(ctx, "notifications/progress", map[string]int{"progress": i}); err != nil {
				return nil, err
			}
		}
		return map[string]int{"total": 2}, nil
	}
	return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "Method not found")
}

func (a *testApp) HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	return nil
}

func (a *testApp) HandleResponse(ctx context.Context, sess *sessions.Session, res *jsonrpc.Response) error {
	return nil
}

func TestSingleInstance(t *testing.T) {
	t.Run("Initialize returns session id", func(t *testing.T) {
		srv, rt := mustServer(t, &testApp{})

		resp, evt := mustPostMCP(t, srv, "", initRequest())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		sessID := resp.Header.Get("Mcp-Session-Id")
		if sessID == "" {
			t.Fatal("missing Mcp-Session-Id header")
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("content type = %q", ct)
		}
		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil || !res.ID.Equal(jsonrpc.NewRequestID("init")) {
			t.Fatalf("unexpected initialize response: %s", evt.data)
		}
		if _, err := rt.Registry().Lookup(sessID); err != nil {
			t.Fatalf("session not registered: %v", err)
		}
	})

	t.Run("Unknown session is rejected without creating one", func(t *testing.T) {
		srv, rt := mustServer(t, &testApp{})
		mustInitialize(t, srv)
		before := rt.Registry().Len()

		resp, err := doPostMCP(t, srv, "00000000-0000-0000-0000-000000000000", request(1, "ping"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		errResp := mustErrorEnvelope(t, resp, http.StatusBadRequest)
		if errResp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("code = %d", errResp.Error.Code)
		}
		if rt.Registry().Len() != before {
			t.Fatalf("session count changed %d -> %d", before, rt.Registry().Len())
		}
	})

	t.Run("Request without session id is rejected", func(t *testing.T) {
		srv, rt := mustServer(t, &testApp{})

		resp, err := doPostMCP(t, srv, "", request(1, "ping"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		env := mustErrorEnvelope(t, resp, http.StatusBadRequest)
		if env.Error.Data.Kind != string(router.KindMissingSession) || !env.Error.Data.Reinitialize {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if rt.Registry().Len() != 0 {
			t.Fatal("a session was created")
		}
	})

	t.Run("Malformed bodies are rejected", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		for _, body := range []string{`{`, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, ``} {
			resp := rawPost(t, srv, "", "application/json", body)
			env := mustErrorEnvelope(t, resp, http.StatusBadRequest)
			resp.Body.Close()
			if env.Error.Data.Kind != string(router.KindMalformedExchange) {
				t.Fatalf("body %q: kind = %s", body, env.Error.Data.Kind)
			}
		}
	})

	t.Run("Unsupported content type", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		resp := rawPost(t, srv, "", "text/plain", `{}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("Oversized body", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{}, streaminghttp.WithMaxBodyBytes(64))
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":%q}}`, strings.Repeat("x", 128))
		resp := rawPost(t, srv, "", "application/json", body)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("Request streams notifications then response", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		resp, err := doPostMCP(t, srv, sessID, request(5, "count"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("content type = %q", ct)
		}

		br := bufio.NewReader(resp.Body)
		events := make([]sseEvent, 0, 3)
		for i := 0; i < 3; i++ {
			evt, err := readOneSSE(br)
			if err != nil {
				t.Fatalf("read event %d: %v", i, err)
			}
			events = append(events, evt)
		}
		assertIncreasingIDs(t, events)

		var first jsonrpc.AnyMessage
		mustUnmarshalJSON(t, events[0].data, &first)
		if first.Method != "notifications/progress" {
			t.Fatalf("first event = %s", events[0].data)
		}
		var last jsonrpc.AnyMessage
		mustUnmarshalJSON(t, events[2].data, &last)
		if last.Type() != "response" || !last.ID.Equal(jsonrpc.NewRequestID(float64(5))) {
			t.Fatalf("last event = %s", events[2].data)
		}
	})

	t.Run("Notification is accepted", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		resp, err := doPostMCP(t, srv, sessID, &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/initialized"})
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("Delete is idempotent and closes the session", func(t *testing.T) {
		srv, rt := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		for i := 0; i < 2; i++ {
			resp := doDelete(t, srv, sessID)
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				t.Fatalf("delete #%d: status = %d", i+1, resp.StatusCode)
			}
		}
		if rt.Registry().Len() != 0 {
			t.Fatal("session still registered")
		}

		resp, err := doPostMCP(t, srv, sessID, request(2, "ping"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		env := mustErrorEnvelope(t, resp, http.StatusNotFound)
		if env.Error.Data.Kind != string(router.KindSessionClosed) || !env.Error.Data.Reinitialize {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	})

	t.Run("Delete of unknown session", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		resp := doDelete(t, srv, "never-issued")
		defer resp.Body.Close()
		mustErrorEnvelope(t, resp, http.StatusBadRequest)
	})

	t.Run("GET requires event stream accept", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("GET delivers published messages live", func(t *testing.T) {
		srv, rt := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		resp, ch := startGetStreamOneEvent(t, srv, sessID, "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		id, err := rt.Publish(context.Background(), sessID, map[string]any{"jsonrpc": "2.0", "method": "notifications/message"})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case evt := <-ch:
			if evt.id != id.String() {
				t.Fatalf("event id = %q, want %q (%s)", evt.id, id, evt.data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published message")
		}
	})

	t.Run("Concurrent GET on one stream conflicts", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		first, _ := startGetStreamOneEvent(t, srv, sessID, "")
		defer first.Body.Close()
		if first.StatusCode != http.StatusOK {
			t.Fatalf("first status = %d", first.StatusCode)
		}

		second := doGet(t, srv, sessID, "")
		defer second.Body.Close()
		env := mustErrorEnvelope(t, second, http.StatusConflict)
		if env.Error.Data.Kind != string(router.KindStreamConflict) {
			t.Fatalf("kind = %s", env.Error.Data.Kind)
		}
	})

	t.Run("Strict replay rejects unknown Last-Event-ID", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{}, withRouterOptions(router.WithStrictReplay()))
		sessID := mustInitialize(t, srv)

		resp := doGet(t, srv, sessID, "1-0")
		defer resp.Body.Close()
		env := mustErrorEnvelope(t, resp, http.StatusNotFound)
		if env.Error.Data.Kind != string(router.KindUnknownEvent) || !env.Error.Data.Reinitialize {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	})

	t.Run("Malformed Last-Event-ID", func(t *testing.T) {
		srv, _ := mustServer(t, &testApp{})
		sessID := mustInitialize(t, srv)

		resp := doGet(t, srv, sessID, "yesterday")
		defer resp.Body.Close()
		mustErrorEnvelope(t, resp, http.StatusBadRequest)
	})
}

func TestResumeAfterDisconnect(t *testing.T) {
	app := &testApp{gate: make(chan struct{})}
	srv, _ := mustServer(t, app)
	sessID := mustInitialize(t, srv)

	resp, err := doPostMCP(t, srv, sessID, request(9, "count"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	app.gate <- struct{}{}
	first, err := readOneSSE(bufio.NewReader(resp.Body))
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	// The client goes away after the first event.
	resp.Body.Close()
	app.gate <- struct{}{}

	// The request stream stays claimed until the server notices the drop.
	var got []sseEvent
	deadline := time.Now().Add(5 * time.Second)
	for {
		resume := doGet(t, srv, sessID, first.id)
		if resume.StatusCode == http.StatusConflict && time.Now().Before(deadline) {
			resume.Body.Close()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if resume.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resume.Body)
			resume.Body.Close()
			t.Fatalf("resume status = %d: %s", resume.StatusCode, body)
		}
		br := bufio.NewReader(resume.Body)
		for i := 0; i < 2; i++ {
			evt, err := readOneSSE(br)
			if err != nil {
				t.Fatalf("read replayed event %d: %v", i, err)
			}
			got = append(got, evt)
		}
		resume.Body.Close()
		break
	}

	assertIncreasingIDs(t, append([]sseEvent{first}, got...))
	var progress jsonrpc.AnyMessage
	mustUnmarshalJSON(t, got[0].data, &progress)
	if progress.Method != "notifications/progress" || !bytes.Contains(progress.Params, []byte(`"progress":2`)) {
		t.Fatalf("first replayed event = %s", got[0].data)
	}
	var last jsonrpc.AnyMessage
	mustUnmarshalJSON(t, got[1].data, &last)
	if last.Type() != "response" || !last.ID.Equal(jsonrpc.NewRequestID(float64(9))) {
		t.Fatalf("last replayed event = %s", got[1].data)
	}
}

func TestMultipleSessionsAreIndependent(t *testing.T) {
	srv, rt := mustServer(t, &testApp{})

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = mustInitialize(t, srv)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}

	resp := doDelete(t, srv, ids[0])
	resp.Body.Close()
	for _, id := range ids[1:] {
		resp, evt := mustPostMCP(t, srv, id, request(1, "ping"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("session %s: status = %d", id, resp.StatusCode)
		}
		var res jsonrpc.AnyMessage
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil {
			t.Fatalf("session %s: %s", id, evt.data)
		}
	}
	if rt.Registry().Len() != len(ids)-1 {
		t.Fatalf("registry holds %d sessions", rt.Registry().Len())
	}
}

func TestNewValidatesEndpoint(t *testing.T) {
	rt := router.New(sessions.NewRegistry(memorylog.Backend{}), &testApp{})
	if _, err := streaminghttp.New("ftp://example.test/mcp", rt); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := streaminghttp.New("http://example.test/mcp", nil); err == nil {
		t.Fatal("expected missing router error")
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[router.Kind]int{
		router.KindMissingSession:       http.StatusBadRequest,
		router.KindInvalidSession:       http.StatusBadRequest,
		router.KindMalformedExchange:    http.StatusBadRequest,
		router.KindUnrecognizedExchange: http.StatusBadRequest,
		router.KindSessionClosed:        http.StatusNotFound,
		router.KindUnknownEvent:         http.StatusNotFound,
		router.KindStreamConflict:       http.StatusConflict,
		router.KindInternalFailure:      http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := streaminghttp.StatusFor(kind); got != want {
			t.Errorf("%s: status = %d, want %d", kind, got, want)
		}
	}
}

// ============================================================================
// Logging bridge
// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	handlerOpts []streaminghttp.Option
	routerOpts  []router.Option
}

func withRouterOptions(opts ...router.Option) serverOption {
	return func(cfg *serverConfig) { cfg.routerOpts = append(cfg.routerOpts, opts...) }
}

// mustServer mounts a handler backed by an in-memory registry. Options may be
// handler options or serverOptions.
func mustServer(t *testing.T, app router.Application, options ...any) (*httptest.Server, *router.Router) {
	t.Helper()

	var cfg serverConfig
	for _, o := range options {
		switch o := o.(type) {
		case streaminghttp.Option:
			cfg.handlerOpts = append(cfg.handlerOpts, o)
		case serverOption:
			o(&cfg)
		default:
			t.Fatalf("unsupported server option %T", o)
		}
	}

	logger := slog.New(testLogHandler(t))
	reg := sessions.NewRegistry(memorylog.Backend{}, sessions.WithLogger(logger))
	rt := router.New(reg, app, append([]router.Option{router.WithLogger(logger)}, cfg.routerOpts...)...)

	h, err := streaminghttp.New("http://example.test/", rt, append([]streaminghttp.Option{streaminghttp.WithLogger(logger)}, cfg.handlerOpts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Shutdown(context.Background())
	})
	return srv, rt
}

type sseEvent struct {
	id    string
	event string
	data  []byte
}

// errorEnvelope mirrors the JSON-RPC error responses written for routing failures.
type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   struct {
		Code    jsonrpc.ErrorCode `json:"code"`
		Message string            `json:"message"`
		Data    struct {
			Kind         string `json:"kind"`
			Reinitialize bool   `json:"reinitialize"`
		} `json:"data"`
	} `json:"error"`
}

func mustErrorEnvelope(t *testing.T, resp *http.Response, status int) errorEnvelope {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, status, body)
	}
	var env errorEnvelope
	mustUnmarshalJSON(t, body, &env)
	if env.JSONRPC != jsonrpc.ProtocolVersion || string(env.ID) != "null" {
		t.Fatalf("not a JSON-RPC error envelope: %s", body)
	}
	return env
}

func initRequest() *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         jsonrpc.MethodInitialize,
		Params:         mustJSON(map[string]any{"protocolVersion": "2025-06-18"}),
		ID:             jsonrpc.NewRequestID("init"),
	}
}

func request(id int, method string) *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)}
}

func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, _ := mustPostMCP(t, srv, "", initRequest())
	if resp.StatusCode != http.StatusOK {
		t.Errorf("initialize status = %d", resp.StatusCode)
		return ""
	}
	return resp.Header.Get("Mcp-Session-Id")
}

func doPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}
	return http.DefaultClient.Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream (text/event-stream)
// it reads exactly one event. Otherwise it reads the full body as a single JSON payload.
func mustPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(bufio.NewReader(resp.Body))
		if err != nil {
			return resp, sseEvent{data: mustJSON(map[string]any{"error": fmt.Sprintf("sse read error: %v", err)})}
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, sseEvent{data: mustJSON(map[string]any{"error": fmt.Sprintf("body read error: %v", err)})}
	}
	return resp, sseEvent{data: body}
}

func rawPost(t *testing.T, srv *httptest.Server, sessionID, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func doDelete(t *testing.T, srv *httptest.Server, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	return resp
}

func doGet(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	return resp
}

// startGetStreamOneEvent starts a GET stream and returns the response plus a channel that yields one SSE event.
func startGetStreamOneEvent(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	resp := doGet(t, srv, sessionID, lastEventID)
	ch := make(chan sseEvent, 1)
	go func() {
		defer close(ch)
		evt, err := readOneSSE(bufio.NewReader(resp.Body))
		if err != nil {
			// signal error by sending an empty event with data set to error json
			ch <- sseEvent{data: mustJSON(map[string]any{"error": err.Error()})}
			return
		}
		ch <- evt
	}()
	return resp, ch
}

func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of event
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		if strings.HasPrefix(line, "event: ") {
			event.event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "id: ") {
			event.id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if dataBuf.Len() > 0 { // support multi-line data although we emit single line
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		// ignore other fields and continue
	}
}

func assertIncreasingIDs(t *testing.T, events []sseEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		prev, err := eventlog.ParseEventID(events[i-1].id)
		if err != nil {
			t.Fatalf("event %d: %v", i-1, err)
		}
		cur, err := eventlog.ParseEventID(events[i].id)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if !prev.Less(cur) {
			t.Fatalf("event ids not increasing: %s then %s", events[i-1].id, events[i].id)
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
