package router

import (
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
)

const (
	initBody   = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	pingBody   = `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	notifyBody = `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	resultBody = `{"jsonrpc":"2.0","id":"s-1","result":{}}`
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Inbound
		want string
		kind Kind
	}{
		{name: "initialize", in: Inbound{Verb: VerbPost, Body: []byte(initBody)}, want: "initialize"},
		{name: "continuation request", in: Inbound{Verb: VerbPost, SessionID: "abc", Body: []byte(pingBody)}, want: "continuation"},
		{name: "continuation notification", in: Inbound{Verb: VerbPost, SessionID: "abc", Body: []byte(notifyBody)}, want: "continuation"},
		{name: "continuation response", in: Inbound{Verb: VerbPost, SessionID: "abc", Body: []byte(resultBody)}, want: "continuation"},
		{name: "initialize with session id continues", in: Inbound{Verb: VerbPost, SessionID: "abc", Body: []byte(initBody)}, want: "continuation"},
		{name: "termination", in: Inbound{Verb: VerbDelete, SessionID: "abc"}, want: "termination"},
		{name: "resumption", in: Inbound{Verb: VerbGet, SessionID: "abc"}, want: "resumption"},
		{name: "resumption with last event", in: Inbound{Verb: VerbGet, SessionID: "abc", LastEventID: "12-3"}, want: "resumption"},

		{name: "post without session", in: Inbound{Verb: VerbPost, Body: []byte(pingBody)}, kind: KindMissingSession},
		{name: "notification without session", in: Inbound{Verb: VerbPost, Body: []byte(notifyBody)}, kind: KindMissingSession},
		{name: "initialize notification", in: Inbound{Verb: VerbPost, Body: []byte(`{"jsonrpc":"2.0","method":"initialize"}`)}, kind: KindMissingSession},
		{name: "delete without session", in: Inbound{Verb: VerbDelete}, kind: KindMissingSession},
		{name: "get without session", in: Inbound{Verb: VerbGet}, kind: KindMissingSession},
		{name: "bad last event id", in: Inbound{Verb: VerbGet, SessionID: "abc", LastEventID: "nope"}, kind: KindMalformedExchange},
		{name: "empty body", in: Inbound{Verb: VerbPost}, kind: KindMalformedExchange},
		{name: "invalid json", in: Inbound{Verb: VerbPost, Body: []byte(`{`)}, kind: KindMalformedExchange},
		{name: "batch", in: Inbound{Verb: VerbPost, Body: []byte(`[` + pingBody + `]`)}, kind: KindMalformedExchange},
		{name: "wrong version", in: Inbound{Verb: VerbPost, Body: []byte(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`)}, kind: KindMalformedExchange},
		{name: "session id with space", in: Inbound{Verb: VerbPost, SessionID: "a b", Body: []byte(pingBody)}, kind: KindInvalidSession},
		{name: "session id too long", in: Inbound{Verb: VerbDelete, SessionID: strings.Repeat("x", MaxSessionIDLength+1)}, kind: KindInvalidSession},
		{name: "unsupported verb", in: Inbound{Verb: "PUT", SessionID: "abc"}, kind: KindUnrecognizedExchange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := Classify(tt.in)
			if tt.kind != "" {
				if err == nil {
					t.Fatalf("expected %s error, got exchange %T", tt.kind, ex)
				}
				if got := KindOf(err); got != tt.kind {
					t.Fatalf("kind = %s, want %s (%v)", got, tt.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := exchangeName(ex); got != tt.want {
				t.Fatalf("classified as %s, want %s", got, tt.want)
			}
		})
	}
}

func exchangeName(ex Exchange) string {
	switch ex.(type) {
	case InitializeExchange:
		return "initialize"
	case ContinuationExchange:
		return "continuation"
	case TerminationExchange:
		return "termination"
	case ResumptionExchange:
		return "resumption"
	}
	return "unknown"
}

func TestClassifyCarriesFields(t *testing.T) {
	ex, err := Classify(Inbound{Verb: VerbGet, SessionID: "abc", LastEventID: "12-3"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	res := ex.(ResumptionExchange)
	if res.SessionID != "abc" || res.LastEventID != (eventlog.EventID{Ms: 12, Seq: 3}) {
		t.Fatalf("unexpected resumption: %+v", res)
	}

	ex, err = Classify(Inbound{Verb: VerbPost, SessionID: "abc", Body: []byte(pingBody)})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	cont := ex.(ContinuationExchange)
	if cont.SessionID != "abc" || cont.Message.Method != "ping" || cont.Stream != "" {
		t.Fatalf("unexpected continuation: %+v", cont)
	}
}

func TestClassifierBootstrapMethods(t *testing.T) {
	c := Classifier{Bootstrap: []string{"server/info"}}

	ex, err := c.Classify(Inbound{Verb: VerbPost, Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"server/info"}`)})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if _, ok := ex.(InitializeExchange); !ok {
		t.Fatalf("expected initialize exchange, got %T", ex)
	}

	// Bootstrap methods only open sessions as requests.
	_, err = c.Classify(Inbound{Verb: VerbPost, Body: []byte(`{"jsonrpc":"2.0","method":"server/info"}`)})
	if KindOf(err) != KindMissingSession {
		t.Fatalf("expected missing session, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind   Kind
		code   jsonrpc.ErrorCode
		reinit bool
	}{
		{KindMissingSession, jsonrpc.ErrorCodeInvalidRequest, true},
		{KindInvalidSession, jsonrpc.ErrorCodeInvalidRequest, true},
		{KindSessionClosed, jsonrpc.ErrorCodeSessionClosed, true},
		{KindMalformedExchange, jsonrpc.ErrorCodeParseError, false},
		{KindUnrecognizedExchange, jsonrpc.ErrorCodeInvalidRequest, false},
		{KindStreamConflict, jsonrpc.ErrorCodeConflict, false},
		{KindUnknownEvent, jsonrpc.ErrorCodeUnknownEvent, true},
		{KindInternalFailure, jsonrpc.ErrorCodeInternalError, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Code(); got != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.kind, got, tt.code)
		}
		if got := tt.kind.Reinitialize(); got != tt.reinit {
			t.Errorf("%s: reinitialize = %v, want %v", tt.kind, got, tt.reinit)
		}
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(newError(KindSessionClosed, "Session closed; reinitialize", nil))
	if !resp.ID.IsNil() {
		t.Fatalf("expected null id, got %v", resp.ID)
	}
	if resp.Error.Code != jsonrpc.ErrorCodeSessionClosed {
		t.Fatalf("code = %d", resp.Error.Code)
	}
	data, ok := resp.Error.Data.(ErrorData)
	if !ok || data.Kind != KindSessionClosed || !data.Reinitialize {
		t.Fatalf("unexpected data: %#v", resp.Error.Data)
	}

	resp = ErrorResponse(errors.New("disk on fire"))
	if resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("code = %d", resp.Error.Code)
	}
	if resp.Error.Message != "Internal Server Error: disk on fire" {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}
