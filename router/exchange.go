package router

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
)

// Verb is the transport-level intent of an inbound exchange.
type Verb string

const (
	// VerbPost delivers one client message.
	VerbPost Verb = "POST"
	// VerbGet (re)establishes a server-to-client push channel.
	VerbGet Verb = "GET"
	// VerbDelete terminates a session.
	VerbDelete Verb = "DELETE"
)

// MaxSessionIDLength bounds accepted session identifiers.
const MaxSessionIDLength = 128

// Inbound is the transport-neutral shape of a request. It is the only input
// to classification.
type Inbound struct {
	Verb        Verb
	SessionID   string
	LastEventID string
	Body        []byte
}

// Exchange is the result of classification. It is one of
// InitializeExchange, ContinuationExchange, TerminationExchange or
// ResumptionExchange.
type Exchange interface {
	exchange()
}

// InitializeExchange opens a new session.
type InitializeExchange struct {
	Message *jsonrpc.AnyMessage
}

// ContinuationExchange delivers a message to an existing session.
type ContinuationExchange struct {
	SessionID string
	Message   *jsonrpc.AnyMessage
	// Stream, when set, records outbound messages on that stream instead of
	// a fresh per-request stream.
	Stream string
}

// TerminationExchange closes a session.
type TerminationExchange struct {
	SessionID string
}

// ResumptionExchange re-establishes a push channel, optionally replaying
// everything after LastEventID first.
type ResumptionExchange struct {
	SessionID   string
	LastEventID eventlog.EventID
}

func (InitializeExchange) exchange()   {}
func (ContinuationExchange) exchange() {}
func (TerminationExchange) exchange()  {}
func (ResumptionExchange) exchange()   {}

// Classifier turns Inbound values into Exchanges. The zero value recognizes
// only "initialize" as a session-opening request.
type Classifier struct {
	// Bootstrap lists additional request methods that may open a session
	// when no session id is present.
	Bootstrap []string
}

// Classify decodes and classifies in using the zero Classifier.
func Classify(in Inbound) (Exchange, error) {
	return Classifier{}.Classify(in)
}

// Classify decodes in fully before deciding what it is, so malformed input is
// rejected with a structured error before any session state is touched.
//
// Rules, in priority order:
//  1. POST without a session id carrying an initialize request: InitializeExchange.
//  2. POST with a session id: ContinuationExchange.
//  3. DELETE with a session id: TerminationExchange.
//  4. GET with a session id: ResumptionExchange.
//  5. Anything else fails with KindUnrecognizedExchange or KindMissingSession.
func (c Classifier) Classify(in Inbound) (Exchange, error) {
	switch in.Verb {
	case VerbPost:
		msg, err := jsonrpc.Decode(in.Body)
		if err != nil {
			return nil, malformed(err)
		}
		if in.SessionID == "" {
			if msg.IsInitialize() || c.bootstraps(msg) {
				return InitializeExchange{Message: msg}, nil
			}
			return nil, newError(KindMissingSession, "Bad Request: No valid session ID provided", nil)
		}
		if err := ValidateSessionID(in.SessionID); err != nil {
			return nil, err
		}
		return ContinuationExchange{SessionID: in.SessionID, Message: msg}, nil

	case VerbDelete:
		if in.SessionID == "" {
			return nil, newError(KindMissingSession, "Bad Request: No valid session ID provided", nil)
		}
		if err := ValidateSessionID(in.SessionID); err != nil {
			return nil, err
		}
		return TerminationExchange{SessionID: in.SessionID}, nil

	case VerbGet:
		if in.SessionID == "" {
			return nil, newError(KindMissingSession, "Bad Request: No valid session ID provided", nil)
		}
		if err := ValidateSessionID(in.SessionID); err != nil {
			return nil, err
		}
		last, err := eventlog.ParseEventID(in.LastEventID)
		if err != nil {
			return nil, newError(KindMalformedExchange, "Bad Request: malformed Last-Event-ID", err)
		}
		return ResumptionExchange{SessionID: in.SessionID, LastEventID: last}, nil
	}

	return nil, newError(KindUnrecognizedExchange, fmt.Sprintf("Bad Request: unsupported verb %q", in.Verb), nil)
}

func (c Classifier) bootstraps(msg *jsonrpc.AnyMessage) bool {
	if msg.Type() != "request" {
		return false
	}
	for _, m := range c.Bootstrap {
		if msg.Method == m {
			return true
		}
	}
	return false
}

// ValidateSessionID accepts 1 to MaxSessionIDLength visible ASCII characters.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > MaxSessionIDLength {
		return newError(KindInvalidSession, "Bad Request: invalid session ID", nil)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return newError(KindInvalidSession, "Bad Request: invalid session ID", nil)
		}
	}
	return nil
}

func malformed(err error) *Error {
	switch {
	case errors.Is(err, jsonrpc.ErrBatchUnsupported):
		return newError(KindMalformedExchange, "Bad Request: JSON-RPC batch arrays are not supported", err)
	case errors.Is(err, jsonrpc.ErrEmptyMessage):
		return newError(KindMalformedExchange, "Bad Request: empty body", err)
	default:
		return newError(KindMalformedExchange, "Bad Request: invalid JSON-RPC message", err)
	}
}
