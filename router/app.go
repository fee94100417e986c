package router

import (
	"context"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
	"github.com/ggoodman/mcp-resumable-http/sessions"
)

// Application is the session-level message processor. The router owns
// transport, ordering and replay; the application owns what messages mean.
//
// A handler that returns a *jsonrpc.Error has it sent to the client as an
// error response. Any other error, and any panic, is reported as an internal
// error without affecting other exchanges or sessions.
type Application interface {
	// Initialize performs the handshake and returns the initialize result.
	Initialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error)
	// HandleRequest processes a client request. Messages sent through out
	// are recorded on the request's stream ahead of the returned result.
	HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, out Outbound) (any, error)
	// HandleNotification processes a client notification.
	HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error
	// HandleResponse processes a client response to a server-initiated request.
	HandleResponse(ctx context.Context, sess *sessions.Session, res *jsonrpc.Response) error
}

// Outbound sends server-to-client messages on the stream of the request
// being handled.
type Outbound interface {
	Notify(ctx context.Context, method string, params any) error
}

// Sink is a transport channel that delivers recorded events to the client.
type Sink interface {
	// Open commits the channel (for HTTP, writes the streaming headers). It is
	// called once before the first Deliver.
	Open(ctx context.Context) error
	// Deliver writes one event.
	Deliver(ctx context.Context, ev eventlog.Event) error
}

// Disposition tells the transport how a continuation was handled.
type Disposition int

const (
	// Accepted means the message was consumed and nothing is streamed back.
	Accepted Disposition = iota + 1
	// Streamed means the sink was opened and carried the reply.
	Streamed
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Streamed:
		return "streamed"
	}
	return "unknown"
}

// Initialized is the outcome of an initialization exchange. SessionID is empty
// when the application rejected the handshake with a JSON-RPC error, in which
// case Response carries that error and no session exists.
type Initialized struct {
	SessionID string
	Response  *jsonrpc.Response
}
