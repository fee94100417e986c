// Package streaminghttp implements the streamable HTTP transport. It mounts
// as a standard net/http handler on a single endpoint and maps HTTP onto the
// exchanges understood by package router.
//
// Verbs
//   - POST without Mcp-Session-Id carrying "initialize" opens a session. The
//     JSON response carries the new id in the Mcp-Session-Id header.
//   - POST with Mcp-Session-Id delivers one message. Requests are answered
//     with a text/event-stream response whose events carry the request's
//     outbound messages, ending with its JSON-RPC response. Notifications and
//     responses are acknowledged with 202 Accepted.
//   - GET with Mcp-Session-Id (re)opens the push channel. With Last-Event-ID
//     the events recorded after that id are replayed first.
//   - DELETE with Mcp-Session-Id terminates the session.
//
// Construction
//
//	reg := sessions.NewRegistry(memorylog.Backend{})
//	rt := router.New(reg, app)
//	h, err := streaminghttp.New("https://api.example/mcp", rt)
//
// # Resumption
//
// Every outbound message is recorded on the session's event log before it is
// written to the wire, and the SSE id line carries its event id. A client that
// loses a stream reconnects with GET and Last-Event-ID and receives exactly
// the events it missed, in order, followed by live events. Dropping a
// connection never terminates the session.
//
// # Error Handling
//
// Routing failures are JSON-RPC error responses with a null id, for example:
//
//	{"jsonrpc":"2.0","error":{"code":-32600,"message":"Bad Request: No valid session ID provided","data":{"kind":"invalid_session","reinitialize":true}},"id":null}
//
// The HTTP status follows the kind: 400 for missing, invalid, malformed or
// unrecognized exchanges, 404 for closed sessions and unknown event ids, 409
// when the stream already has a reader and 500 for internal failures.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
