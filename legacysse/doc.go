// Package legacysse serves the HTTP+SSE transport that predates streamable
// HTTP.
//
// A client opens GET /sse. The server creates a session, announces the
// message endpoint as an "endpoint" event and then streams every server
// message as a "message" event:
//
//	event: endpoint
//	data: /messages?sessionId=0190d6f2-...
//
// The client POSTs each JSON-RPC message to that endpoint and receives 202
// Accepted; replies arrive on the stream. Closing the stream closes the
// session.
package legacysse
