// Package router classifies inbound exchanges and dispatches them to
// sessions held by a sessions.Registry.
//
// Classification is pure: Classify inspects only the transport verb, the
// session id, the Last-Event-ID and the decoded body, and decides which of
// four exchanges it is looking at:
//
//   - InitializeExchange: no session id and an initialize request.
//   - ContinuationExchange: a message for an existing session.
//   - TerminationExchange: a request to close a session.
//   - ResumptionExchange: a request to re-establish the push channel.
//
// Anything else is rejected with a structured *Error whose Kind tells the
// client how to recover. Unknown or closed session ids never create sessions.
//
// Every outbound message produced while serving a request is appended to the
// session's event log before it is delivered, so a client that drops its
// connection can resume with Last-Event-ID and receive exactly what it
// missed, in order.
package router
