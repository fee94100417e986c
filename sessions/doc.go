// Package sessions implements session identity and lifecycle for the
// resumable transport. A Session binds one logical client conversation to an
// identifier, a lifecycle state and an event log holding its outbound
// streams. The Registry is the only component that creates or destroys
// sessions.
//
// Layers & Roles
//
//	Registry -> creation, lookup, disposal, handshake timeout, idle expiry
//	Session  -> state machine, per-session serialization, in-flight tracking
//	eventlog -> ordered, replayable record of every outbound message
//
// # Lifecycle
//
//	Pending --Activate--> Active --close--> Closing --drained--> Closed
//	   |                    |
//	   +------close---------+-------abrupt close----------------> Closed
//
// A Pending session that does not complete its handshake within the
// configured window is closed and evicted by the Registry. Closed is terminal:
// every operation on a Closed session fails with ErrSessionClosed and the
// session id is never issued again.
//
// # Transport Events
//
// Transports report a dropped channel by handing a ChannelClosed event to
// Registry.HandleEvent instead of registering callbacks on the session, so
// lifecycle stays independent of any particular transport.
//
// # Registries Are Values
//
// There is no package-level registry. Construct one with NewRegistry at
// server start and call Shutdown when the server stops; independent
// registries can coexist in one process.
package sessions
