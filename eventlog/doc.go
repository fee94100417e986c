// Package eventlog defines the append-only event log used to replay
// server-to-client messages to a client that reconnects.
//
// A Log belongs to exactly one session and holds any number of streams. Every
// Append is assigned an EventID from one total order per Log. EventIDs are a
// millisecond timestamp plus a sequence number, and their natural comparison
// order is the order in which events were produced. Sorting randomly
// generated tokens does not reconstruct that order, so ids are never random.
//
// # Replay
//
// ReplayAfter(stream, X) returns exactly the events appended to stream after X,
// in append order. An absent or unknown X replays nothing; callers that need
// to detect data loss check StreamOf first.
//
// # Backends
//
//   - memorylog: in-process, non-durable reference implementation
//   - redislog: Redis Streams, one stream key per log
//
// Both are verified by the conformance suite in eventlogtest.
package eventlog
