// ABOUTME: Package session is the per-connection core between client sockets and the backends.
// ABOUTME: It binds connections, forwards realtime events and dispatches task requests.

// Package session turns a client socket into an ordered stream of handled envelopes.
//
// # Connections
//
// Core.Accept returns a Conn for each socket. Inbound messages are pushed with
// Conn.Enqueue into a bounded queue that exactly one goroutine (Conn.Run) drains,
// so every message is fully handled before the next one starts, even across
// awaited upstream and orchestrator I/O. A full queue answers queue_full rather
// than blocking the socket reader.
//
// # Binding
//
// The first valid envelope binds the connection to its sessionId and userId.
// Later envelopes for another session or user are rejected with session_mismatch
// and the connection stays open. With auth enabled the token subject fills an
// empty userId and must match a supplied one.
//
// # Routing
//
// Realtime types (live.*, conversation.item.*) go to the connection's bridge
// session. When the upstream is unconfigured or unreachable the connection moves
// to text_fallback and refuses further upstream events without redialing.
//
// orchestrator.request envelopes run through the replay cache and the task
// registry. Each lifecycle transition emits a task.updated fact followed by a
// session.state fact. Requests with conversation "none" are out of band: they
// skip both and their response carries oob and replyTo metadata.
package session
