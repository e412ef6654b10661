// ABOUTME: Package bridge holds one duplex upstream realtime connection per logical session.
// ABOUTME: It fails over across routes, translates events and watches connection health.

// Package bridge connects client realtime traffic to an upstream realtime inference
// service.
//
// A Bridge is shared by the whole process and owns the route health model. Each
// logical session opens a Session, which connects lazily on the first upstream event,
// retries across (model, credential profile) routes on failure, and emits client facts
// through a Sink. Truncate and delete events never reach the upstream; they only touch
// locally held turn state and succeed without a connection.
//
// The upstream sends cumulative snapshots. Sessions diff each snapshot against the
// turn's accumulated text and emit only the new suffix.
package bridge
