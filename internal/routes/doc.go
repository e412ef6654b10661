// Package routes tracks the health of upstream routes.
//
// A route is a (model, credential profile) pair. Each axis of the pair keeps its own
// last-use time, soft cooldown deadline, hard disable deadline and failure count, and a
// route is ready only when both axes are. Health.Pick prefers the least recently used
// ready route ("ready_lru"); when nothing is ready it returns the route that becomes
// ready first ("earliest_ready") together with the wait. A single-route matrix always
// yields "active_fallback".
//
// Failures are classified from the handshake status by a table-driven Classifier and
// penalized per axis by a Policy, so a credential profile can be disabled for billing
// while its model is merely cooled down.
package routes
