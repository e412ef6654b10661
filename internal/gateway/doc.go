// Package gateway assembles a live-gateway process from configuration.
//
// # Overview
//
// New builds every long-lived component and wires them together:
//
//   - routes.Health and routes.Classifier from the upstream section
//   - bridge.Bridge with the setup patch file and a diagnostic recorder that
//     feeds both the prometheus collectors and the SQLite ledger
//   - the orchestrator client (HTTP or gRPC)
//   - tasks.Registry and the replay cache (memory or redis)
//   - session.Core, which owns per-connection behavior
//
// Nothing listens until Run. Run serves HTTP on server.http_addr, or on a
// tsnet node when tailscale is enabled, and returns after a graceful shutdown
// once its context is canceled.
//
// # Live endpoint
//
// server.live_path (default /v1/live) upgrades to a websocket. Every text or
// binary frame is handed to the connection's bounded queue. When auth is
// enabled the bearer token (header or access_token query) is required and its
// subject becomes the connection's user.
//
// While draining, new sockets receive a draining error and are closed with
// code 4503 (CloseDraining). Open sockets stay up; session.Core refuses their
// new messages.
//
// # Operator endpoints
//
//   - GET /health, GET /health/ready, GET /version
//   - GET /metrics (prometheus exposition, metrics.path)
//   - GET /api/status, GET /api/metrics, GET /api/metrics/samples
//   - GET /api/tasks (?all=true), GET /api/tasks/{id}
//   - GET /api/diagnostics (?session_id, kind, since, limit)
//   - POST /api/drain ({"draining": false} to resume), POST /api/warmup
//
// With auth enabled /api reads need a valid token and the two POST endpoints
// need the operator or admin role.
package gateway
