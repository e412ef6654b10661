// Package auth provides optional JWT authentication for live-gateway.
//
// # Tokens
//
// Clients and operators present HS256 JWTs signed with auth.jwt_secret. The sub
// claim becomes the subject; an optional roles claim grants operator access.
// When no secret is configured every endpoint is open and no subject is set.
//
// # Websocket Clients
//
// Browsers cannot attach headers to a websocket upgrade, so the token may also be
// passed as the access_token query parameter. The subject fills a missing userId
// on client envelopes and must match any userId the client does send.
//
// # Operator Endpoints
//
// Mutating operator endpoints (drain, warmup) are wrapped with
// RequireOperatorHTTP, which needs the operator or admin role:
//
//	mux.Handle("POST /api/drain", HTTPAuthMiddleware(v)(RequireOperatorHTTP(v)(h)))
package auth
