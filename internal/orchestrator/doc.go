// ABOUTME: Package orchestrator talks to the external collaborator that executes task requests.
// ABOUTME: Offers HTTP and gRPC transports behind one Client interface with bounded retries.

// Package orchestrator dispatches task request envelopes to the external
// orchestration collaborator and interprets its replies.
//
// # Overview
//
// The gateway never executes tasks itself. A session forwards each
// orchestrator.request envelope through a Client and feeds the reply back into
// the task registry. Two transports are available:
//
//   - HTTP: the envelope is POSTed as JSON and a response envelope is read back.
//   - gRPC: a hand-declared orchestrator.v1.Orchestrator/Dispatch method carried
//     with a JSON codec, so peers need no generated stubs.
//
// # Retries
//
// Every call runs under a RetryPolicy: each attempt gets its own timeout and
// transient failures are retried with exponential backoff up to MaxRetries.
// Transient means network errors, HTTP 5xx and 429, or gRPC Unavailable,
// DeadlineExceeded, ResourceExhausted and Aborted. Anything else is wrapped in
// ErrRejected and returned at once.
//
// # Replies
//
// The reply payload may carry status, approvalRequired and error fields.
// Status completed or failed ends the task; approvalRequired parks it in
// pending_approval. Any other reply leaves the task running.
package orchestrator
