// ABOUTME: Package envelope defines the JSON envelope clients exchange with the gateway.
// ABOUTME: It also carries caller-facing error codes and replay identity helpers.

// Package envelope holds the wire shape of client traffic. Every message on the live
// websocket is an Envelope; realtime types (live.*, conversation.item.*) go to the
// protocol bridge and orchestrator.request goes to the orchestration collaborator.
package envelope
