// Package tasks tracks request lifecycles as Task records. Tasks move through
// queued, running and pending_approval to completed or failed, and are pruned a
// fixed retention window after reaching a terminal state.
package tasks
