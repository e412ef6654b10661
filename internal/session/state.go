// ABOUTME: Session binding state machine and the facts emitted on each transition.
// ABOUTME: Bindings fix the (sessionId, userId) pair a connection may speak for.

package session

import (
	"time"

	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/tasks"
)

// State is the position of a connection in the session state machine.
type State string

const (
	StateSocketConnected       State = "socket_connected"
	StateSessionBound          State = "session_bound"
	StateLiveForwarded         State = "live_forwarded"
	StateDispatching           State = "orchestrator_dispatching"
	StatePendingApproval       State = "orchestrator_pending_approval"
	StateOrchestratorCompleted State = "orchestrator_completed"
	StateOrchestratorFailed    State = "orchestrator_failed"
	StateTextFallback          State = "text_fallback"
)

// Binding is the identity a connection is locked to by its first message.
type Binding struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId,omitempty"`
	EstablishedAt time.Time `json:"establishedAt"`
}

// matches reports whether env speaks for the bound identity.
func (b Binding) matches(env envelope.Envelope) bool {
	return b.SessionID == env.SessionID && b.UserID == env.UserID
}

// StateFact is the payload of session.state envelopes.
type StateFact struct {
	State    State  `json:"state"`
	Previous State  `json:"previous,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// stateForTask maps a task status to the session state it puts the connection in.
func stateForTask(s tasks.Status) State {
	switch s {
	case tasks.StatusCompleted:
		return StateOrchestratorCompleted
	case tasks.StatusFailed:
		return StateOrchestratorFailed
	case tasks.StatusPendingApproval:
		return StatePendingApproval
	default:
		return StateDispatching
	}
}
