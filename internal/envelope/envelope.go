// ABOUTME: JSON event envelope exchanged with clients over the live websocket.
// ABOUTME: Defines event families, metadata helpers, and outbound envelope construction.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types produced or consumed by the gateway itself.
const (
	TypeOrchestratorRequest  = "orchestrator.request"
	TypeOrchestratorResponse = "orchestrator.response"
	TypeSessionState         = "session.state"
	TypeTaskUpdated          = "task.updated"
	TypeBridgeError          = "bridge.error"
	TypeError                = "error"
)

// SourceGateway marks envelopes the gateway emits.
const SourceGateway = "gateway"

// ConversationNone marks out-of-band traffic.
const ConversationNone = "none"

// Metadata keys the gateway reads or writes.
const (
	MetaReplayKey      = "replayKey"
	MetaIdempotencyKey = "idempotencyKey"
	MetaReplayed       = "replayed"
	MetaCacheAgeMs     = "cacheAgeMs"
	MetaOutOfBand      = "oob"
	MetaReplyTo        = "replyTo"
	MetaTask           = "task"
)

// ErrMalformed indicates an inbound message is not a usable envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit of traffic between clients and the gateway.
type Envelope struct {
	ID           string                     `json:"id"`
	SessionID    string                     `json:"sessionId"`
	UserID       string                     `json:"userId,omitempty"`
	RunID        string                     `json:"runId,omitempty"`
	Conversation string                     `json:"conversation,omitempty"`
	Type         string                     `json:"type"`
	Source       string                     `json:"source"`
	TS           int64                      `json:"ts"`
	Payload      json.RawMessage            `json:"payload,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Parse decodes and validates an inbound envelope. Missing ids are filled in.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return env, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	if strings.TrimSpace(env.SessionID) == "" {
		return env, fmt.Errorf("%w: sessionId is required", ErrMalformed)
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	return env, nil
}

// New builds an outbound envelope for a session with the given payload.
func New(typ, sessionID string, payload any) Envelope {
	env := Envelope{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Source:    SourceGateway,
		TS:        time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"marshalError": err.Error()})
		}
		env.Payload = data
	}
	return env
}

// IsRealtime reports whether the type belongs to the realtime family.
func IsRealtime(typ string) bool {
	return strings.HasPrefix(typ, "live.") || strings.HasPrefix(typ, "conversation.item.")
}

// IsTask reports whether the type is a task request for the orchestrator.
func IsTask(typ string) bool {
	return typ == TypeOrchestratorRequest
}

// OutOfBand reports whether the envelope belongs to the side-channel scope.
func (e Envelope) OutOfBand() bool {
	return e.Conversation == ConversationNone
}

// Clone returns a deep copy so callers can tag it without mutating shared state.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]json.RawMessage, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// SetMeta stores a JSON-encodable value under key.
func (e *Envelope) SetMeta(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]json.RawMessage)
	}
	e.Metadata[key] = data
}

// MetaString returns the metadata value under key when it is a JSON string.
func (e Envelope) MetaString(key string) string {
	raw, ok := e.Metadata[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required for %s", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
