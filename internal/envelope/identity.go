// ABOUTME: Replay key and content fingerprint derivation for task-typed envelopes.
// ABOUTME: Fingerprints hash canonical JSON so key order and whitespace do not matter.

package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
)

// ReplayKey returns the caller-chosen identity for idempotent replay, scoped to the
// session and user so two callers cannot collide. The replayKey metadata wins over
// idempotencyKey, which wins over the envelope id.
func (e Envelope) ReplayKey() string {
	key := e.MetaString(MetaReplayKey)
	if key == "" {
		key = e.MetaString(MetaIdempotencyKey)
	}
	if key == "" {
		key = e.ID
	}
	return e.SessionID + ":" + e.UserID + ":" + key
}

// Fingerprint hashes the semantically relevant content of a request: its type and
// payload. Ids, timestamps and metadata do not participate.
func (e Envelope) Fingerprint() string {
	var payload any
	if len(e.Payload) > 0 {
		var err error
		if payload, err = decodeExact(e.Payload); err != nil {
			payload = string(e.Payload)
		}
	}
	// encoding/json sorts map keys, which makes the re-encoding canonical.
	canonical, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{e.Type, payload})

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeExact decodes a single JSON value keeping numbers as their literal text,
// so integers beyond float64 precision still fingerprint distinctly.
func decodeExact(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// Intent extracts the optional intent field from a task payload.
func (e Envelope) Intent() string {
	var p struct {
		Intent string `json:"intent"`
	}
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &p) != nil {
		return ""
	}
	return p.Intent
}
