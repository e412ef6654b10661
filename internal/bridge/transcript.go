// ABOUTME: Turn bookkeeping: cumulative snapshot diffing and per-turn function call dedupe.
// ABOUTME: Deltas are computed on rune boundaries so multi-byte text is never split.

package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
)

// turn is one upstream response cycle. Its id is minted locally.
type turn struct {
	id    string
	text  string
	calls map[string]struct{}
}

func newTurn() *turn {
	return &turn{id: uuid.New().String(), calls: make(map[string]struct{})}
}

// observe folds a cumulative snapshot into the turn and returns the new suffix.
// A repeated snapshot returns "".
func (t *turn) observe(snapshot string) string {
	delta := suffixAfterCommonPrefix(t.text, snapshot)
	t.text = snapshot
	return delta
}

// firstCall reports whether the function call has not been seen in this turn yet.
func (t *turn) firstCall(name, callID string) bool {
	sum := sha256.Sum256([]byte(name + "\x00" + callID))
	key := hex.EncodeToString(sum[:])
	if _, seen := t.calls[key]; seen {
		return false
	}
	t.calls[key] = struct{}{}
	return true
}

// suffixAfterCommonPrefix returns the part of next after its longest common prefix
// with prev, cut on a rune boundary.
func suffixAfterCommonPrefix(prev, next string) string {
	i := 0
	for i < len(prev) && i < len(next) {
		pr, ps := utf8.DecodeRuneInString(prev[i:])
		nr, ns := utf8.DecodeRuneInString(next[i:])
		if pr != nr || ps != ns {
			break
		}
		i += ns
	}
	return next[i:]
}

// TextDelta is an incremental transcript suffix.
type TextDelta struct {
	TurnID string `json:"turnId"`
	Delta  string `json:"delta"`
}

// AudioDelta forwards an inline binary part unmodified.
type AudioDelta struct {
	TurnID   string `json:"turnId"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// TurnCompleted carries the full text of a finished turn. Length counts runes.
type TurnCompleted struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// FunctionCall is a deduplicated tool call from the model.
type FunctionCall struct {
	TurnID string          `json:"turnId"`
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ItemTruncated is the local fact for conversation.item.truncate.
type ItemTruncated struct {
	TurnID       string `json:"turnId"`
	AudioEndMs   int64  `json:"audioEndMs"`
	Reason       string `json:"reason"`
	ContentIndex int    `json:"contentIndex"`
	Scope        string `json:"scope"`
}

// ItemDeleted is the local fact for conversation.item.delete.
type ItemDeleted struct {
	TurnID    string `json:"turnId"`
	Reason    string `json:"reason"`
	HadActive bool   `json:"hadActiveTurn"`
	Scope     string `json:"scope"`
}

func completed(t *turn) TurnCompleted {
	return TurnCompleted{TurnID: t.id, Text: t.text, Length: utf8.RuneCountInString(t.text)}
}
