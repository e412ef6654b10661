// ABOUTME: Pure mappings from client realtime events to upstream wire frames.
// ABOUTME: Also parses data URLs into MIME type and base64 payload.

package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client → bridge event types.
const (
	EventText               = "live.text"
	EventItemCreate         = "conversation.item.create"
	EventInputCommit        = "live.input.commit"
	EventTurnEnd            = "live.turn.end"
	EventImage              = "live.image"
	EventAudio              = "live.audio"
	EventFrame              = "live.frame"
	EventFunctionCallOutput = "conversation.item.function_call_output"
	EventItemTruncate       = "conversation.item.truncate"
	EventItemDelete         = "conversation.item.delete"
)

// Bridge → client event types.
const (
	EventInputCommitted     = "live.input.committed"
	EventTurnEndSent        = "live.turn_end.sent"
	EventFunctionOutputSent = "live.function_output.sent"
	EventItemTruncated      = "conversation.item.truncated"
	EventItemDeleted        = "conversation.item.deleted"
	EventTextDelta          = "live.text.delta"
	EventAudioDelta         = "live.audio.delta"
	EventTurnCompleted      = "live.turn.completed"
	EventFunctionCall       = "live.function_call"
	EventHealthDegraded     = "live.health.degraded"
	EventReconnectForced    = "live.reconnect.forced"
	EventHealthRecovered    = "live.health.recovered"
)

// ScopeSessionLocal marks facts that only affect bridge-held state.
const ScopeSessionLocal = "session_local"

// ErrUnsupportedEvent indicates a realtime event type the bridge cannot translate.
var ErrUnsupportedEvent = errors.New("unsupported realtime event")

// ErrInvalidPayload indicates a realtime event payload could not be translated.
var ErrInvalidPayload = errors.New("invalid realtime payload")

// ClientEvent is one realtime event from the client.
type ClientEvent struct {
	Type    string
	Payload json.RawMessage
}

// Event is a fact emitted to the client.
type Event struct {
	Type    string
	Payload any
}

// LocalOnly reports whether the event type is handled without the upstream.
func LocalOnly(typ string) bool {
	return typ == EventItemTruncate || typ == EventItemDelete
}

// outbound is the result of translating one client event.
type outbound struct {
	frame any
	// awaitsReply marks frames after which the upstream is expected to respond.
	awaitsReply bool
	// ack is emitted once the frame has been sent.
	ack *Event
}

type textPayload struct {
	Text         string `json:"text"`
	TurnComplete *bool  `json:"turnComplete"`
}

// ContentItem is one item of a structured turn. Text items carry Text; binary items
// carry Data as a data URL (or bare base64 with MIMEType).
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

type itemCreatePayload struct {
	Item struct {
		Role    string        `json:"role"`
		Content []ContentItem `json:"content"`
	} `json:"item"`
	TurnComplete *bool `json:"turnComplete"`
}

type mediaPayload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

type functionOutputPayload struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output"`
}

// FunctionOutputSent acknowledges a forwarded function result.
type FunctionOutputSent struct {
	CallID string `json:"callId"`
	Bytes  int    `json:"bytes"`
}

// Ack is the payload of commit and turn-end acknowledgements.
type Ack struct {
	Type string `json:"type"`
}

// translate maps a client event to its upstream frame.
func translate(ev ClientEvent) (outbound, error) {
	switch ev.Type {
	case EventText:
		var p textPayload
		if err := decode(ev, &p); err != nil {
			return outbound{}, err
		}
		complete := boolOr(p.TurnComplete, true)
		return outbound{
			frame: ClientContentFrame{ClientContent: ClientContent{
				Turns:        []Content{{Role: "user", Parts: Parts{TextPart{Text: p.Text}}}},
				TurnComplete: complete,
			}},
			awaitsReply: complete,
		}, nil

	case EventItemCreate:
		var p itemCreatePayload
		if err := decode(ev, &p); err != nil {
			return outbound{}, err
		}
		parts, err := contentParts(p.Item.Content)
		if err != nil {
			return outbound{}, err
		}
		role := p.Item.Role
		if role == "" {
			role = "user"
		}
		complete := boolOr(p.TurnComplete, true)
		return outbound{
			frame: ClientContentFrame{ClientContent: ClientContent{
				Turns:        []Content{{Role: role, Parts: parts}},
				TurnComplete: complete,
			}},
			awaitsReply: complete,
		}, nil

	case EventInputCommit, EventTurnEnd:
		ackType := EventInputCommitted
		if ev.Type == EventTurnEnd {
			ackType = EventTurnEndSent
		}
		return outbound{
			frame:       RealtimeInputFrame{RealtimeInput: RealtimeInput{ActivityEnd: &struct{}{}}},
			awaitsReply: true,
			ack:         &Event{Type: ackType, Payload: Ack{Type: ev.Type}},
		}, nil

	case EventImage, EventAudio, EventFrame:
		var p mediaPayload
		if err := decode(ev, &p); err != nil {
			return outbound{}, err
		}
		mime, data, err := parseDataURL(p.Data, p.MIMEType)
		if err != nil {
			return outbound{}, err
		}
		return outbound{
			frame: RealtimeInputFrame{RealtimeInput: RealtimeInput{
				MediaChunks: []MediaChunk{{MIMEType: mime, Data: data}},
			}},
		}, nil

	case EventFunctionCallOutput:
		var p functionOutputPayload
		if err := decode(ev, &p); err != nil {
			return outbound{}, err
		}
		if p.CallID == "" {
			return outbound{}, fmt.Errorf("%w: callId is required", ErrInvalidPayload)
		}
		return outbound{
			frame: ClientContentFrame{ClientContent: ClientContent{
				Turns: []Content{{Role: "user", Parts: Parts{FunctionResponsePart{
					ID:       p.CallID,
					Name:     p.Name,
					Response: functionResponseBody(p.Output),
				}}}},
				TurnComplete: true,
			}},
			awaitsReply: true,
			ack: &Event{Type: EventFunctionOutputSent, Payload: FunctionOutputSent{
				CallID: p.CallID,
				Bytes:  len(p.Output),
			}},
		}, nil
	}
	return outbound{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
}

func contentParts(items []ContentItem) (Parts, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item has no content", ErrInvalidPayload)
	}
	parts := make(Parts, 0, len(items))
	for i, item := range items {
		switch item.Type {
		case "text", "input_text":
			parts = append(parts, TextPart{Text: item.Text})
		case "image", "input_image", "audio", "input_audio", "inline_data":
			src := item.Data
			if src == "" {
				src = item.URL
			}
			mime, data, err := parseDataURL(src, item.MIMEType)
			if err != nil {
				return nil, fmt.Errorf("content[%d]: %w", i, err)
			}
			parts = append(parts, InlineDataPart{MIMEType: mime, Data: data})
		default:
			return nil, fmt.Errorf("%w: content[%d] has unknown type %q", ErrInvalidPayload, i, item.Type)
		}
	}
	return parts, nil
}

// functionResponseBody passes an object output through verbatim and wraps any
// other JSON value so the upstream always receives an object.
func functionResponseBody(output json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(output))
	if strings.HasPrefix(trimmed, "{") {
		return output
	}
	if trimmed == "" {
		trimmed = "null"
	}
	return json.RawMessage(`{"output":` + trimmed + `}`)
}

// parseDataURL splits "data:<mime>;base64,<data>". Bare base64 is accepted when a
// MIME type is supplied separately.
func parseDataURL(src, fallbackMIME string) (string, string, error) {
	if src == "" {
		return "", "", fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}

	mime, data := fallbackMIME, src
	if rest, ok := strings.CutPrefix(src, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return "", "", fmt.Errorf("%w: data url has no payload", ErrInvalidPayload)
		}
		mt, enc, _ := strings.Cut(header, ";")
		if enc != "base64" {
			return "", "", fmt.Errorf("%w: data url must be base64 encoded", ErrInvalidPayload)
		}
		if mt != "" {
			mime = mt
		}
		data = body
	}
	if mime == "" {
		return "", "", fmt.Errorf("%w: missing mime type", ErrInvalidPayload)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", "", fmt.Errorf("%w: bad base64: %v", ErrInvalidPayload, err)
	}
	return mime, data, nil
}

func decode(ev ClientEvent, v any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
	}
	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
