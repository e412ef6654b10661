// ABOUTME: Upstream realtime wire frames: setup, clientContent, realtimeInput and server frames.
// ABOUTME: Content parts are a closed set of tagged variants with an UnknownPart fallback.

package bridge

import (
	"encoding/json"
	"fmt"
)

// Part is one item of a content turn. The concrete types are TextPart, InlineDataPart,
// FunctionCallPart, FunctionResponsePart and UnknownPart.
type Part interface {
	isPart()
}

// TextPart carries plain text.
type TextPart struct {
	Text string
}

// InlineDataPart carries base64 binary data with its MIME type.
type InlineDataPart struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCallPart is a tool invocation requested by the model.
type FunctionCallPart struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponsePart returns a tool result to the model, keyed by call id.
type FunctionResponsePart struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response"`
}

// UnknownPart preserves a part the bridge does not understand.
type UnknownPart struct {
	Raw json.RawMessage
}

func (TextPart) isPart()             {}
func (InlineDataPart) isPart()       {}
func (FunctionCallPart) isPart()     {}
func (FunctionResponsePart) isPart() {}
func (UnknownPart) isPart()          {}

// Parts is a list of content parts with variant-aware JSON encoding.
type Parts []Part

type partWire struct {
	Text             *string               `json:"text,omitempty"`
	InlineData       *InlineDataPart       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCallPart     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponsePart `json:"functionResponse,omitempty"`
}

// MarshalJSON encodes each part as its single-key wire object.
func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		var w partWire
		switch v := p.(type) {
		case TextPart:
			w.Text = &v.Text
		case InlineDataPart:
			w.InlineData = &v
		case FunctionCallPart:
			w.FunctionCall = &v
		case FunctionResponsePart:
			w.FunctionResponse = &v
		case UnknownPart:
			out = append(out, v.Raw)
			continue
		default:
			return nil, fmt.Errorf("unsupported part type %T", p)
		}
		data, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes wire parts into their variants.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	parts := make(Parts, 0, len(raws))
	for _, raw := range raws {
		var w partWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		switch {
		case w.Text != nil:
			parts = append(parts, TextPart{Text: *w.Text})
		case w.InlineData != nil:
			parts = append(parts, *w.InlineData)
		case w.FunctionCall != nil:
			parts = append(parts, *w.FunctionCall)
		case w.FunctionResponse != nil:
			parts = append(parts, *w.FunctionResponse)
		default:
			parts = append(parts, UnknownPart{Raw: append(json.RawMessage(nil), raw...)})
		}
	}
	*ps = parts
	return nil
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts Parts  `json:"parts"`
}

// SetupFrame is the first frame sent on every new upstream connection.
type SetupFrame struct {
	Setup Setup `json:"setup"`
}

// Setup configures the upstream session.
type Setup struct {
	Model               string              `json:"model"`
	GenerationConfig    map[string]any      `json:"generationConfig"`
	RealtimeInputConfig RealtimeInputConfig `json:"realtimeInputConfig"`
	SystemInstruction   *Content            `json:"systemInstruction,omitempty"`
	Tools               []any               `json:"tools,omitempty"`
}

// RealtimeInputConfig controls how the upstream treats streamed input.
type RealtimeInputConfig struct {
	ActivityHandling string `json:"activityHandling,omitempty"`
}

// SpeechConfig selects the output voice.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

// VoiceConfig wraps the prebuilt voice selection.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoice `json:"prebuiltVoiceConfig"`
}

// PrebuiltVoice names a voice.
type PrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

// ClientContentFrame sends conversation turns.
type ClientContentFrame struct {
	ClientContent ClientContent `json:"clientContent"`
}

// ClientContent is the payload of a ClientContentFrame.
type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// RealtimeInputFrame streams media or activity signals.
type RealtimeInputFrame struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

// RealtimeInput is the payload of a RealtimeInputFrame.
type RealtimeInput struct {
	ActivityEnd *struct{}    `json:"activityEnd,omitempty"`
	MediaChunks []MediaChunk `json:"mediaChunks,omitempty"`
}

// MediaChunk is one base64 media blob.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ServerFrame is any frame received from the upstream.
type ServerFrame struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent   `json:"serverContent,omitempty"`
	ToolCall      *ToolCall        `json:"toolCall,omitempty"`
}

// ServerContent carries cumulative model output for the current turn.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

// Transcription is a cumulative transcript snapshot.
type Transcription struct {
	Text string `json:"text"`
}

// ToolCall lists function calls requested by the model.
type ToolCall struct {
	FunctionCalls []FunctionCallPart `json:"functionCalls"`
}
