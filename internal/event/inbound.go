// Package event defines the closed set of events exchanged with the
// speech-to-speech session and their JSON wire encoding.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when an inbound envelope carries an event kind
// the gateway does not understand.
var ErrUnknownEvent = errors.New("unknown event kind")

// Role values carried by content events
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleSystem    = "SYSTEM"
	RoleTool      = "TOOL"
)

// Content types
const (
	ContentText  = "TEXT"
	ContentAudio = "AUDIO"
	ContentTool  = "TOOL"
)

// Inbound is an event received from the session. The set of implementations
// is closed; consumers type-switch over it.
type Inbound interface {
	inbound()
}

// CompletionStart opens an AI turn
type CompletionStart struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

// ContentStarted reports that the session opened a content item
type ContentStarted struct {
	SessionID             string `json:"sessionId"`
	PromptName            string `json:"promptName"`
	CompletionID          string `json:"completionId"`
	ContentID             string `json:"contentId"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// TextInput is a transcript of caller speech
type TextInput struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

// TextOutput is text produced by the session. Caller transcripts arrive as
// TextOutput with the USER role as well.
type TextOutput struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
}

// AudioOutput carries a base64 encoded chunk of 8 kHz PCM16 AI speech
type AudioOutput struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
}

// ContentEnded reports that the session closed a content item
type ContentEnded struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Type         string `json:"type"`
	StopReason   string `json:"stopReason,omitempty"`
}

// CompletionEnd closes an AI turn
type CompletionEnd struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason,omitempty"`
}

// ToolUse asks the gateway to run a tool and reply with a ToolResult
type ToolUse struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	ToolUseID    string `json:"toolUseId"`
	ToolName     string `json:"toolName"`
	Content      string `json:"content"`
}

// Usage reports token accounting for the session
type Usage struct {
	SessionID         string `json:"sessionId"`
	PromptName        string `json:"promptName"`
	CompletionID      string `json:"completionId"`
	TotalInputTokens  int    `json:"totalInputTokens"`
	TotalOutputTokens int    `json:"totalOutputTokens"`
	TotalTokens       int    `json:"totalTokens"`
}

func (CompletionStart) inbound() {}
func (ContentStarted) inbound()  {}
func (TextInput) inbound()       {}
func (TextOutput) inbound()      {}
func (AudioOutput) inbound()     {}
func (ContentEnded) inbound()    {}
func (CompletionEnd) inbound()   {}
func (ToolUse) inbound()         {}
func (Usage) inbound()           {}

type envelope struct {
	Event map[string]json.RawMessage `json:"event"`
}

// DecodeInbound decodes a single `{"event":{"<kind>":{...}}}` envelope
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if len(env.Event) != 1 {
		return nil, fmt.Errorf("event envelope must carry exactly one kind, got %d", len(env.Event))
	}

	for kind, body := range env.Event {
		switch kind {
		case "completionStart":
			return decodeAs[CompletionStart](kind, body)
		case "contentStart":
			return decodeAs[ContentStarted](kind, body)
		case "textInput":
			return decodeAs[TextInput](kind, body)
		case "textOutput":
			return decodeAs[TextOutput](kind, body)
		case "audioOutput":
			return decodeAs[AudioOutput](kind, body)
		case "contentEnd":
			return decodeAs[ContentEnded](kind, body)
		case "completionEnd":
			return decodeAs[CompletionEnd](kind, body)
		case "toolUse":
			return decodeAs[ToolUse](kind, body)
		case "usageEvent":
			return decodeAs[Usage](kind, body)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
		}
	}
	return nil, ErrUnknownEvent
}

func decodeAs[T Inbound](kind string, body json.RawMessage) (Inbound, error) {
	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", kind, err)
	}
	return ev, nil
}
