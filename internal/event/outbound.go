package event

import (
	"encoding/json"
	"fmt"
)

// Outbound is an event sent to the session. Kind is the envelope key.
type Outbound interface {
	Kind() string
}

// InferenceConfiguration holds the generation parameters of a session
type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// GuardrailConfiguration attaches a content guardrail to the session
type GuardrailConfiguration struct {
	GuardrailIdentifier string `json:"guardrailIdentifier"`
	GuardrailVersion    string `json:"guardrailVersion"`
	Trace               bool   `json:"trace"`
}

// SessionStart opens the session
type SessionStart struct {
	InferenceConfiguration InferenceConfiguration  `json:"inferenceConfiguration"`
	GuardrailConfiguration *GuardrailConfiguration `json:"guardrailConfiguration,omitempty"`
}

// NewSessionStart builds a SessionStart. A guardrail is attached only when
// identifier is non-empty; an empty version defaults to DRAFT.
func NewSessionStart(inference InferenceConfiguration, guardrailIdentifier, guardrailVersion string) SessionStart {
	ev := SessionStart{InferenceConfiguration: inference}
	if guardrailIdentifier != "" {
		if guardrailVersion == "" {
			guardrailVersion = "DRAFT"
		}
		ev.GuardrailConfiguration = &GuardrailConfiguration{
			GuardrailIdentifier: guardrailIdentifier,
			GuardrailVersion:    guardrailVersion,
			Trace:               true,
		}
	}
	return ev
}

// MediaConfiguration names the media type of a text or tool payload
type MediaConfiguration struct {
	MediaType string `json:"mediaType"`
}

// AudioConfiguration describes an LPCM audio stream
type AudioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// TelephonyAudio returns the 8 kHz, 16-bit, mono, base64 LPCM profile used in
// both directions.
func TelephonyAudio(voiceID string) AudioConfiguration {
	return AudioConfiguration{
		MediaType:       "audio/lpcm",
		SampleRateHertz: 8000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         voiceID,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}

// ToolSpec advertises one tool to the session
type ToolSpec struct {
	ToolSpec ToolSpecBody `json:"toolSpec"`
}

// ToolSpecBody is the body of a ToolSpec. InputSchema.JSON is a JSON
// schema serialized to a string.
type ToolSpecBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema wraps a serialized JSON schema
type ToolInputSchema struct {
	JSON string `json:"json"`
}

// ToolConfiguration lists the tools available to the prompt
type ToolConfiguration struct {
	Tools []ToolSpec `json:"tools"`
}

// PromptStart opens a prompt and declares its output formats
type PromptStart struct {
	PromptName                 string             `json:"promptName"`
	TextOutputConfiguration    MediaConfiguration `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration MediaConfiguration `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *ToolConfiguration `json:"toolConfiguration,omitempty"`
}

// PromptEnd closes a prompt
type PromptEnd struct {
	PromptName string `json:"promptName"`
}

// ToolResultInputConfiguration identifies the tool call a TOOL content answers
type ToolResultInputConfiguration struct {
	ToolUseID              string             `json:"toolUseId"`
	Type                   string             `json:"type"`
	TextInputConfiguration MediaConfiguration `json:"textInputConfiguration"`
}

// ContentStart opens an outbound content item
type ContentStart struct {
	PromptName                   string                        `json:"promptName"`
	ContentName                  string                        `json:"contentName"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role"`
	AudioInputConfiguration      *AudioConfiguration           `json:"audioInputConfiguration,omitempty"`
	TextInputConfiguration       *MediaConfiguration           `json:"textInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

// ContentEnd closes an outbound content item
type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// AudioInput carries base64 encoded 8 kHz PCM16 caller audio
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// TextContent carries text such as the system prompt. It is sent as textInput.
type TextContent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolResult answers a ToolUse
type ToolResult struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

// InterruptionUser is the only interruption type
const InterruptionUser = "USER_INTERRUPTION"

// Interruption tells the session the caller barged in
type Interruption struct {
	PromptName string `json:"promptName"`
	Type       string `json:"type"`
}

func (SessionStart) Kind() string { return "sessionStart" }
func (PromptStart) Kind() string { return "promptStart" }
func (PromptEnd) Kind() string { return "promptEnd" }
func (ContentStart) Kind() string { return "contentStart" }
func (ContentEnd) Kind() string { return "contentEnd" }
func (AudioInput) Kind() string { return "audioInput" }
func (TextContent) Kind() string { return "textInput" }
func (ToolResult) Kind() string { return "toolResult" }
func (Interruption) Kind() string { return "interruption" }

// SessionEnd closes the session after the last prompt
type SessionEnd struct{}

func (SessionEnd) Kind() string { return "sessionEnd" }

// Encode wraps ev in its `{"event":{"<kind>":{...}}}` envelope
func Encode(ev Outbound) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(map[string]map[string]json.RawMessage{
		"event": {ev.Kind(): body},
	})
}
