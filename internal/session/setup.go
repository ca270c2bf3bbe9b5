package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
)

// SessionSetup carries what is sent when a session is opened
type SessionSetup struct {
	Inference           event.InferenceConfiguration
	GuardrailIdentifier string
	GuardrailVersion    string
	VoiceID             string
	SystemPrompt        string
	Tools               []event.ToolSpec
}

// Begin attaches sink as the outbound stream and opens the session: session
// start, prompt start and the system prompt. An empty promptName is replaced
// by a generated one, which is returned.
func (h *Handler) Begin(sink EventSink, promptName string, setup SessionSetup) (string, error) {
	if promptName == "" {
		promptName = uuid.NewString()
	}
	h.SetOutbound(sink)
	h.promptName.Store(promptName)

	events := []event.Outbound{
		event.NewSessionStart(setup.Inference, setup.GuardrailIdentifier, setup.GuardrailVersion),
		promptStart(promptName, setup),
	}
	if setup.SystemPrompt != "" {
		contentName := uuid.NewString()
		events = append(events,
			event.ContentStart{
				PromptName:             promptName,
				ContentName:            contentName,
				Type:                   event.ContentText,
				Interactive:            true,
				Role:                   event.RoleSystem,
				TextInputConfiguration: &event.MediaConfiguration{MediaType: "text/plain"},
			},
			event.TextContent{
				PromptName:  promptName,
				ContentName: contentName,
				Content:     setup.SystemPrompt,
			},
			event.ContentEnd{
				PromptName:  promptName,
				ContentName: contentName,
			},
		)
	}

	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return promptName, fmt.Errorf("failed to send %s: %w", ev.Kind(), err)
		}
	}

	h.logger.Info().Str("prompt_name", promptName).Int("tools", len(setup.Tools)).Msg("Session opened")
	return promptName, nil
}

func promptStart(promptName string, setup SessionSetup) event.PromptStart {
	ps := event.PromptStart{
		PromptName:                 promptName,
		TextOutputConfiguration:    event.MediaConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration:   event.TelephonyAudio(setup.VoiceID),
		ToolUseOutputConfiguration: event.MediaConfiguration{MediaType: "application/json"},
	}
	if len(setup.Tools) > 0 {
		ps.ToolConfiguration = &event.ToolConfiguration{Tools: setup.Tools}
	}
	return ps
}
