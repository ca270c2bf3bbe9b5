package session

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
)

// InboundSink converts caller µ-law audio into audioInput events for the
// session. It wraps one caller utterance: the first Write opens the content
// item and Close ends it together with the prompt.
type InboundSink struct {
	handler    *Handler
	sink       EventSink
	promptName string
	tee        io.Writer
	logger     zerolog.Logger

	// mu guards contentName and closed only; it is never held across a
	// call into the handler or the sink
	mu          sync.Mutex
	contentName string
	closed      bool
}

// InboundSinkOptions configures an InboundSink
type InboundSinkOptions struct {
	// Tee receives the converted PCM16 of every write (debug capture)
	Tee    io.Writer
	Logger zerolog.Logger
}

// NewInboundSink creates the caller audio leg for promptName
func NewInboundSink(handler *Handler, sink EventSink, promptName string, opts InboundSinkOptions) *InboundSink {
	return &InboundSink{
		handler:    handler,
		sink:       sink,
		promptName: promptName,
		tee:        opts.Tee,
		logger:     opts.Logger.With().Str("component", "inbound_sink").Str("prompt_name", promptName).Logger(),
	}
}

// Write forwards one buffer of caller µ-law audio. Writes must come from a
// single goroutine; Close may be called from another and does not wait for a
// write stalled on the session stream.
func (s *InboundSink) Write(ulaw []byte) (int, error) {
	if len(ulaw) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, audio.ErrStreamClosed
	}
	contentName := s.contentName
	opening := contentName == ""
	if opening {
		contentName = uuid.NewString()
		s.contentName = contentName
	}
	s.mu.Unlock()

	if opening {
		cfg := event.TelephonyAudio("")
		err := s.sink.Send(event.ContentStart{
			PromptName:              s.promptName,
			ContentName:             contentName,
			Type:                    event.ContentAudio,
			Interactive:             true,
			Role:                    event.RoleUser,
			AudioInputConfiguration: &cfg,
		})
		if err != nil {
			s.mu.Lock()
			if s.contentName == contentName {
				s.contentName = ""
			}
			s.mu.Unlock()
			return 0, fmt.Errorf("failed to start audio content: %w", err)
		}
		s.handler.SetCurrentUserContentName(contentName)
	}

	pcm := audio.MulawToPCM16(ulaw)
	if s.tee != nil {
		if _, err := s.tee.Write(pcm); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write debugging audio input")
		}
	}

	s.handler.ProcessUserAudio(pcm)

	err := s.sink.Send(event.AudioInput{
		PromptName:  s.promptName,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send audio input: %w", err)
	}
	return len(ulaw), nil
}

// Close ends the utterance and the prompt, then completes the outbound
// stream. Later calls are no-ops.
func (s *InboundSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	contentName := s.contentName
	s.contentName = ""
	s.mu.Unlock()

	if contentName != "" {
		if err := s.sink.Send(event.ContentEnd{PromptName: s.promptName, ContentName: contentName}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send content end")
		}
		s.handler.ClearCurrentUserContentName()
	}

	if err := s.sink.Send(event.PromptEnd{PromptName: s.promptName}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send prompt end")
	}

	if err := s.sink.Complete(); err != nil {
		return fmt.Errorf("failed to complete outbound stream: %w", err)
	}
	return nil
}
