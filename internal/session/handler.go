// Package session implements the gateway side of a speech-to-speech
// conversation: the event state machine, barge-in and the inbound audio leg.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
	"github.com/derekja/sample-s2s-voip-gateway/internal/observability"
)

// DefaultResumeDelay is how long playback stays muted after a barge-in
const DefaultResumeDelay = 500 * time.Millisecond

var errNoOutbound = errors.New("outbound event sink not set")

// EventSink receives events bound for the session
type EventSink interface {
	Send(ev event.Outbound) error
	// Complete signals that no further events will be sent
	Complete() error
}

// ToolInvoker runs a tool on behalf of the session and writes its result
// into output
type ToolInvoker interface {
	Invoke(ctx context.Context, use event.ToolUse, output map[string]any) error
}

// ConversationLog records a human-readable transcript
type ConversationLog interface {
	LogUserInput(text string)
	LogAssistantResponse(text string)
	LogSystemMessage(text string)
	LogConversationEnd()
}

// Options configures a Handler
type Options struct {
	Queue           *audio.OutboundQueue
	VAD             *audio.VoiceActivityDetector
	Tools           ToolInvoker
	ConversationLog ConversationLog
	Assets          audio.AssetLoader

	BargeInEnabled        bool
	ResumeDelay           time.Duration
	SendInterruptionEvent bool

	GreetingFile     string
	ErrorAudioFile   string
	DebugAudioOutput bool

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Handler is the per-call session state machine. It consumes inbound session
// events, drives the outbound audio queue and coordinates barge-in.
type Handler struct {
	queue   *audio.OutboundQueue
	vad     *audio.VoiceActivityDetector
	tools   ToolInvoker
	convlog ConversationLog
	assets  audio.AssetLoader
	logger  zerolog.Logger
	metrics *observability.Metrics

	bargeInEnabled        bool
	resumeDelay           time.Duration
	sendInterruptionEvent bool
	greetingFile          string
	errorAudioFile        string
	debugAudioOutput      bool

	outboundMu sync.RWMutex
	outbound   EventSink

	promptName             atomicString
	currentUserContentName atomicString
	isGenerating           atomic.Bool
	playedErrorSound       atomic.Bool

	// lifetime context for cue playback; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	timerMu     sync.Mutex
	resumeTimer *resumeTask
	closed      bool
}

// resumeTask is a pending delayed Resume. done is closed once the callback
// has finished or decided not to run.
type resumeTask struct {
	timer *time.Timer
	done  chan struct{}
}

// NewHandler creates a session handler
func NewHandler(opts Options) *Handler {
	if opts.Queue == nil {
		opts.Queue = audio.NewOutboundQueue(audio.QueueOptions{Logger: opts.Logger})
	}
	if opts.VAD == nil {
		opts.VAD = audio.NewVoiceActivityDetector(audio.DefaultVADConfig(), opts.Logger)
	}
	if opts.ConversationLog == nil {
		opts.ConversationLog = nopConversationLog{}
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.ErrorAudioFile == "" {
		opts.ErrorAudioFile = "error.wav"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		queue:                 opts.Queue,
		vad:                   opts.VAD,
		tools:                 opts.Tools,
		convlog:               opts.ConversationLog,
		assets:                opts.Assets,
		logger:                opts.Logger.With().Str("component", "session_handler").Logger(),
		metrics:               opts.Metrics,
		bargeInEnabled:        opts.BargeInEnabled,
		resumeDelay:           opts.ResumeDelay,
		sendInterruptionEvent: opts.SendInterruptionEvent,
		greetingFile:          opts.GreetingFile,
		errorAudioFile:        opts.ErrorAudioFile,
		debugAudioOutput:      opts.DebugAudioOutput,
		ctx:                   ctx,
		cancel:                cancel,
	}
}

// SetOutbound sets the sink for events bound for the session
func (h *Handler) SetOutbound(sink EventSink) {
	h.outboundMu.Lock()
	h.outbound = sink
	h.outboundMu.Unlock()
}

func (h *Handler) send(ev event.Outbound) error {
	h.outboundMu.RLock()
	sink := h.outbound
	h.outboundMu.RUnlock()
	if sink == nil {
		return errNoOutbound
	}
	return sink.Send(ev)
}

// OnStart is called once the session is established. It plays the greeting
// cue if one is available.
func (h *Handler) OnStart() {
	h.logger.Info().Msg("Session started, playing greeting")
	h.convlog.LogSystemMessage("Call connected - speech-to-speech session started")

	if h.greetingFile == "" {
		return
	}
	if err := h.playAudioFile(h.greetingFile); err != nil {
		if errors.Is(err, audio.ErrAssetNotFound) {
			h.logger.Info().Str("file", h.greetingFile).Msg("Greeting not found, no greeting will be sent")
			return
		}
		h.logger.Error().Err(err).Str("file", h.greetingFile).Msg("Failed to play greeting")
	}
}

// Handle applies one inbound session event. Only tool failures and resource
// errors on the outbound queue are returned; everything else is logged.
func (h *Handler) Handle(ctx context.Context, ev event.Inbound) error {
	switch e := ev.(type) {
	case event.CompletionStart:
		h.promptName.Store(e.PromptName)
		h.isGenerating.Store(true)
		h.logger.Info().Str("prompt_name", e.PromptName).Str("completion_id", e.CompletionID).Msg("Completion started")

	case event.ContentStarted:
		h.logger.Debug().
			Str("content_id", e.ContentID).
			Str("type", e.Type).
			Str("role", e.Role).
			Msg("Content started")

	case event.TextInput:
		if strings.EqualFold(e.Role, event.RoleUser) {
			h.convlog.LogUserInput(e.Content)
		}

	case event.TextOutput:
		if strings.EqualFold(e.Role, event.RoleAssistant) {
			h.convlog.LogAssistantResponse(e.Content)
		}

	case event.AudioOutput:
		return h.handleAudioOutput(ctx, e)

	case event.ContentEnded:
		h.logger.Info().
			Str("content_id", e.ContentID).
			Str("stop_reason", e.StopReason).
			Msg("Content ended")

	case event.CompletionEnd:
		h.logger.Info().Str("stop_reason", e.StopReason).Msg("Completion ended")
		h.isGenerating.Store(false)
		h.cancelResume()
		h.queue.Resume()
		h.vad.Reset()
		observability.RecordCompletion(e.StopReason)

	case event.ToolUse:
		return h.handleToolUse(ctx, e)

	case event.Usage:
		h.logger.Debug().
			Int("input_tokens", e.TotalInputTokens).
			Int("output_tokens", e.TotalOutputTokens).
			Int("total_tokens", e.TotalTokens).
			Msg("Usage reported")

	default:
		return fmt.Errorf("%w: %T", event.ErrUnknownEvent, ev)
	}
	return nil
}

func (h *Handler) handleAudioOutput(ctx context.Context, e event.AudioOutput) error {
	if h.debugAudioOutput {
		h.logger.Info().Str("role", e.Role).Int("length", len(e.Content)).Msg("Received audio output")
	}
	if h.queue.IsInterrupted() {
		h.logger.Debug().Msg("Skipping audio output due to interruption")
		observability.RecordDroppedAudioChunk()
		return nil
	}

	pcm, err := base64.StdEncoding.DecodeString(e.Content)
	if err != nil {
		h.logger.Warn().Err(err).Str("content_id", e.ContentID).Msg("Dropping undecodable audio output")
		observability.RecordSessionError("decode", "session")
		return nil
	}

	if err := h.queue.Append(ctx, pcm); err != nil {
		return fmt.Errorf("failed to queue audio output: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordAudioBytes("out", int64(len(pcm)))
	}
	return nil
}

func (h *Handler) handleToolUse(ctx context.Context, use event.ToolUse) error {
	h.logger.Info().
		Str("tool_name", use.ToolName).
		Str("tool_use_id", use.ToolUseID).
		Str("content", use.Content).
		Msg("Tool invoked")

	if h.tools == nil {
		return fmt.Errorf("tool %s invoked but no tool invoker is configured", use.ToolName)
	}

	output := make(map[string]any)
	if err := h.tools.Invoke(ctx, use, output); err != nil {
		return fmt.Errorf("tool invocation %s failed: %w", use.ToolUseID, err)
	}

	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("error creating JSON payload for tool result: %w", err)
	}

	promptName := h.promptName.Load()
	contentName := uuid.NewString()

	events := []event.Outbound{
		event.ContentStart{
			PromptName:  promptName,
			ContentName: contentName,
			Type:        event.ContentTool,
			Interactive: false,
			Role:        event.RoleTool,
			ToolResultInputConfiguration: &event.ToolResultInputConfiguration{
				ToolUseID:              use.ToolUseID,
				Type:                   event.ContentText,
				TextInputConfiguration: event.MediaConfiguration{MediaType: "text/plain"},
			},
		},
		event.ToolResult{
			PromptName:  promptName,
			ContentName: contentName,
			Role:        event.RoleTool,
			Content:     string(payload),
		},
		event.ContentEnd{
			PromptName:  promptName,
			ContentName: contentName,
		},
	}
	for _, ev := range events {
		if err := h.send(ev); err != nil {
			return fmt.Errorf("failed to send %s for tool %s: %w", ev.Kind(), use.ToolUseID, err)
		}
	}
	return nil
}

// OnError recovers from a session-level failure. It is safe to call more than
// once; the error cue plays at most once per handler.
func (h *Handler) OnError(err error) {
	h.logger.Error().Err(err).Msg("Speech-to-speech session error")
	h.convlog.LogSystemMessage(fmt.Sprintf("Error occurred: %v", err))
	observability.RecordSessionError("protocol", "session")
	if h.metrics != nil {
		h.metrics.RecordError("protocol", "session")
	}

	h.isGenerating.Store(false)
	h.cancelResume()
	h.queue.Resume()
	h.vad.Reset()

	if promptName := h.promptName.Load(); promptName != "" {
		h.logger.Info().Str("prompt_name", promptName).Msg("Sending prompt end due to error")
		if sendErr := h.send(event.PromptEnd{PromptName: promptName}); sendErr != nil {
			h.logger.Warn().Err(sendErr).Msg("Failed to send prompt end on error")
		}
	}

	if h.playedErrorSound.CompareAndSwap(false, true) {
		if playErr := h.playAudioFile(h.errorAudioFile); playErr != nil {
			h.logger.Error().Err(playErr).Str("file", h.errorAudioFile).Msg("Failed to play error audio file")
		}
	}
}

// OnComplete is called when the session stream ends normally
func (h *Handler) OnComplete() {
	h.logger.Info().Msg("Stream complete")

	if promptName := h.promptName.Load(); promptName != "" {
		h.logger.Info().Str("prompt_name", promptName).Msg("Sending prompt end")
		if err := h.send(event.PromptEnd{PromptName: promptName}); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send prompt end on completion")
		}
	}
	h.convlog.LogConversationEnd()
}

// ProcessUserAudio runs barge-in detection on one frame of caller PCM16.
// Frames are ignored unless barge-in is enabled, the AI is generating and no
// interruption is pending.
func (h *Handler) ProcessUserAudio(pcm []byte) {
	if h.metrics != nil {
		h.metrics.RecordAudioBytes("in", int64(len(pcm)))
	}
	if !h.bargeInEnabled || !h.isGenerating.Load() || h.queue.IsInterrupted() {
		return
	}

	if h.vad.Detect(pcm) {
		h.logger.Info().Msg("Barge-in detected: user started speaking while the assistant was generating")
		h.convlog.LogSystemMessage("User interrupted the assistant (barge-in detected)")
		h.handleBargeIn()
	}
}

func (h *Handler) handleBargeIn() {
	h.queue.Interrupt()
	h.vad.Reset()
	observability.RecordBargeIn()
	h.logger.Info().Msg("Barge-in handled: interrupted audio output")

	if h.sendInterruptionEvent {
		if promptName := h.promptName.Load(); promptName != "" {
			if err := h.send(event.Interruption{PromptName: promptName, Type: event.InterruptionUser}); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send interruption event")
			}
		}
	}

	h.scheduleResume()
}

// scheduleResume resumes the queue after resumeDelay unless the handler is
// closed first
func (h *Handler) scheduleResume() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if h.closed {
		return
	}
	if h.resumeTimer != nil {
		h.resumeTimer.timer.Stop()
	}

	task := &resumeTask{done: make(chan struct{})}
	task.timer = time.AfterFunc(h.resumeDelay, func() {
		defer close(task.done)

		h.timerMu.Lock()
		current := !h.closed && h.resumeTimer == task
		if current {
			h.resumeTimer = nil
		}
		h.timerMu.Unlock()

		if current {
			h.queue.Resume()
			h.logger.Info().Msg("Audio stream resumed after barge-in pause")
		}
	})
	h.resumeTimer = task
}

// cancelResume drops any pending delayed resume
func (h *Handler) cancelResume() {
	h.timerMu.Lock()
	task := h.resumeTimer
	h.resumeTimer = nil
	h.timerMu.Unlock()

	if task != nil {
		task.timer.Stop()
	}
}

// Close stops the pending resume timer and releases blocked cue playback.
// Once Close returns the resume timer can no longer fire.
func (h *Handler) Close() {
	h.timerMu.Lock()
	if h.closed {
		h.timerMu.Unlock()
		return
	}
	h.closed = true
	task := h.resumeTimer
	h.resumeTimer = nil
	h.timerMu.Unlock()

	if task != nil && !task.timer.Stop() {
		// callback already started; wait for it to observe closed
		<-task.done
	}
	h.cancel()
}

func (h *Handler) playAudioFile(name string) error {
	if h.assets == nil {
		return fmt.Errorf("%w: %s", audio.ErrAssetNotFound, name)
	}
	pcm, err := h.assets.Load(name)
	if err != nil {
		return err
	}
	if err := h.queue.Append(h.ctx, pcm); err != nil {
		return fmt.Errorf("failed to queue %s: %w", name, err)
	}
	h.logger.Debug().Str("file", name).Msg("Wrote audio cue to output stream")
	return nil
}

// IsGenerating reports whether the AI is currently producing a completion
func (h *Handler) IsGenerating() bool { return h.isGenerating.Load() }

// BargeInEnabled reports whether caller speech may interrupt playback
func (h *Handler) BargeInEnabled() bool { return h.bargeInEnabled }

// PromptName returns the active prompt name, or "" before the first prompt
func (h *Handler) PromptName() string { return h.promptName.Load() }

// AudioStream returns the outbound queue the playback loop reads from
func (h *Handler) AudioStream() *audio.OutboundQueue { return h.queue }

// CurrentUserContentName returns the content name of the in-flight caller
// utterance, or ""
func (h *Handler) CurrentUserContentName() string { return h.currentUserContentName.Load() }

// SetCurrentUserContentName records the content name of the caller utterance
func (h *Handler) SetCurrentUserContentName(name string) {
	h.currentUserContentName.Store(name)
	h.logger.Debug().Str("content_name", name).Msg("Set current user content name")
}

// ClearCurrentUserContentName forgets the caller utterance once it ends
func (h *Handler) ClearCurrentUserContentName() {
	prev := h.currentUserContentName.Swap("")
	h.logger.Debug().Str("content_name", prev).Msg("Cleared current user content name")
}

// atomicString is a string readable and writable from any goroutine
type atomicString struct {
	v atomic.Pointer[string]
}

func (s *atomicString) Load() string {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *atomicString) Store(v string) {
	s.v.Store(&v)
}

func (s *atomicString) Swap(v string) string {
	if p := s.v.Swap(&v); p != nil {
		return *p
	}
	return ""
}

type nopConversationLog struct{}

func (nopConversationLog) LogUserInput(string)         {}
func (nopConversationLog) LogAssistantResponse(string) {}
func (nopConversationLog) LogSystemMessage(string)     {}
func (nopConversationLog) LogConversationEnd()         {}
