// Package telephony terminates Twilio-style media stream WebSockets and
// bridges each call to a speech-to-speech session.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/cloud"
	"github.com/derekja/sample-s2s-voip-gateway/internal/config"
	"github.com/derekja/sample-s2s-voip-gateway/internal/convlog"
	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
	"github.com/derekja/sample-s2s-voip-gateway/internal/observability"
	"github.com/derekja/sample-s2s-voip-gateway/internal/session"
	"github.com/derekja/sample-s2s-voip-gateway/internal/tools"
)

const (
	// FrameSize is one 20 ms µ-law frame at 8 kHz
	FrameSize     = 160
	FrameInterval = 20 * time.Millisecond

	// how long a finished session may keep the call open to play queued audio
	drainTimeout = 10 * time.Second
	// how long hang-up waits for the session to acknowledge completion
	completeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send an Origin header
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded µ-law
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// outboundMedia is the media message sent back to Twilio
type outboundMedia struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Media     TwilioMedia `json:"media"`
}

// SessionClient is an open speech-to-speech session stream
type SessionClient interface {
	session.EventSink
	Run(ctx context.Context, d cloud.Dispatcher) error
	Close() error
}

// DialFunc opens a session stream for one call
type DialFunc func(ctx context.Context) (SessionClient, error)

// CloudDialer adapts a cloud.Dialer to a DialFunc
func CloudDialer(d *cloud.Dialer) DialFunc {
	return func(ctx context.Context) (SessionClient, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Bridge holds what every call shares
type Bridge struct {
	cfg    *config.Config
	dial   DialFunc
	tools  *tools.Registry
	assets audio.AssetLoader
	logger zerolog.Logger

	// debug capture files are shared by the process, as they are named
	// by direction rather than by call
	debugMu       sync.Mutex
	debugSent     *audio.DebugTee
	debugBedrock  *audio.DebugTee
	debugReceived *audio.DebugTee
}

// NewBridge creates the telephony bridge
func NewBridge(cfg *config.Config, dial DialFunc, registry *tools.Registry, assets audio.AssetLoader, logger zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		dial:   dial,
		tools:  registry,
		assets: assets,
		logger: logger.With().Str("component", "telephony").Logger(),
	}
}

// Close releases the debug capture files
func (b *Bridge) Close() error {
	b.debugMu.Lock()
	defer b.debugMu.Unlock()
	return errors.Join(b.debugSent.Close(), b.debugBedrock.Close(), b.debugReceived.Close())
}

// debugTees opens the enabled debug captures on first use
func (b *Bridge) debugTees() (sent, bedrock, received *audio.DebugTee) {
	b.debugMu.Lock()
	defer b.debugMu.Unlock()

	open := func(tee **audio.DebugTee, path string) {
		if *tee != nil {
			return
		}
		t, err := audio.OpenDebugTee(path)
		if err != nil {
			b.logger.Warn().Err(err).Str("path", path).Msg("Failed to open debug audio file")
			return
		}
		*tee = t
	}
	if b.cfg.DebugAudioSent {
		open(&b.debugSent, "sent.raw")
		open(&b.debugBedrock, "bedrock.raw")
	}
	if b.cfg.DebugAudioReceived {
		open(&b.debugReceived, "received.raw")
	}
	return b.debugSent, b.debugBedrock, b.debugReceived
}

// HandleTwilioWS is the entry point for Twilio media stream connections
func (b *Bridge) HandleTwilioWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			b.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		call := b.newCallSession(conn)
		call.logger.Info().Msg("New Twilio WebSocket connection established")

		call.processIncomingMessages(r.Context())
		call.hangUp()
		call.logger.Info().Str("call_sid", call.CallSid()).Msg("Call session ended")
	}
}

// CallSession holds the state of a single phone call
type CallSession struct {
	bridge *Bridge
	conn   *websocket.Conn

	// writeMu serializes writes to conn; playback and hang-up both write
	writeMu sync.Mutex

	mu        sync.RWMutex
	callSid   string
	streamSid string
	started   bool

	handler *session.Handler
	queue   *audio.OutboundQueue
	sink    *session.InboundSink
	client  SessionClient
	convlog *convlog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sessionCh chan struct{} // closed when the session stream ends
	hangingUp atomic.Bool
	hangOnce  sync.Once

	callID  string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (b *Bridge) newCallSession(conn *websocket.Conn) *CallSession {
	correlationID := observability.NewCorrelationID()
	callID := generateCallID()
	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("call_id", callID).
		Logger()

	metrics := observability.NewCallMetrics(callID)
	metrics.RecordCallStart()

	ctx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		bridge:    b,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		sessionCh: make(chan struct{}),
		callID:    callID,
		metrics:   metrics,
		logger:    logger,
	}
}

// processIncomingMessages reads Twilio messages until the stream stops, the
// connection drops or the request context is done
func (s *CallSession) processIncomingMessages(reqCtx context.Context) {
	go func() {
		select {
		case <-reqCtx.Done():
			s.conn.Close()
		case <-s.ctx.Done():
		}
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse Twilio message")
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Info().Msg("Twilio stream connected")

		case "start":
			if err := s.handleStart(&msg); err != nil {
				s.logger.Error().Err(err).Msg("Failed to start speech-to-speech session")
				s.metrics.RecordError("session_start_failed", "telephony")
				s.drainPlayback()
				return
			}

		case "media":
			if msg.Media != nil {
				s.handleMediaEvent(msg.Media)
			}

		case "stop":
			s.logger.Info().Str("call_sid", s.CallSid()).Msg("Call stopped")
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Ignoring Twilio event")
		}
	}
}

// handleStart opens the speech-to-speech session for the call and starts the
// playback loop
func (s *CallSession) handleStart(msg *TwilioMessage) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn().Msg("Duplicate start event ignored")
		return nil
	}
	s.started = true
	s.streamSid = msg.StreamSid
	var params map[string]string
	if msg.Start != nil {
		s.callSid = msg.Start.CallSid
		if s.streamSid == "" {
			s.streamSid = msg.Start.StreamSid
		}
		params = msg.Start.CustomParameters
	}
	s.mu.Unlock()

	s.logger = s.logger.With().Str("call_sid", s.CallSid()).Str("stream_sid", s.StreamSid()).Logger()
	s.logger.Info().Msg("Call started")

	cfg := s.bridge.cfg
	sent, bedrock, received := s.bridge.debugTees()

	s.convlog = convlog.New(convlog.Options{
		Enabled: cfg.ConversationLogEnabled,
		Path:    cfg.ConversationLogFile,
		Logger:  s.logger,
	})
	s.queue = audio.NewOutboundQueue(audio.QueueOptions{
		Capacity:  cfg.OutboundQueueCapacity,
		AppendTee: bedrock.Writer(),
		ReadTee:   sent.Writer(),
		Logger:    s.logger,
	})
	vad := audio.NewVoiceActivityDetector(&audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		MinSpeechFrames: cfg.VADMinSpeechFrames,
		SilenceFrames:   cfg.VADSilenceFrames,
	}, s.logger)

	var invoker session.ToolInvoker
	var specs []event.ToolSpec
	if s.bridge.tools != nil {
		invoker = s.bridge.tools
		specs = s.bridge.tools.Specs()
	}

	s.handler = session.NewHandler(session.Options{
		Queue:                 s.queue,
		VAD:                   vad,
		Tools:                 invoker,
		ConversationLog:       s.convlog,
		Assets:                s.bridge.assets,
		BargeInEnabled:        cfg.BargeInEnabled,
		ResumeDelay:           cfg.ResumeDelay(),
		SendInterruptionEvent: cfg.SendInterruptionEvent,
		GreetingFile:          cfg.GreetingFilename,
		ErrorAudioFile:        cfg.ErrorAudioFilename,
		DebugAudioOutput:      cfg.DebugAudioOutput,
		Logger:                s.logger,
		Metrics:               s.metrics,
	})

	// playback runs even if the session fails to open so the error cue is heard
	s.wg.Add(1)
	go s.processOutgoingAudio()

	dialCtx, cancel := context.WithTimeout(s.ctx, cfg.DialTimeout())
	client, err := s.bridge.dial(dialCtx)
	cancel()
	if err != nil {
		close(s.sessionCh)
		s.handler.OnError(err)
		return err
	}
	s.client = client

	promptName, err := s.handler.Begin(client, "", sessionSetup(cfg, params, specs))
	if err != nil {
		close(s.sessionCh)
		s.handler.OnError(err)
		return err
	}
	s.sink = session.NewInboundSink(s.handler, client, promptName, session.InboundSinkOptions{
		Tee:    received.Writer(),
		Logger: s.logger,
	})

	go s.watchSession(client)

	s.handler.OnStart()
	return nil
}

// sessionSetup builds the session parameters for a call. The voice_id and
// system_prompt custom parameters override the configured defaults.
func sessionSetup(cfg *config.Config, params map[string]string, specs []event.ToolSpec) session.SessionSetup {
	setup := session.SessionSetup{
		Inference: event.InferenceConfiguration{
			MaxTokens:   cfg.MaxTokens,
			TopP:        cfg.TopP,
			Temperature: cfg.Temperature,
		},
		GuardrailIdentifier: cfg.GuardrailIdentifier,
		GuardrailVersion:    cfg.GuardrailVersion,
		VoiceID:             cfg.VoiceID,
		SystemPrompt:        cfg.SystemPrompt,
		Tools:               specs,
	}
	if v := params["voice_id"]; v != "" {
		setup.VoiceID = v
	}
	if v := params["system_prompt"]; v != "" {
		setup.SystemPrompt = v
	}
	return setup
}

// watchSession dispatches session events until the stream ends. A session
// that ends on its own hangs up the call once queued audio has played.
func (s *CallSession) watchSession(client SessionClient) {
	defer close(s.sessionCh)
	if err := client.Run(s.ctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("Session stream ended with error")
	}
	if s.hangingUp.Load() || s.ctx.Err() != nil {
		return
	}

	s.logger.Info().Msg("Session ended, hanging up after playback")
	s.drainPlayback()
	s.conn.Close()
}

// drainPlayback waits until the outbound queue is empty, the call is torn
// down or drainTimeout passes
func (s *CallSession) drainPlayback() {
	if s.queue == nil {
		return
	}
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()

	for s.queue.Len() > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-deadline.C:
			s.logger.Warn().Int("chunks", s.queue.Len()).Msg("Playback did not drain in time")
			return
		case <-ticker.C:
		}
	}
	// the last chunk may still be under the read cursor
	select {
	case <-s.ctx.Done():
	case <-time.After(FrameInterval * 10):
	}
}

// handleMediaEvent forwards one inbound µ-law chunk to the session
func (s *CallSession) handleMediaEvent(media *TwilioMedia) {
	if s.sink == nil {
		return
	}
	if media.Track != "" && media.Track != "inbound" {
		return
	}

	payload := media.Payload
	if payload == "" {
		payload = media.Chunk
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode base64 audio")
		return
	}

	if _, err := s.sink.Write(data); err != nil {
		if errors.Is(err, audio.ErrStreamClosed) {
			return
		}
		s.logger.Warn().Err(err).Msg("Failed to forward caller audio")
		s.metrics.RecordError("audio_forward_error", "telephony")
	}
}

// processOutgoingAudio sends one frame of playback audio every 20 ms. The
// queue pads underruns with silence so the caller always hears a steady
// stream.
func (s *CallSession) processOutgoingAudio() {
	defer s.wg.Done()
	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()

	frame := make([]byte, FrameSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := s.queue.Read(frame)
		if err != nil {
			return
		}
		if err := s.SendAudioToTwilio(frame[:n]); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("Error sending audio to Twilio")
			s.metrics.RecordError("twilio_send_error", "telephony")
			return
		}
		s.metrics.RecordAudioBytes("played", int64(n))
	}
}

// SendAudioToTwilio sends µ-law audio to Twilio as a media message
func (s *CallSession) SendAudioToTwilio(audioData []byte) error {
	msg := outboundMedia{
		Event:     "media",
		StreamSid: s.StreamSid(),
		Media:     TwilioMedia{Payload: base64.StdEncoding.EncodeToString(audioData)},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(FrameInterval * 10))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write media message: %w", err)
	}
	return nil
}

// hangUp ends the session and releases the call's resources
func (s *CallSession) hangUp() {
	s.hangOnce.Do(func() {
		s.hangingUp.Store(true)
		if s.sink != nil {
			if err := s.sink.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to complete session stream")
			}
			// give the session a moment to acknowledge before tearing down
			select {
			case <-s.sessionCh:
			case <-time.After(completeTimeout):
				s.logger.Warn().Msg("Session did not complete in time")
			}
		}

		s.cancel()
		if s.client != nil {
			s.client.Close()
		}
		if s.handler != nil {
			s.handler.Close()
		}
		if s.queue != nil {
			s.queue.Close()
		}
		s.wg.Wait()
		s.metrics.RecordCallEnd()
	})
}

// CallSid returns the call SID
func (s *CallSession) CallSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSid
}

// StreamSid returns the stream SID
func (s *CallSession) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// generateCallID generates a unique call ID
func generateCallID() string {
	return fmt.Sprintf("call-%s", uuid.New().String())
}
