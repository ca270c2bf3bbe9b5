package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
)

type recordingSink struct {
	mu        sync.Mutex
	events    []event.Outbound
	completed int
	err       error
}

func (s *recordingSink) Send(ev event.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	return nil
}

func (s *recordingSink) Events() []event.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Outbound(nil), s.events...)
}

func (s *recordingSink) Kinds() []string {
	var kinds []string
	for _, ev := range s.Events() {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

type countingAssets struct {
	mu    sync.Mutex
	loads map[string]int
	files map[string][]byte
}

func (a *countingAssets) Load(name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loads == nil {
		a.loads = map[string]int{}
	}
	a.loads[name]++
	pcm, ok := a.files[name]
	if !ok {
		return nil, audio.ErrAssetNotFound
	}
	return pcm, nil
}

func (a *countingAssets) Loads(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loads[name]
}

type memoryLog struct {
	mu     sync.Mutex
	user   []string
	ai     []string
	system []string
	ended  int
}

func (l *memoryLog) LogUserInput(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.user = append(l.user, text)
}

func (l *memoryLog) LogAssistantResponse(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ai = append(l.ai, text)
}

func (l *memoryLog) LogSystemMessage(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.system = append(l.system, text)
}

func (l *memoryLog) LogConversationEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended++
}

type toolFunc func(ctx context.Context, use event.ToolUse, output map[string]any) error

func (f toolFunc) Invoke(ctx context.Context, use event.ToolUse, output map[string]any) error {
	return f(ctx, use, output)
}

// pcmFrame returns a 20 ms frame of constant PCM16 samples
func pcmFrame(amplitude int16) []byte {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.SamplesToBytes(samples)
}

type testHandler struct {
	*Handler
	sink   *recordingSink
	assets *countingAssets
	log    *memoryLog
}

func newTestHandler(t *testing.T, mutate func(*Options)) *testHandler {
	t.Helper()
	sink := &recordingSink{}
	assets := &countingAssets{files: map[string][]byte{}}
	log := &memoryLog{}

	opts := Options{
		Queue:           audio.NewOutboundQueue(audio.QueueOptions{Capacity: 64, Logger: zerolog.Nop()}),
		VAD:             audio.NewVoiceActivityDetector(audio.DefaultVADConfig(), zerolog.Nop()),
		ConversationLog: log,
		Assets:          assets,
		BargeInEnabled:  true,
		ResumeDelay:     30 * time.Millisecond,
		GreetingFile:    "hello-how.wav",
		ErrorAudioFile:  "error.wav",
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	h := NewHandler(opts)
	h.SetOutbound(sink)
	t.Cleanup(h.Close)
	return &testHandler{Handler: h, sink: sink, assets: assets, log: log}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func startCompletion(t *testing.T, h *testHandler) {
	t.Helper()
	if err := h.Handle(context.Background(), event.CompletionStart{PromptName: "prompt-1", CompletionID: "c1"}); err != nil {
		t.Fatalf("CompletionStart failed: %v", err)
	}
}

func TestHandler_CompletionStart(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	startCompletion(t, h)

	is.True(h.IsGenerating())
	is.Equal(h.PromptName(), "prompt-1")
}

func TestHandler_BargeInEndToEnd(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	startCompletion(t, h)

	h.ProcessUserAudio(pcmFrame(5000))
	h.ProcessUserAudio(pcmFrame(5000))
	is.True(!h.AudioStream().IsInterrupted()) // two frames are not enough

	h.ProcessUserAudio(pcmFrame(5000))
	is.True(h.AudioStream().IsInterrupted())
	is.Equal(len(h.log.system), 1)

	resumed := waitFor(t, time.Second, func() bool { return !h.AudioStream().IsInterrupted() })
	is.True(resumed) // queue resumes after the delay
}

func TestHandler_BargeInIgnoredWhenDisabled(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, func(o *Options) { o.BargeInEnabled = false })
	startCompletion(t, h)

	for i := 0; i < 5; i++ {
		h.ProcessUserAudio(pcmFrame(5000))
	}

	is.True(!h.BargeInEnabled())
	is.True(!h.AudioStream().IsInterrupted())
}

func TestHandler_BargeInIgnoredWhenNotGenerating(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	for i := 0; i < 5; i++ {
		h.ProcessUserAudio(pcmFrame(5000))
	}

	is.True(!h.AudioStream().IsInterrupted())
}

func TestHandler_BargeInSendsInterruption(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, func(o *Options) { o.SendInterruptionEvent = true })
	startCompletion(t, h)

	for i := 0; i < 3; i++ {
		h.ProcessUserAudio(pcmFrame(5000))
	}

	events := h.sink.Events()
	is.Equal(len(events), 1)
	is.Equal(events[0], event.Interruption{PromptName: "prompt-1", Type: event.InterruptionUser})
}

func TestHandler_AudioOutput(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	ctx := context.Background()
	pcm := base64.StdEncoding.EncodeToString(pcmFrame(100))

	is.NoErr(h.Handle(ctx, event.AudioOutput{Role: event.RoleAssistant, Content: pcm}))
	is.Equal(h.AudioStream().Len(), 1)
}

func TestHandler_AudioOutputDroppedWhileInterrupted(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	ctx := context.Background()
	pcm := base64.StdEncoding.EncodeToString(pcmFrame(100))

	h.AudioStream().Interrupt()
	is.NoErr(h.Handle(ctx, event.AudioOutput{Role: event.RoleAssistant, Content: pcm}))
	is.Equal(h.AudioStream().Len(), 0)

	b, err := h.AudioStream().ReadByte()
	is.NoErr(err)
	is.Equal(b, audio.MulawSilence)
}

func TestHandler_AudioOutputUndecodable(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	err := h.Handle(context.Background(), event.AudioOutput{Content: "!!not base64!!"})

	is.NoErr(err) // dropped, not fatal
	is.Equal(h.AudioStream().Len(), 0)
}

func TestHandler_AudioOutputAfterQueueClosed(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	h.AudioStream().Close()

	err := h.Handle(context.Background(), event.AudioOutput{Content: base64.StdEncoding.EncodeToString(pcmFrame(1))})

	is.True(errors.Is(err, audio.ErrStreamClosed))
}

func TestHandler_CompletionEndClearsState(t *testing.T) {
	is := is.New(t)
	vad := audio.NewVoiceActivityDetector(audio.DefaultVADConfig(), zerolog.Nop())
	h := newTestHandler(t, func(o *Options) {
		o.VAD = vad
		o.ResumeDelay = time.Hour
	})
	startCompletion(t, h)

	// barge in, then leave the detector mid-speech
	for i := 0; i < 3; i++ {
		h.ProcessUserAudio(pcmFrame(5000))
	}
	for i := 0; i < 3; i++ {
		vad.Detect(pcmFrame(5000))
	}
	is.True(h.AudioStream().IsInterrupted())
	is.True(vad.IsSpeechActive())

	is.NoErr(h.Handle(context.Background(), event.CompletionEnd{PromptName: "prompt-1", StopReason: "INTERRUPTED"}))

	is.True(!h.IsGenerating())
	is.True(!h.AudioStream().IsInterrupted())
	is.True(!vad.IsSpeechActive())
}

func TestHandler_CloseCancelsPendingResume(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, func(o *Options) { o.ResumeDelay = 40 * time.Millisecond })
	startCompletion(t, h)

	for i := 0; i < 3; i++ {
		h.ProcessUserAudio(pcmFrame(5000))
	}
	is.True(h.AudioStream().IsInterrupted())

	h.Close()
	time.Sleep(120 * time.Millisecond)

	is.True(h.AudioStream().IsInterrupted()) // timer never fired after Close
}

func TestHandler_ErrorOneShot(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	h.assets.files["error.wav"] = pcmFrame(200)
	startCompletion(t, h)
	h.AudioStream().Interrupt()

	h.OnError(errors.New("session failed"))
	h.OnError(errors.New("session failed again"))

	is.Equal(h.assets.Loads("error.wav"), 1) // exactly one playback attempt
	is.Equal(h.AudioStream().Len(), 1)
	is.True(!h.IsGenerating())
	is.True(!h.AudioStream().IsInterrupted())
	is.Equal(h.sink.Kinds(), []string{"promptEnd", "promptEnd"})
}

func TestHandler_ErrorOneShotWhenCueMissing(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	h.OnError(errors.New("first"))
	h.OnError(errors.New("second"))

	is.Equal(h.assets.Loads("error.wav"), 1)
	is.Equal(len(h.sink.Events()), 0) // no prompt name yet
}

func TestHandler_ErrorPromptEndFailureSwallowed(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	startCompletion(t, h)
	h.sink.err = errors.New("stream closed")

	h.OnError(errors.New("boom"))

	is.True(!h.IsGenerating())
}

func TestHandler_OnComplete(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	startCompletion(t, h)

	h.OnComplete()

	is.Equal(h.sink.Events(), []event.Outbound{event.PromptEnd{PromptName: "prompt-1"}})
	is.Equal(h.log.ended, 1)
}

func TestHandler_OnCompleteWithoutPrompt(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	h.OnComplete()

	is.Equal(len(h.sink.Events()), 0)
	is.Equal(h.log.ended, 1)
}

func TestHandler_OnStartPlaysGreeting(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	h.assets.files["hello-how.wav"] = pcmFrame(300)

	h.OnStart()

	is.Equal(h.assets.Loads("hello-how.wav"), 1)
	is.Equal(h.AudioStream().Len(), 1)
	is.Equal(len(h.log.system), 1)
}

func TestHandler_OnStartMissingGreeting(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	h.OnStart()

	is.Equal(h.AudioStream().Len(), 0)
}

func TestHandler_TextRouting(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	ctx := context.Background()

	is.NoErr(h.Handle(ctx, event.TextOutput{Role: "ASSISTANT", Content: "Hello!"}))
	is.NoErr(h.Handle(ctx, event.TextOutput{Role: "USER", Content: "ignored"}))
	is.NoErr(h.Handle(ctx, event.TextInput{Role: "user", Content: "Hi"}))
	is.NoErr(h.Handle(ctx, event.TextInput{Role: "SYSTEM", Content: "ignored"}))

	is.Equal(h.log.ai, []string{"Hello!"})
	is.Equal(h.log.user, []string{"Hi"})
}

func TestHandler_ToolRoundTrip(t *testing.T) {
	is := is.New(t)
	var got event.ToolUse
	h := newTestHandler(t, func(o *Options) {
		o.Tools = toolFunc(func(ctx context.Context, use event.ToolUse, output map[string]any) error {
			got = use
			output["ok"] = true
			return nil
		})
	})
	startCompletion(t, h)

	use := event.ToolUse{ToolUseID: "tool-1", ToolName: "lookup", Content: `{"q":"x"}`}
	is.NoErr(h.Handle(context.Background(), use))

	is.Equal(got.ToolUseID, "tool-1")
	is.Equal(got.Content, `{"q":"x"}`)

	events := h.sink.Events()
	is.Equal(len(events), 3)

	start, ok := events[0].(event.ContentStart)
	is.True(ok)
	is.Equal(start.Type, event.ContentTool)
	is.Equal(start.Role, event.RoleTool)
	is.True(!start.Interactive)
	is.Equal(start.ToolResultInputConfiguration.ToolUseID, "tool-1")
	is.Equal(start.ToolResultInputConfiguration.Type, event.ContentText)

	result, ok := events[1].(event.ToolResult)
	is.True(ok)
	is.Equal(result.Content, `{"ok":true}`)
	is.Equal(result.Role, event.RoleTool)
	is.Equal(result.PromptName, "prompt-1")

	end, ok := events[2].(event.ContentEnd)
	is.True(ok)

	is.True(start.ContentName != "")
	is.Equal(result.ContentName, start.ContentName)
	is.Equal(end.ContentName, start.ContentName)
}

func TestHandler_ToolErrorPropagates(t *testing.T) {
	is := is.New(t)
	boom := errors.New("boom")
	h := newTestHandler(t, func(o *Options) {
		o.Tools = toolFunc(func(ctx context.Context, use event.ToolUse, output map[string]any) error {
			return boom
		})
	})

	err := h.Handle(context.Background(), event.ToolUse{ToolUseID: "t1", ToolName: "x"})

	is.True(errors.Is(err, boom))
	is.Equal(len(h.sink.Events()), 0) // no partial tool result
}

func TestHandler_ToolSerializationFailure(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, func(o *Options) {
		o.Tools = toolFunc(func(ctx context.Context, use event.ToolUse, output map[string]any) error {
			output["bad"] = make(chan int)
			return nil
		})
	})

	err := h.Handle(context.Background(), event.ToolUse{ToolUseID: "t1", ToolName: "x"})

	is.True(err != nil)
	is.Equal(len(h.sink.Events()), 0)
}

func TestHandler_ToolWithoutInvoker(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	err := h.Handle(context.Background(), event.ToolUse{ToolUseID: "t1", ToolName: "x"})

	is.True(err != nil)
}

func TestHandler_UnknownEvent(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	err := h.Handle(context.Background(), nil)

	is.True(errors.Is(err, event.ErrUnknownEvent))
}

func TestHandler_CurrentUserContentName(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)

	is.Equal(h.CurrentUserContentName(), "")
	h.SetCurrentUserContentName("content-1")
	is.Equal(h.CurrentUserContentName(), "content-1")
	h.ClearCurrentUserContentName()
	is.Equal(h.CurrentUserContentName(), "")
}

func TestHandler_Begin(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	sink := &recordingSink{}

	promptName, err := h.Begin(sink, "", SessionSetup{
		Inference:    event.InferenceConfiguration{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7},
		VoiceID:      "matthew",
		SystemPrompt: "Be brief.",
		Tools:        []event.ToolSpec{{ToolSpec: event.ToolSpecBody{Name: "getDateAndTimeTool"}}},
	})

	is.NoErr(err)
	is.True(promptName != "")
	is.Equal(h.PromptName(), promptName)
	is.Equal(sink.Kinds(), []string{"sessionStart", "promptStart", "contentStart", "textInput", "contentEnd"})

	events := sink.Events()
	ps := events[1].(event.PromptStart)
	is.Equal(ps.PromptName, promptName)
	is.Equal(ps.AudioOutputConfiguration.VoiceID, "matthew")
	is.Equal(len(ps.ToolConfiguration.Tools), 1)

	system := events[2].(event.ContentStart)
	is.Equal(system.Role, event.RoleSystem)
	is.Equal(system.Type, event.ContentText)
	is.Equal(events[3].(event.TextContent).Content, "Be brief.")
	is.Equal(events[4].(event.ContentEnd).ContentName, system.ContentName)

	// the handler now sends through the new sink
	h.OnComplete()
	is.Equal(sink.Kinds()[5], "promptEnd")
}

func TestHandler_BeginSendFailure(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(t, nil)
	sink := &recordingSink{err: errors.New("closed")}

	_, err := h.Begin(sink, "p", SessionSetup{})

	is.True(err != nil)
}
