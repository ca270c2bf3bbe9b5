// Package convlog appends a human-readable transcript of each call to a
// shared log file.
package convlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const timestampFormat = "2006-01-02 15:04:05"

// Speakers written in front of each transcript line
const (
	SpeakerUser      = "USER"
	SpeakerAssistant = "NOVA"
	SpeakerSystem    = "SYSTEM"
)

// Logger writes timestamped transcript lines. A disabled Logger accepts every
// call and writes nothing. Write failures are logged and never returned.
type Logger struct {
	enabled bool
	path    string
	logger  zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Options configures a Logger
type Options struct {
	Enabled bool
	Path    string
	Logger  zerolog.Logger
	// Now overrides the clock, for tests
	Now func() time.Time
}

// New creates a conversation logger and writes the start marker when enabled
func New(opts Options) *Logger {
	l := &Logger{
		enabled: opts.Enabled,
		path:    opts.Path,
		logger:  opts.Logger.With().Str("component", "conversation_log").Logger(),
		now:     opts.Now,
	}
	if l.path == "" {
		l.path = "conversation.log"
	}
	if l.now == nil {
		l.now = time.Now
	}

	if l.enabled {
		l.logger.Info().Str("path", l.path).Msg("Conversation logging enabled")
		l.write(SpeakerSystem, "=== New conversation started ===")
	} else {
		l.logger.Debug().Msg("Conversation logging disabled")
	}
	return l
}

// Enabled reports whether transcript lines are written
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Path returns the transcript file path
func (l *Logger) Path() string {
	return l.path
}

// LogUserInput records a caller transcript
func (l *Logger) LogUserInput(text string) {
	l.logText(SpeakerUser, text)
}

// LogAssistantResponse records text spoken by the AI
func (l *Logger) LogAssistantResponse(text string) {
	l.logText(SpeakerAssistant, text)
}

// LogSystemMessage records a gateway event such as call connect
func (l *Logger) LogSystemMessage(text string) {
	l.logText(SpeakerSystem, text)
}

// LogConversationEnd writes the end marker followed by a blank line
func (l *Logger) LogConversationEnd() {
	if !l.Enabled() {
		return
	}
	l.write(SpeakerSystem, "=== Conversation ended ===")
	l.appendRaw("\n")
}

func (l *Logger) logText(speaker, text string) {
	if !l.Enabled() {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.write(speaker, text)
}

func (l *Logger) write(speaker, text string) {
	line := fmt.Sprintf("[%s] %s: %s\n", l.now().Format(timestampFormat), speaker, text)
	l.appendRaw(line)
}

func (l *Logger) appendRaw(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error().Err(err).Str("path", l.path).Msg("Failed to open conversation log file")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(s); err != nil {
		l.logger.Error().Err(err).Str("path", l.path).Msg("Failed to write to conversation log file")
	}
}
