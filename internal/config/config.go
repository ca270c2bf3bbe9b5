package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the S2S VoIP gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech-to-speech session endpoint (WebSocket event stream)
	SessionURL     string `envconfig:"S2S_SESSION_URL" required:"true"`
	SessionTimeout int    `envconfig:"S2S_DIAL_TIMEOUT" default:"10"` // seconds

	// Session inference settings sent with sessionStart / promptStart
	MaxTokens           int     `envconfig:"MAX_TOKENS" default:"1024"`
	TopP                float64 `envconfig:"TOP_P" default:"0.9"`
	Temperature         float64 `envconfig:"TEMPERATURE" default:"0.7"`
	VoiceID             string  `envconfig:"VOICE_ID" default:"matthew"`
	SystemPrompt        string  `envconfig:"SYSTEM_PROMPT" default:"You are a friendly assistant. The user and you will engage in a spoken dialog exchanging the transcripts of a natural real-time conversation. Keep your responses short, generally two or three sentences for chatty scenarios."`
	GuardrailIdentifier string  `envconfig:"GUARDRAIL_IDENTIFIER" default:""`
	GuardrailVersion    string  `envconfig:"GUARDRAIL_VERSION" default:"DRAFT"`

	// Barge-in configuration
	BargeInEnabled        bool `envconfig:"ENABLE_BARGE_IN" default:"true"`
	BargeInResumeDelay    int  `envconfig:"BARGE_IN_RESUME_DELAY_MS" default:"500"` // milliseconds
	SendInterruptionEvent bool `envconfig:"SEND_INTERRUPTION_EVENT" default:"false"`

	// Audio processing configuration
	OutboundQueueCapacity int     `envconfig:"OUTBOUND_QUEUE_CAPACITY" default:"50000"` // chunks, not bytes
	VADEnergyThreshold    float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"1000.0"`   // RMS energy threshold for VAD
	VADMinSpeechFrames    int     `envconfig:"VAD_MIN_SPEECH_FRAMES" default:"3"`       // Frames above threshold to confirm speech
	VADSilenceFrames      int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`         // Frames of silence to mark speech end

	// Greeting / error cues (WAV, any rate, 16-bit PCM)
	AudioAssetDir      string `envconfig:"AUDIO_ASSET_DIR" default:""`
	GreetingFilename   string `envconfig:"GREETING_FILENAME" default:"hello-how.wav"`
	ErrorAudioFilename string `envconfig:"ERROR_AUDIO_FILENAME" default:"error.wav"`

	// Debug audio tees, written as raw files in the working directory
	DebugAudioSent     bool `envconfig:"DEBUG_AUDIO_SENT" default:"false"`     // sent.raw / bedrock.raw (µ-law)
	DebugAudioReceived bool `envconfig:"DEBUG_AUDIO_RECEIVED" default:"false"` // received.raw (PCM16)
	DebugAudioOutput   bool `envconfig:"DEBUG_AUDIO_OUTPUT" default:"false"`   // log every audio output event

	// Conversation transcript
	ConversationLogEnabled bool   `envconfig:"ENABLE_CONVERSATION_LOG" default:"false"`
	ConversationLogFile    string `envconfig:"CONVERSATION_LOG_FILE" default:"conversation.log"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SessionURL == "" {
		return fmt.Errorf("S2S_SESSION_URL is required")
	}
	if c.OutboundQueueCapacity <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_CAPACITY must be positive, got %d", c.OutboundQueueCapacity)
	}
	if c.VADMinSpeechFrames <= 0 || c.VADSilenceFrames <= 0 {
		return fmt.Errorf("VAD frame counts must be positive")
	}
	if c.BargeInResumeDelay < 0 {
		return fmt.Errorf("BARGE_IN_RESUME_DELAY_MS must not be negative")
	}
	return nil
}

// ResumeDelay returns the barge-in resume delay as a duration
func (c *Config) ResumeDelay() time.Duration {
	return time.Duration(c.BargeInResumeDelay) * time.Millisecond
}

// DialTimeout returns the session dial timeout as a duration
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
