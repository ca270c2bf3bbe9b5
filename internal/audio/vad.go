package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy a frame must exceed to count as speech
	MinSpeechFrames int     // Consecutive speech frames needed to confirm speech onset
	SilenceFrames   int     // Consecutive silence frames needed to clear detected speech
}

// DefaultVADConfig returns the barge-in VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 1000.0,
		MinSpeechFrames: 3,
		SilenceFrames:   10,
	}
}

// VoiceActivityDetector is a frame-energy speech detector with hysteresis.
// Detect is edge-triggered: it returns true exactly once per speech onset.
// Speech ending is only observable through IsSpeechActive.
//
// It is safe for concurrent use; the inbound audio goroutine detects while
// session callbacks reset.
type VoiceActivityDetector struct {
	config *VADConfig
	logger zerolog.Logger

	mu             sync.Mutex
	speechFrames   int
	silenceFrames  int
	speechDetected bool
	lastSpeechTime time.Time
}

// NewVoiceActivityDetector creates a new detector
func NewVoiceActivityDetector(config *VADConfig, logger zerolog.Logger) *VoiceActivityDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VoiceActivityDetector{
		config: config,
		logger: logger.With().Str("component", "vad").Logger(),
	}
}

// Detect analyzes one frame of 16-bit little-endian PCM and reports whether
// speech has just started. An empty frame is silence and leaves state untouched.
func (v *VoiceActivityDetector) Detect(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}

	energy := CalculateEnergy(frame)

	v.mu.Lock()
	defer v.mu.Unlock()

	if energy > v.config.EnergyThreshold {
		v.speechFrames++
		v.silenceFrames = 0

		if v.speechFrames >= v.config.MinSpeechFrames && !v.speechDetected {
			v.speechDetected = true
			v.lastSpeechTime = time.Now()
			v.logger.Debug().Float64("energy", energy).Msg("Speech detected")
			return true
		}
		return false
	}

	v.silenceFrames++
	if v.speechFrames > 0 {
		v.speechFrames--
	}

	if v.silenceFrames >= v.config.SilenceFrames && v.speechDetected {
		v.speechDetected = false
		v.logger.Debug().
			Dur("speech_duration", time.Since(v.lastSpeechTime)).
			Msg("Speech ended")
	}

	return false
}

// Reset clears all hysteresis state
func (v *VoiceActivityDetector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.speechFrames = 0
	v.silenceFrames = 0
	v.speechDetected = false
	v.lastSpeechTime = time.Time{}
}

// IsSpeechActive returns whether speech is currently detected
func (v *VoiceActivityDetector) IsSpeechActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speechDetected
}

// CalculateEnergy calculates the RMS energy of 16-bit little-endian PCM.
// A trailing odd byte is ignored.
func CalculateEnergy(frame []byte) float64 {
	return CalculateRMS(BytesToSamples(frame))
}
