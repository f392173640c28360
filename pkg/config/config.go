// Package config holds the session-wide configuration record, loaded from
// environment variables by the launcher.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the recognized set of startup options for a session. Zero values
// are replaced by Default()'s values by callers that build from the
// environment. BargeInDeadlineMs, the five time.Duration timeout fields and
// the Ingress fields are carried in the record but not read outside this
// package: the LLM first-token timeout, the shutdown drain deadline and the
// ingress sample rate and queue size are fixed constants in their packages.
type Config struct {
	// STT
	STTLanguage string
	STTModel    string

	// LLM
	LLMModel       string
	LLMTemperature float64

	// TTS
	TTSVoice            string
	TTSSampleRateHz     int
	PublishSampleRateHz int

	// VAD
	VADActivationThreshold float64
	VADMinSpeechMs         int
	VADMinSilenceMs        int

	// Turn-taking timers (all in milliseconds unless noted)
	EndpointingDelayMs  int
	STTHangoverMs       int
	BargeInDeadlineMs   int
	STTHandshakeTimeout time.Duration
	LLMFirstTokenTimeout time.Duration
	LLMTotalTimeout      time.Duration
	TTSFirstByteTimeout  time.Duration
	SessionDrainTimeout  time.Duration

	// Dialogue context
	DialogueMaxTurns int
	DialogueMaxChars int
	SystemPreamble   string

	// MinWordsToInterrupt gates how many words a partial transcript must
	// contain before it is allowed to interrupt an in-progress assistant
	// turn. 1 means any detected speech interrupts immediately.
	MinWordsToInterrupt int

	// Ingress
	IngressSampleRateHz int
	IngressQueueMs      int
}

// Default returns the configuration record with its baked-in defaults.
func Default() Config {
	return Config{
		STTLanguage: "en",

		LLMTemperature: 0.7,

		TTSVoice:            "F1",
		TTSSampleRateHz:     22050,
		PublishSampleRateHz: 48000,

		// 0.02 matches real speech RMS on 16-bit PCM normalized to [-1,1];
		// ordinary speech rarely clears 0.1 on this scale, so a threshold
		// near 0.45 would only ever fire on near-clipping input.
		VADActivationThreshold: 0.02,
		VADMinSpeechMs:         100,
		VADMinSilenceMs:        300,

		EndpointingDelayMs:   2000,
		STTHangoverMs:        300,
		BargeInDeadlineMs:    150,
		STTHandshakeTimeout:  3 * time.Second,
		LLMFirstTokenTimeout: 5 * time.Second,
		LLMTotalTimeout:      20 * time.Second,
		TTSFirstByteTimeout:  2 * time.Second,
		SessionDrainTimeout:  3 * time.Second,

		DialogueMaxTurns: 16,
		DialogueMaxChars: 4000,
		SystemPreamble:   "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",

		MinWordsToInterrupt: 1,

		IngressSampleRateHz: 16000,
		IngressQueueMs:      1000,
	}
}

// FromEnv overlays environment variables onto Default(). Unset variables
// leave the default untouched.
func FromEnv() Config {
	c := Default()

	if v := os.Getenv("STT_LANGUAGE"); v != "" {
		c.STTLanguage = v
	}
	if v := os.Getenv("STT_MODEL"); v != "" {
		c.STTModel = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLMTemperature = f
		}
	}
	if v := os.Getenv("TTS_VOICE"); v != "" {
		c.TTSVoice = v
	}
	if v := os.Getenv("TTS_SAMPLE_RATE_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TTSSampleRateHz = n
		}
	}
	if v := os.Getenv("PUBLISH_SAMPLE_RATE_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PublishSampleRateHz = n
		}
	}
	if v := os.Getenv("VAD_ACTIVATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.VADActivationThreshold = f
		}
	}
	if v := os.Getenv("ENDPOINTING_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EndpointingDelayMs = n
		}
	}
	if v := os.Getenv("SYSTEM_PREAMBLE"); v != "" {
		c.SystemPreamble = v
	}

	return c
}

// Validate reports the first configuration problem found, causing the
// launcher to fail fast at startup instead of at the first session.
func (c Config) Validate() error {
	if c.PublishSampleRateHz <= 0 {
		return configError("publish_sample_rate_hz must be positive")
	}
	if c.TTSSampleRateHz <= 0 {
		return configError("tts_sample_rate_hz must be positive")
	}
	if c.VADActivationThreshold <= 0 || c.VADActivationThreshold >= 1 {
		return configError("vad_activation_threshold must be between 0 and 1")
	}
	if c.EndpointingDelayMs <= 0 {
		return configError("endpointing_delay_ms must be positive")
	}
	if c.DialogueMaxTurns <= 0 {
		return configError("dialogue_max_turns must be positive")
	}
	if c.MinWordsToInterrupt <= 0 {
		return configError("min_words_to_interrupt must be positive")
	}
	return nil
}

type configErr string

func (e configErr) Error() string { return string(e) }

func configError(msg string) error { return configErr(msg) }
