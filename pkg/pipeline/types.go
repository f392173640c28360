// Package pipeline holds the domain types and provider interfaces shared by
// every stage of the voice pipeline orchestrator: audio frames, utterances,
// turn state, dialogue messages, and the STT/LLM/TTS/MediaTransport
// collaborator interfaces consumed through defined wire protocols. Concrete
// wire adapters live under pkg/providers/*; concrete pipeline stages live
// under their own packages (pkg/ingress, pkg/vad, pkg/turn, pkg/generator,
// pkg/egress, pkg/dialogue, pkg/session).
package pipeline

import (
	"context"
	"time"
)

// Language is a BCP-47-ish language tag used by STT/LLM/TTS providers.
type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

// Voice selects a TTS voice preset.
type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

// AudioFrame is decoded linear PCM tagged by participant identity. Samples
// are mono int16 at SampleRate Hz; Duration should stay <= 40ms to keep the
// VAD responsive.
type AudioFrame struct {
	Participant string
	PCM         []int16
	SampleRate  int
	Channels    int
	CapturedAt  time.Time
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// TurnState is one of the six Turn Controller states.
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateEndpointing
	StateThinking
	StateSpeaking
	StateInterrupted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateEndpointing:
		return "Endpointing"
	case StateThinking:
		return "Thinking"
	case StateSpeaking:
		return "Speaking"
	case StateInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Utterance is a single user speech segment under construction or closed.
// UtteranceID is strictly increasing per participant.
type Utterance struct {
	UtteranceID uint64
	Participant string
	StartedAt   time.Time
	EndedAt     time.Time
	Interim     string
	Final       string
	Complete    bool
}

// SpeakChunk is an ordered, synthesis-sized unit of assistant text.
type SpeakChunk struct {
	TurnID  string
	Index   int
	Text    string
	IsFinal bool
}

// AudioOut is a PCM frame produced by TTS for a specific turn/chunk,
// destined for the media transport's outbound track.
type AudioOut struct {
	TurnID     string
	ChunkIndex int
	PCM        []int16
	SampleRate int
	Channels   int
}

// DialogueRole identifies the speaker of a DialogueTurn.
type DialogueRole string

const (
	RoleSystem    DialogueRole = "system"
	RoleUser      DialogueRole = "user"
	RoleAssistant DialogueRole = "assistant"
)

// DialogueTurn is one entry in the rolling dialogue context. Truncated
// marks an assistant turn whose synthesis/generation was cut short by a
// barge-in; truncated text is always kept, just tagged.
type DialogueTurn struct {
	Role      DialogueRole
	Text      string
	Timestamp time.Time
	Truncated bool
}

// STTSegment is one recognizer result: either an interim hypothesis or a
// stable final, identified by the utterance it belongs to.
type STTSegment struct {
	UtteranceID uint64
	Text        string
	StartSec    float64
	EndSec      float64
	Completed   bool
}

// STTStreamConfig is the handshake payload sent when opening a recognizer
// connection.
type STTStreamConfig struct {
	UtteranceID uint64
	Language    Language
	Model       string
}

// STTStream is one open streaming recognizer connection for a participant.
type STTStream interface {
	// Send forwards one PCM frame to the recognizer.
	Send(pcm []int16) error
	// Segments yields recognizer results until the stream ends or errors.
	Segments() <-chan STTSegment
	// Errs yields a single terminal error, if any, then closes.
	Errs() <-chan error
	// Flush signals end-of-audio so the recognizer emits trailing finals.
	Flush() error
	Close() error
}

// STTClient opens streaming recognizer connections.
type STTClient interface {
	OpenStream(ctx context.Context, cfg STTStreamConfig) (STTStream, error)
	Name() string
}

// ChatMessage is one turn in the LLM conversation request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is the payload for a streaming chat completion.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
}

// LLMToken is one incremental piece of assistant text.
type LLMToken struct {
	Content string
	Done    bool
}

// LLMClient streams token deltas from the language model.
type LLMClient interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan LLMToken, <-chan error)
	Name() string
}

// TTSClient synthesizes speech incrementally, chunk by chunk, and supports
// mid-stream cancellation.
type TTSClient interface {
	// StreamSynthesize issues one streaming synthesis request for text and
	// invokes onChunk with raw PCM16LE payloads as they arrive.
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func(pcm []byte) error) error
	// Abort forcibly stops any in-flight synthesis request for this client.
	Abort() error
	Name() string
}

// ParticipantHandler receives media-transport callbacks.
type ParticipantHandler interface {
	OnParticipantJoined(identity, name string)
	OnParticipantLeft(identity string)
	OnAudioFrame(frame AudioFrame)
}

// MediaTransport is the external collaborator that owns WebRTC room
// membership and audio I/O; the orchestrator only depends on this
// interface.
type MediaTransport interface {
	RegisterHandler(h ParticipantHandler)
	PublishAudioFrame(pcm []int16, sampleRate, channels int) error
	PublishData(topic string, payload []byte) error
}

// EventType tags an Event's payload shape; tagged variants replace
// dynamically typed payloads.
type EventType string

const (
	EventUserSpeaking      EventType = "USER_SPEAKING"
	EventUserStopped       EventType = "USER_STOPPED"
	EventTranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	EventTranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	EventBotThinking       EventType = "BOT_THINKING"
	EventBotResponse       EventType = "BOT_RESPONSE"
	EventBotSpeaking       EventType = "BOT_SPEAKING"
	EventInterrupted       EventType = "INTERRUPTED"
	EventAudioChunk        EventType = "AUDIO_CHUNK"
	EventError             EventType = "ERROR"
	EventStateTransition   EventType = "STATE_TRANSITION"
)

// Event is a tagged-union style notification emitted by the pipeline for
// delivery to the Session Supervisor's telemetry fan-out.
type Event struct {
	Type        EventType
	Participant string
	Data        interface{}
}
