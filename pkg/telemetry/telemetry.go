// Package telemetry implements the Session Supervisor's telemetry fan-out:
// per-turn latency histograms over OpenTelemetry metrics, and publication
// of transcript/state events on named data channel topics.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// Topics name the data-channel topics event payloads are published on.
const (
	TopicTranscripts  = "transcripts"
	TopicAgentStatus  = "agent_status"
)

// LatencyBreakdown is one turn's latency telemetry.
type LatencyBreakdown struct {
	Participant string
	TurnID      string
	SttMs       float64
	LlmTTFTMs   float64
	LlmTotalMs  float64
	TtsTTFBMs   float64
	E2EMs       float64
}

// Instruments holds the per-turn latency histograms.
type Instruments struct {
	sttMs      metric.Float64Histogram
	llmTTFTMs  metric.Float64Histogram
	llmTotalMs metric.Float64Histogram
	ttsTTFBMs  metric.Float64Histogram
	e2eMs      metric.Float64Histogram
}

// NewInstruments registers the five latency histograms against the given
// meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  = &Instruments{}
		err error
	)
	if in.sttMs, err = meter.Float64Histogram("voice_agent.stt_ms", metric.WithDescription("STT finalization latency")); err != nil {
		return nil, err
	}
	if in.llmTTFTMs, err = meter.Float64Histogram("voice_agent.llm_ttft_ms", metric.WithDescription("LLM time to first token")); err != nil {
		return nil, err
	}
	if in.llmTotalMs, err = meter.Float64Histogram("voice_agent.llm_total_ms", metric.WithDescription("LLM total generation time")); err != nil {
		return nil, err
	}
	if in.ttsTTFBMs, err = meter.Float64Histogram("voice_agent.tts_ttfb_ms", metric.WithDescription("TTS time to first byte")); err != nil {
		return nil, err
	}
	if in.e2eMs, err = meter.Float64Histogram("voice_agent.e2e_ms", metric.WithDescription("End to end turn latency")); err != nil {
		return nil, err
	}
	return in, nil
}

// Record appends one turn's latency breakdown to the histograms.
func (in *Instruments) Record(ctx context.Context, lb LatencyBreakdown) {
	if in == nil {
		return
	}
	in.sttMs.Record(ctx, lb.SttMs)
	in.llmTTFTMs.Record(ctx, lb.LlmTTFTMs)
	in.llmTotalMs.Record(ctx, lb.LlmTotalMs)
	in.ttsTTFBMs.Record(ctx, lb.TtsTTFBMs)
	in.e2eMs.Record(ctx, lb.E2EMs)
}

// TurnTimer accumulates the timestamps needed to compute a LatencyBreakdown
// as a turn progresses through the pipeline.
type TurnTimer struct {
	Participant   string
	TurnID        string
	UtteranceStart time.Time
	SttFinalAt    time.Time
	ThinkingAt    time.Time
	FirstTokenAt  time.Time
	GeneratorDone time.Time
	SpeakingAt    time.Time
	TurnEndAt     time.Time
}

// Breakdown derives the LatencyBreakdown from the recorded timestamps. Zero
// timestamps are treated as "not reached" and yield a zero duration for
// that leg rather than a negative one.
func (t TurnTimer) Breakdown() LatencyBreakdown {
	return LatencyBreakdown{
		Participant: t.Participant,
		TurnID:      t.TurnID,
		SttMs:       msSince(t.UtteranceStart, t.SttFinalAt),
		LlmTTFTMs:   msSince(t.ThinkingAt, t.FirstTokenAt),
		LlmTotalMs:  msSince(t.ThinkingAt, t.GeneratorDone),
		TtsTTFBMs:   msSince(t.GeneratorDone, t.SpeakingAt),
		E2EMs:       msSince(t.UtteranceStart, t.TurnEndAt),
	}
}

func msSince(start, end time.Time) float64 {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return float64(end.Sub(start).Microseconds()) / 1000.0
}

// Publisher emits transcript and status events onto the media transport's
// data channel, and feeds the latency histograms.
type Publisher struct {
	transport   pipeline.MediaTransport
	instruments *Instruments
}

// NewPublisher builds a Publisher. instruments may be nil to disable
// metrics recording (e.g. in tests or when no meter provider is wired).
func NewPublisher(transport pipeline.MediaTransport, instruments *Instruments) *Publisher {
	return &Publisher{transport: transport, instruments: instruments}
}

// transcriptEvent is the wire shape published on TopicTranscripts.
type transcriptEvent struct {
	Type                string `json:"type"`
	Speaker             string `json:"speaker"`
	ParticipantIdentity string `json:"participantIdentity"`
	ParticipantSid      string `json:"participantSid"`
	Text                string `json:"text"`
	Timestamp           int64  `json:"timestamp"`
	Interim             *bool  `json:"interim,omitempty"`
}

// latencyPayload is the `latencies` object nested in a statusEvent.
type latencyPayload struct {
	SttMs      float64 `json:"stt_ms"`
	LlmTTFTMs  float64 `json:"llm_ttft_ms"`
	LlmTotalMs float64 `json:"llm_total_ms"`
	TtsTTFBMs  float64 `json:"tts_ttfb_ms"`
	E2EMs      float64 `json:"e2e_ms"`
}

// statusEvent is the wire shape published on TopicAgentStatus.
type statusEvent struct {
	State     string          `json:"state"`
	TurnID    string          `json:"turn_id,omitempty"`
	Latencies *latencyPayload `json:"latencies,omitempty"`
}

// PublishTranscript emits one user or assistant transcript line. The media
// transport this library targets does not expose a room-assigned SID
// distinct from the application-level participant identity, so
// participantSid currently echoes participantIdentity.
func (p *Publisher) PublishTranscript(participant string, utteranceID uint64, role string, text string, interim bool) error {
	if p.transport == nil {
		return nil
	}
	speaker := "user"
	if role == string(pipeline.RoleAssistant) {
		speaker = "assistant"
	}
	var interimPtr *bool
	if interim {
		interimPtr = &interim
	}
	payload, err := json.Marshal(transcriptEvent{
		Type:                "transcript",
		Speaker:             speaker,
		ParticipantIdentity: participant,
		ParticipantSid:      participant,
		Text:                text,
		Timestamp:           time.Now().UnixMilli(),
		Interim:             interimPtr,
	})
	if err != nil {
		return err
	}
	return p.transport.PublishData(TopicTranscripts, payload)
}

// PublishStateTransition emits a turn-controller state-transition event.
func (p *Publisher) PublishStateTransition(participant string, state pipeline.TurnState, turnID string) error {
	if p.transport == nil {
		return nil
	}
	payload, err := json.Marshal(statusEvent{State: state.String(), TurnID: turnID})
	if err != nil {
		return err
	}
	return p.transport.PublishData(TopicAgentStatus, payload)
}

// PublishEvent emits an arbitrary tagged event on TopicAgentStatus's
// underlying channel, folding the tag into the state field so out-of-band
// conditions (e.g. stt_unavailable) still arrive as a valid agent_status
// frame rather than a separate wire shape.
func (p *Publisher) PublishEvent(ev pipeline.Event) error {
	if p.transport == nil {
		return nil
	}
	state := string(ev.Type)
	if ev.Data != nil {
		if s, ok := ev.Data.(string); ok {
			state = s
		}
	}
	payload, err := json.Marshal(statusEvent{State: state})
	if err != nil {
		return err
	}
	return p.transport.PublishData(TopicAgentStatus, payload)
}

// RecordLatency records a completed turn's latency breakdown in the OTel
// histograms and publishes it on TopicAgentStatus, carrying turn_id and the
// latencies breakdown the agent_status wire contract names.
func (p *Publisher) RecordLatency(ctx context.Context, lb LatencyBreakdown) {
	p.instruments.Record(ctx, lb)
	if p.transport == nil {
		return
	}
	payload, err := json.Marshal(statusEvent{
		State:  pipeline.StateIdle.String(),
		TurnID: lb.TurnID,
		Latencies: &latencyPayload{
			SttMs:      lb.SttMs,
			LlmTTFTMs:  lb.LlmTTFTMs,
			LlmTotalMs: lb.LlmTotalMs,
			TtsTTFBMs:  lb.TtsTTFBMs,
			E2EMs:      lb.E2EMs,
		},
	})
	if err != nil {
		return
	}
	_ = p.transport.PublishData(TopicAgentStatus, payload)
}
