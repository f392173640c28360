package main

import (
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// malgoTransport implements pipeline.MediaTransport over a local duplex
// sound device: one hard-coded participant ("mic"), capture feeding
// OnAudioFrame, playback pulling from PublishAudioFrame. Barge-in echo
// rejection is handled by the session's per-participant echo suppressor,
// not by this transport.
type malgoTransport struct {
	sampleRate int
	participantID string

	mu      sync.Mutex
	handler pipeline.ParticipantHandler

	playMu  sync.Mutex
	playing []int16

	meterMu sync.Mutex
	lastRMS float64
}

func newMalgoTransport(sampleRate int) *malgoTransport {
	return &malgoTransport{sampleRate: sampleRate, participantID: "mic"}
}

func (t *malgoTransport) RegisterHandler(h pipeline.ParticipantHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *malgoTransport) PublishAudioFrame(pcm []int16, sampleRate, channels int) error {
	t.playMu.Lock()
	t.playing = append(t.playing, pcm...)
	t.playMu.Unlock()
	return nil
}

func (t *malgoTransport) PublishData(topic string, payload []byte) error {
	return nil
}

func (t *malgoTransport) start() {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.OnParticipantJoined(t.participantID, "local microphone")
	}
}

// onSamples is the malgo duplex callback: pInput holds captured mic bytes,
// pOutput is filled from the playback buffer built up by PublishAudioFrame.
func (t *malgoTransport) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		pcm := bytesToInt16LE(pInput)
		t.recordRMS(pcm)

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.OnAudioFrame(pipeline.AudioFrame{
				Participant: t.participantID,
				PCM:         pcm,
				SampleRate:  t.sampleRate,
				Channels:    1,
				CapturedAt:  time.Now(),
			})
		}
	}

	if pOutput != nil {
		t.playMu.Lock()
		t.fillPlayback(pOutput)
		t.playMu.Unlock()
	}
}

// fillPlayback must be called with playMu held.
func (t *malgoTransport) fillPlayback(pOutput []byte) {
	wantSamples := len(pOutput) / 2
	n := wantSamples
	if n > len(t.playing) {
		n = len(t.playing)
	}
	for i := 0; i < n; i++ {
		s := t.playing[i]
		pOutput[i*2] = byte(s)
		pOutput[i*2+1] = byte(s >> 8)
	}
	for i := n * 2; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
	t.playing = t.playing[n:]
}

func (t *malgoTransport) recordRMS(pcm []int16) {
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	t.meterMu.Lock()
	t.lastRMS = rms
	t.meterMu.Unlock()
}

func (t *malgoTransport) RMS() float64 {
	t.meterMu.Lock()
	defer t.meterMu.Unlock()
	return t.lastRMS
}

func bytesToInt16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func deviceConfigFor(sampleRate int) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1
	return cfg
}
