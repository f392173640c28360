// Echo suppression for the Ingress Demultiplexer: a correlation-based
// detector that keeps barge-in usable once the TTS output and the
// participant's microphone share an acoustic room, running one instance
// per participant ingress queue and operating on []int16 PCM directly.
package ingress

import (
	"math"
	"sync"
	"time"
)

// EchoSuppressor detects and filters speaker echo picked up by a
// participant's microphone by correlating incoming audio against recently
// published (egressed) audio.
type EchoSuppressor struct {
	mu           sync.Mutex
	played       []int16
	maxBufLen    int
	threshold    float64
	silenceHold  time.Duration
	lastPlayedAt time.Time
	enabled      bool
}

// NewEchoSuppressor builds a suppressor tuned for 16kHz mono ingress audio.
func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{
		maxBufLen:   16000 * 2, // ~2s @ 16kHz
		threshold:   0.55,
		silenceHold: 1200 * time.Millisecond,
		enabled:     true,
	}
}

// RecordPlayedAudio records PCM samples that were just published to the
// room so later ingress frames can be correlated against them.
func (es *EchoSuppressor) RecordPlayedAudio(pcm []int16) {
	if !es.enabled || len(pcm) == 0 {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	es.played = append(es.played, pcm...)
	es.lastPlayedAt = time.Now()

	if len(es.played) > es.maxBufLen {
		es.played = append([]int16(nil), es.played[len(es.played)-es.maxBufLen:]...)
	}
}

// IsEcho reports whether input is primarily echo of recently played audio.
func (es *EchoSuppressor) IsEcho(input []int16) bool {
	if !es.enabled || len(input) == 0 {
		return false
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	if time.Since(es.lastPlayedAt) > es.silenceHold {
		return false
	}
	if len(es.played) == 0 {
		return false
	}

	return es.correlation(input, es.played) > es.threshold
}

// correlation computes the normalized cross-correlation between input and
// the tail of reference, accounting for playback-to-mic latency.
func (es *EchoSuppressor) correlation(input, reference []int16) float64 {
	compareLen := len(input)
	if compareLen > len(reference) {
		compareLen = len(reference)
	}
	if compareLen == 0 {
		return 0
	}
	refStart := len(reference) - compareLen
	refCompare := reference[refStart:]

	inEnergy := energy(input[:compareLen])
	refEnergy := energy(refCompare)
	if inEnergy == 0 || refEnergy == 0 {
		return 0
	}

	var dot float64
	for i := 0; i < compareLen; i++ {
		dot += norm(input[i]) * norm(refCompare[i])
	}
	corr := dot / math.Sqrt(inEnergy*refEnergy)
	return clamp01(corr)
}

// ClearEchoBuffer discards the played-audio reference, called when a turn is
// interrupted so the suppressor starts fresh for new user speech.
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.played = nil
}

// SetThreshold adjusts detection sensitivity (0..1, higher = more
// conservative about calling something echo).
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.threshold = threshold
	}
}

// SetEnabled toggles echo suppression.
func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}

func norm(s int16) float64 { return float64(s) / 32768.0 }

func energy(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		n := norm(s)
		sum += n * n
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
