// Package egress implements the TTS Transport & Audio Egress stage: it
// turns ordered SpeakChunks into synthesis requests, resamples the result
// to the publish rate with a windowed-sinc resampler, packetizes into 20ms
// frames, and feeds a bounded outbound queue with pause/abandon
// backpressure, publishing through pipeline.MediaTransport.PublishAudioFrame
// so the same stage works against any transport.
package egress

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// frameDuration is the fixed packetization interval.
const frameDuration = 20 * time.Millisecond

// queueBudget bounds outstanding, not-yet-published audio to approximately
// 500ms; New converts it to a queue depth of queueBudget/frameDuration frames.
const queueBudget = 500 * time.Millisecond

// stallAbandon is how long enqueuing may block on backpressure before the
// in-flight chunk is abandoned. A var rather than a const so tests can
// shrink it instead of waiting out the real 2s budget.
var stallAbandon = 2 * time.Second

// Events the Egress stage reports to the Session Supervisor.
type Events struct {
	OnStalled func(turnID string, chunkIndex int)
	OnFrame   func(frame pipeline.AudioOut)
}

// Egress synthesizes and plays one turn's SpeakChunks in order. A fresh
// Egress is used per turn: Start launches the consumer goroutine that
// drains the outbound queue into the MediaTransport, and Speak/Cancel are
// called by the turn's owner as chunks arrive.
type Egress struct {
	tts         pipeline.TTSClient
	transport   pipeline.MediaTransport
	publishRate int
	resampler   *audio.SincResampler
	logger      logging.Logger
	events      Events

	queue chan pipeline.AudioOut
	wg    sync.WaitGroup

	mu         sync.Mutex
	aborted    bool
	discarding bool
	lastOut    []int16
}

// New builds an Egress stage. publishRate is typically 48000 for WebRTC.
func New(tts pipeline.TTSClient, transport pipeline.MediaTransport, publishRate int, logger logging.Logger, events Events) *Egress {
	if logger == nil {
		logger = logging.NoOp{}
	}
	depth := int(queueBudget / frameDuration)
	if depth < 1 {
		depth = 1
	}
	return &Egress{
		tts:         tts,
		transport:   transport,
		publishRate: publishRate,
		resampler:   audio.NewSincResampler(),
		logger:      logger,
		events:      events,
		queue:       make(chan pipeline.AudioOut, depth),
	}
}

// Start launches the background consumer that publishes queued frames to
// the media transport. It must be called once before the first Speak, and
// Stop must be called when the turn ends.
func (e *Egress) Start() {
	e.wg.Add(1)
	go e.drain()
}

// Stop closes the outbound queue and waits for the consumer to finish.
func (e *Egress) Stop() {
	close(e.queue)
	e.wg.Wait()
}

func (e *Egress) drain() {
	defer e.wg.Done()
	for frame := range e.queue {
		e.mu.Lock()
		discarding := e.discarding
		e.mu.Unlock()
		if discarding {
			continue
		}
		if err := e.transport.PublishAudioFrame(frame.PCM, frame.SampleRate, frame.Channels); err != nil {
			e.logger.Warn("egress publish failed, dropping frame", "turn", frame.TurnID, "error", err)
			continue
		}
		if e.events.OnFrame != nil {
			e.events.OnFrame(frame)
		}
	}
}

// Speak synthesizes one chunk and enqueues its packetized, resampled
// frames in order. It blocks until the chunk is fully enqueued, ctx is
// cancelled (barge-in), or the queue stays full past stallAbandon (in
// which case the remainder of the chunk is abandoned and EgressStalled is
// surfaced). Chunks must be called strictly in order, which combined with
// the queue's FIFO delivery guarantees frames of chunk N fully drain
// before any frame of chunk N+1 is enqueued. Neither a cancelled ctx nor an
// abandoned chunk is reported as an error: Speak returns nil in both cases.
func (e *Egress) Speak(ctx context.Context, chunk pipeline.SpeakChunk, synthRate int, voice pipeline.Voice, lang pipeline.Language) error {
	e.mu.Lock()
	e.aborted = false
	e.mu.Unlock()

	onChunkPCM := func(raw []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pcm := bytesToInt16LE(raw)
		resampled := e.resampler.Resample(pcm, synthRate, e.publishRate)
		perFrame := samplesPerFrame(e.publishRate)

		for start := 0; start < len(resampled); start += perFrame {
			end := start + perFrame
			if end > len(resampled) {
				end = len(resampled)
			}
			frame := append([]int16(nil), resampled[start:end]...)

			e.mu.Lock()
			if e.aborted {
				e.mu.Unlock()
				return nil
			}
			e.lastOut = frame
			e.mu.Unlock()

			out := pipeline.AudioOut{TurnID: chunk.TurnID, ChunkIndex: chunk.Index, PCM: frame, SampleRate: e.publishRate, Channels: 1}
			if !e.enqueue(ctx, out) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if e.events.OnStalled != nil {
					e.events.OnStalled(chunk.TurnID, chunk.Index)
				}
				return errAbandoned
			}
		}
		return nil
	}

	err := e.tts.StreamSynthesize(ctx, chunk.Text, voice, lang, onChunkPCM)
	if err == errAbandoned || ctx.Err() != nil {
		return nil
	}
	return err
}

// enqueue blocks on the bounded queue (this is the stage's flow control)
// until it accepts the frame, ctx is cancelled, or stallAbandon elapses
// with the queue still full.
func (e *Egress) enqueue(ctx context.Context, out pipeline.AudioOut) bool {
	timer := time.NewTimer(stallAbandon)
	defer timer.Stop()
	select {
	case e.queue <- out:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Cancel aborts any in-flight synthesis and discards both not-yet-enqueued
// and already-buffered audio: every frame still sitting in the outbound
// queue when Cancel is called is dropped by drain() rather than published,
// so a barge-in does not let up to queueBudget of stale audio play out
// after the turn has already been interrupted. It applies a short fade to
// the most recently packetized frame (the last one Speak handed to the
// outbound queue) to avoid an audible click. The
// consumer goroutine keeps running (silently discarding) until the turn's
// owner calls Stop.
func (e *Egress) Cancel() error {
	e.mu.Lock()
	e.aborted = true
	e.discarding = true
	tail := e.lastOut
	e.mu.Unlock()

	if len(tail) > 0 {
		fadeOut(tail)
	}
	return e.tts.Abort()
}

func samplesPerFrame(sampleRate int) int {
	n := int(frameDuration.Seconds() * float64(sampleRate))
	if n < 1 {
		n = 1
	}
	return n
}

func bytesToInt16LE(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
	}
	return out
}

// fadeOut applies a linear ramp-to-zero across the given samples, used on
// the most recently packetized frame at cancellation time to avoid an
// audible click.
func fadeOut(samples []int16) {
	n := len(samples)
	if n == 0 {
		return
	}
	for i := range samples {
		factor := 1.0 - float64(i)/float64(n)
		samples[i] = int16(float64(samples[i]) * factor)
	}
}

type abandonedError struct{}

func (abandonedError) Error() string { return "egress chunk abandoned after stall" }

var errAbandoned = abandonedError{}
