// Package ingress implements the Audio Ingress Demultiplexer: it receives
// decoded frames tagged by participant identity, normalizes them to 16kHz
// mono int16, and routes each frame to a bounded per-participant queue,
// dropping the oldest frame on overflow in favor of freshness (a
// deliberate latency-over-completeness tradeoff).
package ingress

import (
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// TargetSampleRate is the normalized rate consumed by VAD/STT.
const TargetSampleRate = 16000

// queueCapacityFrames bounds a participant's queue to roughly 1s of audio at
// 20ms frames.
const queueCapacityFrames = 50

// Queue is a bounded, drop-oldest FIFO of normalized audio frames for one
// participant.
type Queue struct {
	mu         sync.Mutex
	frames     []pipeline.AudioFrame
	capacity   int
	dropCount  uint64
}

func newQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push enqueues a frame, dropping the oldest queued frame if full.
func (q *Queue) Push(f pipeline.AudioFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		q.frames = q.frames[1:]
		q.dropCount++
	}
	q.frames = append(q.frames, f)
}

// Pop removes and returns the oldest frame, or ok=false if empty.
func (q *Queue) Pop() (pipeline.AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return pipeline.AudioFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// DropCount returns the number of frames dropped to overflow so far.
func (q *Queue) DropCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropCount
}

// Len reports the number of frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Demux routes incoming audio frames to per-participant queues, resampling
// to TargetSampleRate along the way.
type Demux struct {
	mu           sync.RWMutex
	queues       map[string]*Queue
	logger       logging.Logger
}

// NewDemux builds an empty demultiplexer.
func NewDemux(logger logging.Logger) *Demux {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Demux{
		queues: make(map[string]*Queue),
		logger: logger,
	}
}

// Register creates the ingress queue for a newly joined participant.
func (d *Demux) Register(identity string) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := newQueue(queueCapacityFrames)
	d.queues[identity] = q
	return q
}

// Unregister drops a participant's queue on participant departure.
func (d *Demux) Unregister(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queues, identity)
}

// Queue returns the queue for a participant, if registered.
func (d *Demux) Queue(identity string) (*Queue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.queues[identity]
	return q, ok
}

// Ingest normalizes and enqueues one captured frame. It returns
// ErrParticipantUnknown (logged by the caller, not fatal) if no queue was
// registered for the frame's participant.
func (d *Demux) Ingest(frame pipeline.AudioFrame) error {
	q, ok := d.Queue(frame.Participant)
	if !ok {
		d.logger.Warn("dropping frame for unregistered participant", "participant", frame.Participant)
		return errs.ErrParticipantUnknown
	}

	if frame.Duration() > 40*time.Millisecond {
		d.logger.Warn("frame exceeds 40ms budget", "participant", frame.Participant, "duration", frame.Duration())
	}

	normalized := frame
	if frame.SampleRate != TargetSampleRate || frame.Channels != 1 {
		pcm := frame.PCM
		if frame.Channels > 1 {
			pcm = downmix(pcm, frame.Channels)
		}
		normalized.PCM = audio.LinearResample(pcm, frame.SampleRate, TargetSampleRate)
		normalized.SampleRate = TargetSampleRate
		normalized.Channels = 1
	}

	q.Push(normalized)
	return nil
}

func downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(pcm[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
