package egress

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func pcm16LE(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

type fakeTTS struct {
	mu       sync.Mutex
	aborted  bool
	chunks   [][]int16 // each synthesize call emits these as one callback
}

func (f *fakeTTS) StreamSynthesize(ctx context.Context, text string, voice pipeline.Voice, lang pipeline.Language, onChunk func([]byte) error) error {
	for _, c := range f.chunks {
		if err := onChunk(pcm16LE(c)); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeTTS) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}
func (f *fakeTTS) Name() string { return "fake" }

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]int16
	fail   bool
}

func (t *fakeTransport) RegisterHandler(h pipeline.ParticipantHandler) {}
func (t *fakeTransport) PublishAudioFrame(pcm []int16, sampleRate, channels int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return context.DeadlineExceeded
	}
	t.frames = append(t.frames, pcm)
	return nil
}
func (t *fakeTransport) PublishData(topic string, payload []byte) error { return nil }

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func TestEgress_SpeaksChunkInOrder(t *testing.T) {
	tts := &fakeTTS{chunks: [][]int16{make([]int16, 441)}} // 10ms @ 44100
	transport := &fakeTransport{}
	eg := New(tts, transport, 48000, nil, Events{})
	eg.Start()
	defer eg.Stop()

	err := eg.Speak(context.Background(), pipeline.SpeakChunk{TurnID: "t1", Index: 0, Text: "hi"}, 44100, pipeline.VoiceF1, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for transport.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if transport.frameCount() == 0 {
		t.Fatal("expected at least one frame published")
	}
}

func TestEgress_CancelAbortsTTS(t *testing.T) {
	tts := &fakeTTS{chunks: [][]int16{make([]int16, 441)}}
	transport := &fakeTransport{}
	eg := New(tts, transport, 48000, nil, Events{})
	eg.Start()
	defer eg.Stop()

	if err := eg.Cancel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tts.mu.Lock()
	aborted := tts.aborted
	tts.mu.Unlock()
	if !aborted {
		t.Fatal("expected Abort to be called on the TTS client")
	}
}

func TestEgress_StallAbandonsChunkAndSurfacesEvent(t *testing.T) {
	origStall := stallAbandon
	stallAbandon = 20 * time.Millisecond
	defer func() { stallAbandon = origStall }()

	tts := &fakeTTS{chunks: [][]int16{make([]int16, 441*60)}} // big chunk, many frames: 600ms, more than the 500ms queue holds
	transport := &fakeTransport{fail: true}

	var stalled bool
	var mu sync.Mutex
	eg := New(tts, transport, 48000, nil, Events{OnStalled: func(turnID string, chunkIndex int) {
		mu.Lock()
		stalled = true
		mu.Unlock()
	}})
	// Do not Start() the consumer: the queue fills immediately since nothing
	// drains it, reproducing sustained backpressure.

	err := eg.Speak(context.Background(), pipeline.SpeakChunk{TurnID: "t1", Index: 0, Text: "long"}, 44100, pipeline.VoiceF1, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	got := stalled
	mu.Unlock()
	if !got {
		t.Fatal("expected OnStalled to fire after sustained backpressure")
	}
}

func TestEgress_CancelDiscardsAlreadyQueuedFrames(t *testing.T) {
	tts := &fakeTTS{chunks: [][]int16{make([]int16, 441*20)}} // many 20ms frames
	transport := &fakeTransport{}
	eg := New(tts, transport, 48000, nil, Events{})
	// Do not Start(): frames accumulate in the channel buffer untouched,
	// standing in for a turn cancelled mid-speech before the drain
	// goroutine has caught up.

	if err := eg.Speak(context.Background(), pipeline.SpeakChunk{TurnID: "t1", Index: 0, Text: "long"}, 44100, pipeline.VoiceF1, pipeline.LanguageEn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eg.queue) == 0 {
		t.Fatal("expected frames buffered in the queue before cancellation")
	}

	if err := eg.Cancel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eg.Start()
	eg.Stop()

	if got := transport.frameCount(); got != 0 {
		t.Fatalf("expected every already-buffered frame to be discarded after Cancel, got %d published", got)
	}
}

func TestEgress_ContextCancellationStopsEnqueue(t *testing.T) {
	tts := &fakeTTS{chunks: [][]int16{make([]int16, 441*10)}}
	transport := &fakeTransport{}
	eg := New(tts, transport, 48000, nil, Events{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eg.Speak(ctx, pipeline.SpeakChunk{TurnID: "t1", Index: 0, Text: "hi"}, 44100, pipeline.VoiceF1, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
