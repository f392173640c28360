package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/config"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

type fakeSTTStream struct {
	segments chan pipeline.STTSegment
	errs     chan error
}

func (s *fakeSTTStream) Send(pcm []int16) error                    { return nil }
func (s *fakeSTTStream) Segments() <-chan pipeline.STTSegment       { return s.segments }
func (s *fakeSTTStream) Errs() <-chan error                         { return s.errs }
func (s *fakeSTTStream) Flush() error                               { close(s.segments); return nil }
func (s *fakeSTTStream) Close() error                               { return nil }

type fakeSTTClient struct {
	mu      sync.Mutex
	streams map[uint64]*fakeSTTStream
}

func newFakeSTTClient() *fakeSTTClient {
	return &fakeSTTClient{streams: make(map[uint64]*fakeSTTStream)}
}

func (c *fakeSTTClient) OpenStream(ctx context.Context, cfg pipeline.STTStreamConfig) (pipeline.STTStream, error) {
	st := &fakeSTTStream{segments: make(chan pipeline.STTSegment, 4), errs: make(chan error, 1)}
	c.mu.Lock()
	c.streams[cfg.UtteranceID] = st
	c.mu.Unlock()
	return st, nil
}
func (c *fakeSTTClient) Name() string { return "fake-stt" }

func (c *fakeSTTClient) pushFinal(utteranceID uint64, text string) {
	c.mu.Lock()
	st := c.streams[utteranceID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	st.segments <- pipeline.STTSegment{UtteranceID: utteranceID, Text: text, Completed: true}
}

type fakeLLMClient struct{}

func (fakeLLMClient) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 4)
	errCh := make(chan error, 1)
	tokens <- pipeline.LLMToken{Content: "I am doing well, thanks.", Done: true}
	close(tokens)
	return tokens, errCh
}
func (fakeLLMClient) Name() string { return "fake-llm" }

type fakeTTSClient struct{}

func (fakeTTSClient) StreamSynthesize(ctx context.Context, text string, voice pipeline.Voice, lang pipeline.Language, onChunk func([]byte) error) error {
	buf := make([]byte, 441*2)
	return onChunk(buf)
}
func (fakeTTSClient) Abort() error { return nil }
func (fakeTTSClient) Name() string { return "fake-tts" }

type fakeTransport struct {
	mu        sync.Mutex
	handler   pipeline.ParticipantHandler
	published map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(map[string][][]byte)}
}

func (t *fakeTransport) RegisterHandler(h pipeline.ParticipantHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}
func (t *fakeTransport) PublishAudioFrame(pcm []int16, sampleRate, channels int) error { return nil }
func (t *fakeTransport) PublishData(topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published[topic] = append(t.published[topic], payload)
	return nil
}

func loudFrame(participant string) pipeline.AudioFrame {
	pcm := make([]int16, 320) // 20ms @ 16kHz
	for i := range pcm {
		pcm[i] = 20000
	}
	return pipeline.AudioFrame{Participant: participant, PCM: pcm, SampleRate: 16000, Channels: 1, CapturedAt: time.Now()}
}

func quietFrame(participant string) pipeline.AudioFrame {
	return pipeline.AudioFrame{Participant: participant, PCM: make([]int16, 320), SampleRate: 16000, Channels: 1, CapturedAt: time.Now()}
}

func waitForPublished(t *testing.T, transport *fakeTransport, topic string, min int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		n := len(transport.published[topic])
		transport.mu.Unlock()
		if n >= min {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for >= %d messages on %q", min, topic)
}

func TestSession_GreetingRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.EndpointingDelayMs = 10000 // force commit via the turn-complete predicate, not the timer
	cfg.VADMinSpeechMs = 20
	cfg.VADMinSilenceMs = 40
	cfg.STTHangoverMs = 2000 // the fake stream closes on Flush, so the final must arrive before the hangover flush

	sttClient := newFakeSTTClient()
	transport := newFakeTransport()

	s := New(cfg, nil, Providers{
		Transport: transport,
		STT:       sttClient,
		LLM:       fakeLLMClient{},
		TTS:       fakeTTSClient{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	time.Sleep(10 * time.Millisecond) // let RegisterHandler land

	s.OnParticipantJoined("alice", "Alice")

	for i := 0; i < 3; i++ {
		s.OnAudioFrame(loudFrame("alice"))
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		s.OnAudioFrame(quietFrame("alice"))
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	var uid uint64
	for time.Now().Before(deadline) {
		sttClient.mu.Lock()
		for id := range sttClient.streams {
			uid = id
		}
		sttClient.mu.Unlock()
		if uid != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if uid == 0 {
		t.Fatal("expected an STT stream to have been opened")
	}

	time.Sleep(350 * time.Millisecond) // clear the 300ms turn-complete silence hold
	sttClient.pushFinal(uid, "Hello, how are you?")

	waitForPublished(t, transport, "transcripts", 1)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.turnCtl.State() == pipeline.StateIdle && s.dialogue.Len() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected turn to complete and return to idle, state=%s dialogue_len=%d", s.turnCtl.State(), s.dialogue.Len())
}
