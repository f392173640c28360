package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// DeepgramSTT opens real-time streaming recognizer connections against
// Deepgram's websocket listen endpoint, following the same dial/mutex
// shape as the Lokutor TTS websocket client.
type DeepgramSTT struct {
	apiKey string
	host   string
	scheme string
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey: apiKey,
		host:   "api.deepgram.com",
		scheme: "wss",
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

// OpenStream implements pipeline.STTClient.
func (s *DeepgramSTT) OpenStream(ctx context.Context, cfg pipeline.STTStreamConfig) (pipeline.STTStream, error) {
	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	if cfg.Language != "" {
		q.Set("language", string(cfg.Language))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram: %w", err)
	}

	st := &deepgramStream{
		conn:     conn,
		cfg:      cfg,
		segments: make(chan pipeline.STTSegment, 8),
		errs:     make(chan error, 1),
	}
	go st.readLoop()
	return st, nil
}

type deepgramResult struct {
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Duration float64 `json:"duration"`
}

type deepgramStream struct {
	conn *websocket.Conn
	cfg  pipeline.STTStreamConfig

	mu     sync.Mutex
	closed bool

	segments chan pipeline.STTSegment
	errs     chan error
}

func (d *deepgramStream) Send(pcm []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return d.conn.Write(context.Background(), websocket.MessageBinary, buf)
}

func (d *deepgramStream) Segments() <-chan pipeline.STTSegment { return d.segments }
func (d *deepgramStream) Errs() <-chan error                   { return d.errs }

// Flush tells Deepgram no more audio is coming so it emits any trailing
// final result before the connection drains.
func (d *deepgramStream) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

func (d *deepgramStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close(websocket.StatusNormalClosure, "")
}

func (d *deepgramStream) readLoop() {
	defer close(d.segments)
	defer close(d.errs)
	ctx := context.Background()
	for {
		_, payload, err := d.conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			alreadyClosed := d.closed
			d.mu.Unlock()
			if !alreadyClosed {
				d.errs <- fmt.Errorf("deepgram read failed: %w", err)
			}
			return
		}

		var result deepgramResult
		if err := json.Unmarshal(payload, &result); err != nil {
			continue
		}
		if len(result.Channel.Alternatives) == 0 {
			continue
		}
		text := result.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		d.segments <- pipeline.STTSegment{
			UtteranceID: d.cfg.UtteranceID,
			Text:        text,
			StartSec:    result.Start,
			EndSec:      result.Start + result.Duration,
			Completed:   result.IsFinal,
		}
	}
}
