package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// WSRecognizerSTT opens one streaming recognizer connection per utterance
// against a WebSocket STT server speaking the handshake/binary-PCM/
// segments/eof protocol: client sends `{uid, language, model, use_vad,
// task}` then binary int16 little-endian PCM frames; server replies with
// `{segments:[{text, start, end, completed}]}` and the client flushes with
// `{eof:true}`.
type WSRecognizerSTT struct {
	url string
}

// NewWSRecognizerSTT builds a client against a recognizer server at wsURL
// (e.g. "wss://stt.example.com/ws").
func NewWSRecognizerSTT(wsURL string) *WSRecognizerSTT {
	return &WSRecognizerSTT{url: wsURL}
}

// OpenStream implements pipeline.STTClient.
func (s *WSRecognizerSTT) OpenStream(ctx context.Context, cfg pipeline.STTStreamConfig) (pipeline.STTStream, error) {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrecognizer dial: %w", err)
	}

	handshake := struct {
		UID      uint64 `json:"uid"`
		Language string `json:"language"`
		Model    string `json:"model"`
		UseVAD   bool   `json:"use_vad"`
		Task     string `json:"task"`
	}{
		UID:      cfg.UtteranceID,
		Language: string(cfg.Language),
		Model:    cfg.Model,
		UseVAD:   false,
		Task:     "transcribe",
	}
	if err := wsjson.Write(ctx, conn, handshake); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake failed")
		return nil, fmt.Errorf("wsrecognizer handshake: %w", err)
	}

	stream := &wsRecognizerStream{
		conn:        conn,
		utteranceID: cfg.UtteranceID,
		segments:    make(chan pipeline.STTSegment, 8),
		errs:        make(chan error, 1),
	}
	go stream.readLoop(ctx)
	return stream, nil
}

func (s *WSRecognizerSTT) Name() string { return "wsrecognizer" }

// wsSegmentsMessage is the server's unsolicited push of recognized
// segments, keyed by the connection's single in-flight utterance.
type wsSegmentsMessage struct {
	Segments []struct {
		Text      string  `json:"text"`
		Start     float64 `json:"start"`
		End       float64 `json:"end"`
		Completed bool    `json:"completed"`
	} `json:"segments"`
}

type wsRecognizerStream struct {
	conn        *websocket.Conn
	utteranceID uint64

	mu     sync.Mutex
	closed bool

	segments chan pipeline.STTSegment
	errs     chan error
}

func (s *wsRecognizerStream) readLoop(ctx context.Context) {
	defer close(s.segments)
	defer close(s.errs)
	for {
		var msg wsSegmentsMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.errs <- err
			}
			return
		}
		for _, seg := range msg.Segments {
			s.segments <- pipeline.STTSegment{
				UtteranceID: s.utteranceID,
				Text:        seg.Text,
				StartSec:    seg.Start,
				EndSec:      seg.End,
				Completed:   seg.Completed,
			}
		}
	}
}

// Send forwards one PCM frame as a binary websocket message.
func (s *wsRecognizerStream) Send(pcm []int16) error {
	buf := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return s.conn.Write(context.Background(), websocket.MessageBinary, buf)
}

func (s *wsRecognizerStream) Segments() <-chan pipeline.STTSegment { return s.segments }
func (s *wsRecognizerStream) Errs() <-chan error                   { return s.errs }

// Flush signals end-of-audio so the recognizer emits trailing finals.
func (s *wsRecognizerStream) Flush() error {
	return wsjson.Write(context.Background(), s.conn, struct {
		EOF bool `json:"eof"`
	}{EOF: true})
}

func (s *wsRecognizerStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
