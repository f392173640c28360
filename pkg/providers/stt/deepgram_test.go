package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func TestDeepgramSTT_StreamsInterimAndFinal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		// Wait for the caller's audio frame before replying.
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}

		conn.Write(r.Context(), websocket.MessageText, []byte(
			`{"channel":{"alternatives":[{"transcript":"hel"}]},"is_final":false}`))
		conn.Write(r.Context(), websocket.MessageText, []byte(
			`{"channel":{"alternatives":[{"transcript":"hello"}]},"is_final":true,"start":0.1,"duration":0.4}`))
	}))
	defer server.Close()

	s := &DeepgramSTT{apiKey: "test-key", host: strings.TrimPrefix(server.URL, "http://"), scheme: "ws"}

	stream, err := s.OpenStream(context.Background(), pipeline.STTStreamConfig{UtteranceID: 9, Language: pipeline.LanguageEn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if err := stream.Send([]int16{100, 200}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var gotInterim, gotFinal bool
	deadline := time.After(2 * time.Second)
	for !gotInterim || !gotFinal {
		select {
		case seg := <-stream.Segments():
			if seg.UtteranceID != 9 {
				t.Fatalf("unexpected utterance id: %d", seg.UtteranceID)
			}
			if seg.Completed {
				gotFinal = true
			} else {
				gotInterim = true
			}
		case err := <-stream.Errs():
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for segments")
		}
	}

	if s.Name() != "deepgram-stt" {
		t.Fatalf("expected deepgram-stt, got %s", s.Name())
	}
}
