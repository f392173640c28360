package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func TestOpenAISTT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		resp := struct {
			Text string `json:"text"`
		}{
			Text: "transcribed text",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	s := &OpenAISTT{
		apiKey:     "test-key",
		url:        server.URL,
		model:      "whisper-1",
		sampleRate: 44100,
	}

	result, err := s.Transcribe(context.Background(), []byte{0, 0, 0, 0}, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result != "transcribed text" {
		t.Errorf("expected 'transcribed text', got '%s'", result)
	}

	if s.Name() != "openai_stt" {
		t.Errorf("expected openai_stt, got %s", s.Name())
	}
}

func TestOpenAISTT_OpenStreamEmitsFinalOnFlush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			Text string `json:"text"`
		}{Text: "hello"})
	}))
	defer server.Close()

	s := &OpenAISTT{apiKey: "test-key", url: server.URL, model: "whisper-1", sampleRate: 16000}

	stream, err := s.OpenStream(context.Background(), pipeline.STTStreamConfig{UtteranceID: 7, Language: pipeline.LanguageEn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := stream.Send([]int16{1, 2, 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case seg := <-stream.Segments():
		if seg.Text != "hello" || !seg.Completed || seg.UtteranceID != 7 {
			t.Fatalf("unexpected segment: %+v", seg)
		}
	case err := <-stream.Errs():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment")
	}
}
