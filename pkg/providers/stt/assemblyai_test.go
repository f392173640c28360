package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func TestAssemblyAISTT_OpenStreamEmitsFinalOnFlush(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/upload"):
			json.NewEncoder(w).Encode(struct {
				UploadURL string `json:"upload_url"`
			}{UploadURL: "https://example.com/audio.raw"})
		case strings.HasSuffix(r.URL.Path, "/transcript") && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(struct {
				ID string `json:"id"`
			}{ID: "tid-1"})
		case strings.Contains(r.URL.Path, "/transcript/"):
			status := "processing"
			if atomic.AddInt32(&polls, 1) > 1 {
				status = "completed"
			}
			json.NewEncoder(w).Encode(struct {
				Status string `json:"status"`
				Text   string `json:"text"`
			}{Status: status, Text: "assembly transcript"})
		}
	}))
	defer server.Close()

	s := &AssemblyAISTT{apiKey: "test-key", baseURL: server.URL + "/v2"}

	stream, err := s.OpenStream(context.Background(), pipeline.STTStreamConfig{UtteranceID: 3, Language: pipeline.LanguageEn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream.Send([]int16{1, 2, 3})
	if err := stream.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case seg := <-stream.Segments():
		if seg.UtteranceID != 3 || !seg.Completed {
			t.Fatalf("unexpected segment: %+v", seg)
		}
	case err := <-stream.Errs():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
}

func TestAssemblyAISTT_Name(t *testing.T) {
	s := NewAssemblyAISTT("k")
	if s.Name() != "assemblyai-stt" {
		t.Fatalf("expected assemblyai-stt, got %s", s.Name())
	}
}
