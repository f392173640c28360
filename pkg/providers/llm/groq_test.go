package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func TestGroqLLM_StreamsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hello"}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" from groq"},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	l := &GroqLLM{apiKey: "test-key", url: server.URL, model: "llama3-70b", client: server.Client()}

	tokens, errCh := l.StreamChat(context.Background(), pipeline.ChatRequest{Messages: []pipeline.ChatMessage{{Role: "user", Content: "hi"}}})

	var got string
	for tok := range tokens {
		got += tok.Content
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello from groq" {
		t.Fatalf("expected 'hello from groq', got %q", got)
	}
	if l.Name() != "groq-llm" {
		t.Fatalf("expected groq-llm, got %s", l.Name())
	}
}

func TestGroqLLM_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := &GroqLLM{apiKey: "test-key", url: server.URL, model: "llama3-70b", client: server.Client()}
	tokens, errCh := l.StreamChat(context.Background(), pipeline.ChatRequest{})

	for range tokens {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected an error")
	}
}
