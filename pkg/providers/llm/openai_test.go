package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func testOpenAILLM(t *testing.T, serverURL string, client *http.Client) *OpenAILLM {
	t.Helper()
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = serverURL
	cfg.HTTPClient = client
	return newOpenAILLMWithConfig(cfg, "gpt-4o")
}

func TestOpenAILLM_StreamsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hello"}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" world"},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	l := testOpenAILLM(t, server.URL, server.Client())

	tokens, errCh := l.StreamChat(context.Background(), pipeline.ChatRequest{Messages: []pipeline.ChatMessage{{Role: "user", Content: "hi"}}})

	var got string
	for tok := range tokens {
		got += tok.Content
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
	if l.Name() != "openai-llm" {
		t.Fatalf("expected openai-llm, got %s", l.Name())
	}
}

func TestOpenAILLM_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := testOpenAILLM(t, server.URL, server.Client())
	tokens, errCh := l.StreamChat(context.Background(), pipeline.ChatRequest{})

	for range tokens {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected an error")
	}
}
