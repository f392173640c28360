package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// openAIChunk is the streaming delta shape shared by OpenAI-compatible
// /chat/completions endpoints that aren't handled by go-openai's client.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// GroqLLM streams chat completions from Groq's OpenAI-compatible
// /openai/v1/chat/completions endpoint with stream=true.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		client: http.DefaultClient,
	}
}

// StreamChat implements pipeline.LLMClient.
func (l *GroqLLM) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		model := l.model
		if req.Model != "" {
			model = req.Model
		}
		payload := map[string]interface{}{
			"model":    model,
			"messages": chatMessagesToOpenAI(req.Messages),
			"stream":   true,
		}
		if req.Temperature != 0 {
			payload["temperature"] = req.Temperature
		}

		body, err := json.Marshal(payload)
		if err != nil {
			errCh <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+l.apiKey)

		resp, err := l.client.Do(httpReq)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errCh <- fmt.Errorf("%w: groq status %d", errs.ErrLLMHTTPError, resp.StatusCode)
			return
		}

		reader := newSSEReader(resp)
		for {
			data, ok := reader.Next()
			if !ok {
				return
			}
			var chunk openAIChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			done := choice.FinishReason != nil
			select {
			case tokens <- pipeline.LLMToken{Content: choice.Delta.Content, Done: done}:
			case <-ctx.Done():
				return
			}
			if done {
				return
			}
		}
	}()

	return tokens, errCh
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}
