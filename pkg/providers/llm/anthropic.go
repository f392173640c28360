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

// AnthropicLLM streams completions from the Messages API with stream=true.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		client: http.DefaultClient,
	}
}

// anthropicEvent covers the subset of streaming event shapes this adapter
// cares about: content_block_delta carries token text, message_stop ends
// the stream.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// StreamChat implements pipeline.LLMClient.
func (l *AnthropicLLM) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		var system string
		var messages []map[string]string
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = m.Content
				continue
			}
			messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
		}

		model := l.model
		if req.Model != "" {
			model = req.Model
		}
		payload := map[string]interface{}{
			"model":      model,
			"messages":   messages,
			"max_tokens": 1024,
			"stream":     true,
		}
		if system != "" {
			payload["system"] = system
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
		httpReq.Header.Set("x-api-key", l.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := l.client.Do(httpReq)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errCh <- fmt.Errorf("%w: anthropic status %d", errs.ErrLLMHTTPError, resp.StatusCode)
			return
		}

		reader := newSSEReader(resp)
		for {
			data, ok := reader.Next()
			if !ok {
				return
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
				return
			}
			switch ev.Type {
			case "content_block_delta":
				select {
				case tokens <- pipeline.LLMToken{Content: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_stop":
				select {
				case tokens <- pipeline.LLMToken{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return tokens, errCh
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
