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

// GoogleLLM streams chat completions from Gemini's
// streamGenerateContent endpoint with alt=sse.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
		client: http.DefaultClient,
	}
}

type googleMessage struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type googleStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// StreamChat implements pipeline.LLMClient. Gemini doesn't have a distinct
// system role, so each system message is sent as its own user-role entry.
func (l *GoogleLLM) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		var messages []googleMessage
		for _, m := range req.Messages {
			role := m.Role
			if role == "system" {
				role = "user"
			}
			if role == "assistant" {
				role = "model"
			}
			msg := googleMessage{Role: role}
			msg.Parts = append(msg.Parts, struct {
				Text string `json:"text"`
			}{Text: m.Content})
			messages = append(messages, msg)
		}

		payload := map[string]interface{}{
			"contents": messages,
		}

		body, err := json.Marshal(payload)
		if err != nil {
			errCh <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey+"&alt=sse", bytes.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := l.client.Do(httpReq)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errCh <- fmt.Errorf("%w: google status %d", errs.ErrLLMHTTPError, resp.StatusCode)
			return
		}

		reader := newSSEReader(resp)
		for {
			data, ok := reader.Next()
			if !ok {
				return
			}
			var chunk googleStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			var text string
			for _, p := range cand.Content.Parts {
				text += p.Text
			}
			done := cand.FinishReason != ""
			select {
			case tokens <- pipeline.LLMToken{Content: text, Done: done}:
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

func (l *GoogleLLM) Name() string {
	return "google-llm"
}
