package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// NDJSONLLM streams chat completions from a local or self-hosted /api/chat
// endpoint that isn't one of the named vendors: the request is a single
// JSON object, and the response body is newline-delimited JSON objects of
// the form {"message":{"content":"..."}}, terminated by {"done":true}.
type NDJSONLLM struct {
	url    string
	model  string
	client *http.Client
}

func NewNDJSONLLM(url string, model string) *NDJSONLLM {
	return &NDJSONLLM{
		url:    url,
		model:  model,
		client: http.DefaultClient,
	}
}

type ndjsonRequest struct {
	Model    string              `json:"model"`
	Messages []ndjsonMessage     `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ndjsonRequestOption `json:"options"`
}

type ndjsonMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ndjsonRequestOption struct {
	Temperature float64 `json:"temperature"`
}

type ndjsonLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// StreamChat implements pipeline.LLMClient.
func (l *NDJSONLLM) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		model := l.model
		if req.Model != "" {
			model = req.Model
		}
		messages := make([]ndjsonMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			messages = append(messages, ndjsonMessage{Role: m.Role, Content: m.Content})
		}
		payload := ndjsonRequest{
			Model:    model,
			Messages: messages,
			Stream:   true,
			Options:  ndjsonRequestOption{Temperature: req.Temperature},
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

		resp, err := l.client.Do(httpReq)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errCh <- fmt.Errorf("%w: ndjson status %d", errs.ErrLLMHTTPError, resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var lineMsg ndjsonLine
			if err := json.Unmarshal(line, &lineMsg); err != nil {
				errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
				return
			}
			select {
			case tokens <- pipeline.LLMToken{Content: lineMsg.Message.Content, Done: lineMsg.Done}:
			case <-ctx.Done():
				return
			}
			if lineMsg.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
		}
	}()

	return tokens, errCh
}

func (l *NDJSONLLM) Name() string {
	return "ndjson-llm"
}
