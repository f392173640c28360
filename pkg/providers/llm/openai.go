package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// OpenAILLM streams chat completions through go-openai's client, the one
// pack dependency offering a ready-made OpenAI streaming client. Anthropic,
// Google and Groq keep the hand-rolled HTTP+SSE pattern (see sse.go) since
// no pack library covers those three.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

// NewOpenAILLM builds a client against the public OpenAI API.
func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{client: openai.NewClient(apiKey), model: model}
}

// newOpenAILLMWithConfig builds a client against an arbitrary base URL and
// HTTP client, for tests and OpenAI-compatible self-hosted endpoints.
func newOpenAILLMWithConfig(cfg openai.ClientConfig, model string) *OpenAILLM {
	return &OpenAILLM{client: openai.NewClientWithConfig(cfg), model: model}
}

// StreamChat implements pipeline.LLMClient.
func (l *OpenAILLM) StreamChat(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.LLMToken, <-chan error) {
	tokens := make(chan pipeline.LLMToken, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		model := l.model
		if req.Model != "" {
			model = req.Model
		}
		creq := openai.ChatCompletionRequest{
			Model:    model,
			Messages: chatMessagesToOpenAI(req.Messages),
			Stream:   true,
		}
		if req.Temperature != 0 {
			creq.Temperature = float32(req.Temperature)
		}

		stream, err := l.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			errCh <- fmt.Errorf("%w: %v", errs.ErrLLMHTTPError, err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				select {
				case tokens <- pipeline.LLMToken{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if err != nil {
				errCh <- fmt.Errorf("%w: %v", errs.ErrLLMMalformed, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			done := choice.FinishReason != ""
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

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}

func chatMessagesToOpenAI(msgs []pipeline.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
