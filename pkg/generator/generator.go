// Package generator implements the Response Generator: it streams LLM
// tokens for a committed utterance and segments them into SpeakChunks
// using the first-chunk/subsequent-chunk timing policy that is this
// system's key latency lever.
package generator

import (
	"context"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// firstChunkMaxChars and subsequentChunkMaxChars implement the chunk
// policy: speak the first chunk fast, then favor larger, sentence-aligned
// chunks.
const (
	firstChunkMaxChars      = 80
	subsequentChunkMaxChars = 120
	firstChunkTimeout       = 400 * time.Millisecond
)

// LLMTimeout is the "no first token within" budget.
const LLMTimeout = 5 * time.Second

// Generator streams one turn's assistant response.
type Generator struct {
	client pipeline.LLMClient
	logger logging.Logger
}

// New builds a Generator over the given streaming LLM client.
func New(client pipeline.LLMClient, logger logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Generator{client: client, logger: logger}
}

// Run streams the chat completion for req and emits SpeakChunks on chunks
// until the LLM signals done, ctx is cancelled (barge-in), or a failure
// occurs. onChunk is invoked synchronously from this goroutine, in order.
// It returns the full (possibly partial) assistant text produced and
// whether it was cut short by cancellation.
func (g *Generator) Run(ctx context.Context, turnID string, req pipeline.ChatRequest, onChunk func(pipeline.SpeakChunk)) (text string, truncated bool, err error) {
	tokens, errCh := g.client.StreamChat(ctx, req)

	var (
		pending      strings.Builder
		full         strings.Builder
		chunkIndex   int
		firstEmitted bool
		gotFirstToken bool
	)

	// noFirstToken fires only if the LLM never produces a first token within
	// LLMTimeout; it is never consulted again once gotFirstToken is true.
	noFirstToken := time.NewTimer(LLMTimeout)
	defer noFirstToken.Stop()

	// firstChunkDeadline starts counting from the first token received, so
	// it is left stopped until then.
	firstChunkDeadline := time.NewTimer(firstChunkTimeout)
	if !firstChunkDeadline.Stop() {
		<-firstChunkDeadline.C
	}
	defer firstChunkDeadline.Stop()

	emit := func(final bool) {
		t := pending.String()
		if t == "" && !final {
			return
		}
		onChunk(pipeline.SpeakChunk{TurnID: turnID, Index: chunkIndex, Text: t, IsFinal: final})
		chunkIndex++
		pending.Reset()
		firstEmitted = true
	}

	for {
		select {
		case <-ctx.Done():
			partial := full.String()
			if partial != "" {
				g.logger.Warn("generator cancelled mid-stream", "turn", turnID)
			}
			return partial, true, nil

		case <-noFirstToken.C:
			if gotFirstToken {
				continue
			}
			return "", false, errs.ErrLLMTimeout

		case <-firstChunkDeadline.C:
			if !firstEmitted && pending.Len() > 0 {
				emit(false)
			}

		case tok, ok := <-tokens:
			if !ok {
				continue
			}
			if !gotFirstToken {
				gotFirstToken = true
				noFirstToken.Stop()
				firstChunkDeadline.Reset(firstChunkTimeout)
			}
			pending.WriteString(tok.Content)
			full.WriteString(tok.Content)

			if tok.Done {
				emit(true)
				return full.String(), false, nil
			}

			if !firstEmitted {
				if endsSentence(pending.String()) || pending.Len() >= firstChunkMaxChars {
					emit(false)
				}
			} else if endsSentence(pending.String()) || pending.Len() >= subsequentChunkMaxChars {
				emit(false)
			}

		case e, ok := <-errCh:
			if !ok {
				continue
			}
			if !gotFirstToken {
				return "", false, classifyErr(e)
			}
			return full.String(), false, classifyErr(e)
		}
	}
}

func classifyErr(e error) error {
	if e == nil {
		return errs.ErrLLMFailed
	}
	return e
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, " \t")
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == '.' || last == '?' || last == '!'
}
