// Package llm adapts third-party chat-completion APIs to
// pipeline.LLMClient's streaming contract: request construction and auth
// headers per provider, with incremental server-sent-event parsing so the
// Response Generator can start chunking before the full completion
// arrives.
package llm

import (
	"bufio"
	"net/http"
	"strings"
)

// sseReader scans an HTTP response body shaped as "data: {...}\n\n" frames,
// the format shared by OpenAI, Groq (OpenAI-compatible), and Anthropic's
// streaming APIs.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(resp *http.Response) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(resp.Body)}
}

// Next returns the next event's data payload, or ok=false at EOF/error.
func (r *sseReader) Next() (data string, ok bool) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return "", false
		}
		return payload, true
	}
	return "", false
}
