// Package dialogue implements the Dialogue Context Store: an append-only,
// bounded rolling window of prior turns with a system preamble, FIFO-trimmed
// outside the preamble. Only the Response Generator appends assistant turns
// and only the Turn Controller appends user turns at commit; a mutex guards
// snapshot reads used when building the next LLM request.
package dialogue

import (
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// Store is a single session's rolling dialogue context.
type Store struct {
	mu       sync.RWMutex
	preamble *pipeline.DialogueTurn
	turns    []pipeline.DialogueTurn
	maxTurns int
	maxChars int
}

// New builds a store with a system preamble (always turn zero, never
// trimmed) and a bound of roughly maxTurns turns or maxChars characters,
// whichever is smaller.
func New(systemPreamble string, maxTurns, maxChars int) *Store {
	s := &Store{maxTurns: maxTurns, maxChars: maxChars}
	if systemPreamble != "" {
		p := pipeline.DialogueTurn{Role: pipeline.RoleSystem, Text: systemPreamble, Timestamp: time.Now()}
		s.preamble = &p
	}
	return s
}

// Append adds one turn and drops the oldest non-preamble turns, one turn at
// a time, until both bounds are satisfied; turns are not removed as
// user/assistant pairs. The system preamble is never trimmed.
func (s *Store) Append(role pipeline.DialogueRole, text string, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, pipeline.DialogueTurn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
		Truncated: truncated,
	})
	s.trimLocked()
}

func (s *Store) trimLocked() {
	for len(s.turns) > s.maxTurns || s.charsLocked() > s.maxChars {
		if len(s.turns) == 0 {
			break
		}
		s.turns = s.turns[1:]
	}
}

func (s *Store) charsLocked() int {
	n := 0
	if s.preamble != nil {
		n += len(s.preamble.Text)
	}
	for _, t := range s.turns {
		n += len(t.Text)
	}
	return n
}

// Snapshot returns a copy of the full context (preamble plus rolling
// window) suitable for building the next LLM request without holding the
// store's lock while doing so.
func (s *Store) Snapshot() []pipeline.DialogueTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.DialogueTurn, 0, len(s.turns)+1)
	if s.preamble != nil {
		out = append(out, *s.preamble)
	}
	out = append(out, s.turns...)
	return out
}

// ChatMessages renders the snapshot as the ChatMessage list a LLMClient
// expects.
func (s *Store) ChatMessages() []pipeline.ChatMessage {
	snap := s.Snapshot()
	out := make([]pipeline.ChatMessage, 0, len(snap))
	for _, t := range snap {
		out = append(out, pipeline.ChatMessage{Role: string(t.Role), Content: t.Text})
	}
	return out
}

// Clear empties the rolling window, keeping the system preamble.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Chars returns the current total character count (preamble + turns).
func (s *Store) Chars() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.charsLocked()
}

// Len returns the number of non-preamble turns currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
