package dialogue

import (
	"strings"
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func TestStore_PreambleAlwaysFirst(t *testing.T) {
	s := New("be concise", 16, 4000)
	s.Append(pipeline.RoleUser, "hi", false)

	snap := s.Snapshot()
	if snap[0].Role != pipeline.RoleSystem || snap[0].Text != "be concise" {
		t.Fatalf("expected preamble first, got %+v", snap[0])
	}
}

func TestStore_TrimsByTurnCount(t *testing.T) {
	s := New("p", 2, 100000)
	for i := 0; i < 5; i++ {
		s.Append(pipeline.RoleUser, "msg", false)
	}
	if s.Len() != 2 {
		t.Fatalf("expected trimming to 2 turns, got %d", s.Len())
	}
}

func TestStore_TrimsByCharCount(t *testing.T) {
	s := New("", 100, 20)
	s.Append(pipeline.RoleUser, strings.Repeat("a", 15), false)
	s.Append(pipeline.RoleAssistant, strings.Repeat("b", 15), false)

	if s.Chars() > 20 {
		t.Fatalf("expected chars <= 20 after trim, got %d", s.Chars())
	}
}

func TestStore_TruncatedFlagPreserved(t *testing.T) {
	s := New("p", 16, 4000)
	s.Append(pipeline.RoleAssistant, "cut off mid-sent", true)

	snap := s.Snapshot()
	last := snap[len(snap)-1]
	if !last.Truncated {
		t.Fatal("expected truncated flag to survive append")
	}
}

func TestStore_ClearKeepsPreamble(t *testing.T) {
	s := New("preamble text", 16, 4000)
	s.Append(pipeline.RoleUser, "hi", false)
	s.Clear()

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Role != pipeline.RoleSystem {
		t.Fatalf("expected only preamble after clear, got %+v", snap)
	}
}
