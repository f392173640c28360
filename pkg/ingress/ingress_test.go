package ingress

import (
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

func frame(participant string, n int) pipeline.AudioFrame {
	return pipeline.AudioFrame{
		Participant: participant,
		PCM:         make([]int16, n),
		SampleRate:  TargetSampleRate,
		Channels:    1,
		CapturedAt:  time.Now(),
	}
}

func TestDemux_IngestUnregisteredParticipant(t *testing.T) {
	d := NewDemux(nil)
	err := d.Ingest(frame("ghost", 160))
	if err != errs.ErrParticipantUnknown {
		t.Fatalf("expected ErrParticipantUnknown, got %v", err)
	}
}

func TestDemux_RegisterAndIngest(t *testing.T) {
	d := NewDemux(nil)
	d.Register("alice")

	if err := d.Ingest(frame("alice", 160)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q, ok := d.Queue("alice")
	if !ok {
		t.Fatal("expected queue to exist")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 frame queued, got %d", q.Len())
	}
}

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	q := newQueue(2)
	q.Push(pipeline.AudioFrame{Participant: "a", PCM: []int16{1}})
	q.Push(pipeline.AudioFrame{Participant: "a", PCM: []int16{2}})
	q.Push(pipeline.AudioFrame{Participant: "a", PCM: []int16{3}})

	if q.DropCount() != 1 {
		t.Fatalf("expected 1 drop, got %d", q.DropCount())
	}

	f, ok := q.Pop()
	if !ok || f.PCM[0] != 2 {
		t.Fatalf("expected oldest surviving frame to be 2, got %+v ok=%v", f, ok)
	}
}

func TestDemux_Unregister(t *testing.T) {
	d := NewDemux(nil)
	d.Register("bob")
	d.Unregister("bob")

	if _, ok := d.Queue("bob"); ok {
		t.Fatal("expected queue to be gone after unregister")
	}
}

func TestDemux_Resamples(t *testing.T) {
	d := NewDemux(nil)
	d.Register("carol")

	f := pipeline.AudioFrame{
		Participant: "carol",
		PCM:         make([]int16, 441), // 10ms @ 44.1kHz
		SampleRate:  44100,
		Channels:    1,
	}
	if err := d.Ingest(f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q, _ := d.Queue("carol")
	got, _ := q.Pop()
	if got.SampleRate != TargetSampleRate {
		t.Fatalf("expected resample to %dHz, got %d", TargetSampleRate, got.SampleRate)
	}
}
