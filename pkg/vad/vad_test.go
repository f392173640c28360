package vad

import (
	"testing"
	"time"
)

func loudWindow(n int) []int16 {
	w := make([]int16, n)
	for i := range w {
		if i%2 == 0 {
			w[i] = 32000
		} else {
			w[i] = -32000
		}
	}
	return w
}

func quietWindow(n int) []int16 {
	return make([]int16, n)
}

func TestRMS_SpeechStartRequiresSustainedEnergy(t *testing.T) {
	v := NewRMS(0.45, 60, 90, 30*time.Millisecond)

	ev, err := v.Process(loudWindow(480))
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Fatalf("expected no event on first loud window, got %v", ev.Type)
	}

	ev, err = v.Process(loudWindow(480))
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || ev.Type != SpeechStart {
		t.Fatalf("expected SpeechStart after sustained energy, got %v", ev)
	}
}

func TestRMS_SpeechEndAfterSilenceRun(t *testing.T) {
	v := NewRMS(0.45, 30, 60, 30*time.Millisecond)

	if ev, _ := v.Process(loudWindow(480)); ev == nil || ev.Type != SpeechStart {
		t.Fatalf("expected speech start, got %v", ev)
	}

	if ev, _ := v.Process(quietWindow(480)); ev == nil || ev.Type != SpeechContinue {
		t.Fatalf("expected continue on first quiet window, got %v", ev)
	}

	ev, _ := v.Process(quietWindow(480))
	if ev == nil || ev.Type != SpeechEnd {
		t.Fatalf("expected SpeechEnd after silence run, got %v", ev)
	}
	if v.IsSpeaking() {
		t.Fatal("expected detector to report not speaking after SpeechEnd")
	}
}

func TestRMS_CloneIsIndependent(t *testing.T) {
	v := NewRMS(0.45, 30, 60, 30*time.Millisecond)
	v.Process(loudWindow(480))
	v.Process(loudWindow(480))
	if !v.IsSpeaking() {
		t.Fatal("expected original to be speaking")
	}

	clone := v.Clone()
	if clone.(*RMS).IsSpeaking() {
		t.Fatal("expected clone to start with fresh state")
	}
}

func TestRMS_ResetClearsState(t *testing.T) {
	v := NewRMS(0.45, 30, 60, 30*time.Millisecond)
	v.Process(loudWindow(480))
	v.Process(loudWindow(480))
	if !v.IsSpeaking() {
		t.Fatal("expected speaking before reset")
	}
	v.Reset()
	if v.IsSpeaking() {
		t.Fatal("expected not speaking after reset")
	}
}

// conversationalWindow approximates ordinary speech level on 16-bit PCM, far
// below the clipping-range amplitudes loudWindow uses.
func conversationalWindow(n int) []int16 {
	w := make([]int16, n)
	for i := range w {
		if i%2 == 0 {
			w[i] = 3000
		} else {
			w[i] = -3000
		}
	}
	return w
}

func TestRMS_DetectsOrdinarySpeechLevelAgainstDefaultThreshold(t *testing.T) {
	v := NewRMS(0.02, 60, 60, 30*time.Millisecond)

	v.Process(conversationalWindow(480))
	ev, _ := v.Process(conversationalWindow(480))
	if ev == nil || ev.Type != SpeechStart {
		t.Fatalf("expected ordinary conversational speech to clear the default threshold, got %v", ev)
	}
}
