// Package stt adapts third-party speech recognizers to
// pipeline.STTClient's streaming contract.
package stt

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// batchTranscriber is the shape shared by providers whose only API is a
// single request/response transcription call (AssemblyAI, Groq, OpenAI
// Whisper): no partial hypotheses, one result per audio buffer.
type batchTranscriber interface {
	Transcribe(ctx context.Context, audioPCM []byte, lang pipeline.Language) (string, error)
	Name() string
}

// batchStream buffers an utterance's PCM and transcribes it in one shot on
// Flush, surfacing the result as a single Completed segment. It fulfils
// pipeline.STTStream for recognizers that have no incremental streaming API.
type batchStream struct {
	transcriber batchTranscriber
	cfg         pipeline.STTStreamConfig

	mu   sync.Mutex
	pcm  []byte
	done bool

	segments chan pipeline.STTSegment
	errs     chan error
}

func newBatchStream(t batchTranscriber, cfg pipeline.STTStreamConfig) *batchStream {
	return &batchStream{
		transcriber: t,
		cfg:         cfg,
		segments:    make(chan pipeline.STTSegment, 1),
		errs:        make(chan error, 1),
	}
}

func (b *batchStream) Send(pcm []int16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil
	}
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	b.pcm = append(b.pcm, buf...)
	return nil
}

func (b *batchStream) Segments() <-chan pipeline.STTSegment { return b.segments }
func (b *batchStream) Errs() <-chan error                   { return b.errs }

// Flush sends the accumulated buffer for transcription and emits at most one
// final segment: none when no audio was buffered or the transcript is
// empty. There is no interim hypothesis for batch-only providers.
func (b *batchStream) Flush() error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return nil
	}
	b.done = true
	pcm := b.pcm
	b.mu.Unlock()

	go func() {
		defer close(b.segments)
		defer close(b.errs)
		if len(pcm) == 0 {
			return
		}
		text, err := b.transcriber.Transcribe(context.Background(), pcm, b.cfg.Language)
		if err != nil {
			b.errs <- err
			return
		}
		if text == "" {
			return
		}
		b.segments <- pipeline.STTSegment{
			UtteranceID: b.cfg.UtteranceID,
			Text:        text,
			Completed:   true,
		}
	}()
	return nil
}

func (b *batchStream) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	return nil
}
