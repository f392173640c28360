// Package stt implements the STT Transport: one streaming recognizer
// connection per active participant, PCM forwarding, a hangover delay
// before the end-of-audio flush, deduplication of repeated finals, and
// exponential-backoff reconnection with a bounded retry budget per
// utterance.
package stt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/errs"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// Backoff parameters, declared as vars rather than consts so tests can
// shrink them without waiting out real retry delays.
var (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 4 * time.Second
)

const maxAttempts = 5

// IdleTeardown is a 30s idle period for a connection between utterances.
// ParticipantStream does not consult it: no idle teardown runs.
const IdleTeardown = 30 * time.Second

// Final is a stable, deduplicated recognizer result delivered to the Turn
// Controller.
type Final struct {
	UtteranceID uint64
	Text        string
}

// Interim is a provisional, revisable recognizer result.
type Interim struct {
	UtteranceID uint64
	Text        string
}

// ParticipantStream manages one participant's streaming recognizer
// connection across the lifetime of a session. Each Open opens a new stream
// for the utterance and replaces the previous one without reusing or
// closing it; a stream is closed only by Close, and no idle teardown runs.
type ParticipantStream struct {
	client      pipeline.STTClient
	participant string
	language    pipeline.Language
	model       string
	logger      logging.Logger

	mu         sync.Mutex
	stream     pipeline.STTStream
	generation uint64
	seenFinals map[string]struct{}

	// committedOrCancelled marks the current generation's utterance as
	// resolved so a late-arriving final from the same generation can still
	// be recognized as stale.
	committedOrCancelled bool

	hangoverTimer *time.Timer
}

// NewParticipantStream builds a manager for one participant.
func NewParticipantStream(client pipeline.STTClient, participant string, language pipeline.Language, model string, logger logging.Logger) *ParticipantStream {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &ParticipantStream{
		client:      client,
		participant: participant,
		language:    language,
		model:       model,
		logger:      logger,
		seenFinals:  make(map[string]struct{}),
	}
}

// Open opens a new recognizer stream for a new utterance,
// with exponential-backoff retry up to maxAttempts. Returns
// errs.ErrSTTUnavailable if all attempts fail.
func (p *ParticipantStream) Open(ctx context.Context, utteranceID uint64) error {
	p.mu.Lock()
	p.generation++
	generation := p.generation
	p.committedOrCancelled = false
	p.seenFinals = make(map[string]struct{})
	p.mu.Unlock()

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		stream, err := p.client.OpenStream(ctx, pipeline.STTStreamConfig{
			UtteranceID: utteranceID,
			Language:    p.language,
			Model:       p.model,
		})
		if err == nil {
			p.mu.Lock()
			p.stream = stream
			p.mu.Unlock()
			return nil
		}
		lastErr = err
		p.logger.Warn("stt connect failed, retrying", "participant", p.participant, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	_ = generation
	return fmt.Errorf("%w: %v", errs.ErrSTTUnavailable, lastErr)
}

// Send forwards one normalized PCM frame to the current stream. It does not
// gate on speech state; the session calls it only while the VAD reports
// speech, so no frames are forwarded during the hangover after SpeechEnd.
func (p *ParticipantStream) Send(pcm []int16) error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return errors.New("stt stream not open")
	}
	return stream.Send(pcm)
}

// Flush signals end-of-audio to the recognizer.
func (p *ParticipantStream) Flush() error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Flush()
}

// ScheduleHangover arranges Flush() to run after the configured hangover
// duration, capturing trailing phonemes after SpeechEnd.
func (p *ParticipantStream) ScheduleHangover(hangover time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hangoverTimer != nil {
		p.hangoverTimer.Stop()
	}
	p.hangoverTimer = time.AfterFunc(hangover, func() {
		_ = p.Flush()
	})
}

// CancelHangover aborts a scheduled hangover flush. The session does not
// call it: a SpeechStart within the hangover window opens a new stream
// through Open instead.
func (p *ParticipantStream) CancelHangover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hangoverTimer != nil {
		p.hangoverTimer.Stop()
		p.hangoverTimer = nil
	}
}

// MarkResolved records that the Turn Controller has committed or cancelled
// the current utterance, so any subsequent final for the same generation is
// treated as stale.
func (p *ParticipantStream) MarkResolved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committedOrCancelled = true
}

// Segments consumes the underlying stream and yields deduplicated finals
// and interims until the stream ends. It records the current generation
// when called; results are only forwarded while the generation has not
// advanced (guards against stale callbacks from a superseded connection).
func (p *ParticipantStream) Segments(ctx context.Context, onInterim func(Interim), onFinal func(Final)) error {
	p.mu.Lock()
	stream := p.stream
	generation := p.generation
	p.mu.Unlock()
	if stream == nil {
		return errors.New("stt stream not open")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg, ok := <-stream.Segments():
			if !ok {
				return nil
			}
			p.mu.Lock()
			stale := p.generation != generation
			resolved := p.committedOrCancelled
			p.mu.Unlock()
			if stale {
				continue
			}

			if !seg.Completed {
				onInterim(Interim{UtteranceID: seg.UtteranceID, Text: seg.Text})
				continue
			}

			if resolved {
				p.logger.Warn("dropping stale final after commit/cancel", "participant", p.participant, "utterance", seg.UtteranceID)
				continue
			}

			key := dedupKey(p.participant, seg.UtteranceID, seg.Text)
			p.mu.Lock()
			_, seen := p.seenFinals[key]
			if !seen {
				p.seenFinals[key] = struct{}{}
			}
			p.mu.Unlock()
			if seen {
				continue
			}

			onFinal(Final{UtteranceID: seg.UtteranceID, Text: seg.Text})
		case err, ok := <-stream.Errs():
			if !ok {
				return nil
			}
			return err
		}
	}
}

// Close tears down the underlying connection.
func (p *ParticipantStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hangoverTimer != nil {
		p.hangoverTimer.Stop()
		p.hangoverTimer = nil
	}
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	return err
}

// dedupKey keys deduplication on (participant, utterance_id, text_hash).
func dedupKey(participant string, utteranceID uint64, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s|%d|%s", participant, utteranceID, hex.EncodeToString(sum[:8]))
}
