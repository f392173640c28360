// Package turn implements the Turn Controller: the single-writer state
// machine that fuses VAD events and STT finals into
// Idle/Listening/Endpointing/Thinking/Speaking/Interrupted transitions and
// is the sole arbiter of who is speaking. A single goroutine drains an
// internal event queue and issues externally injected Actions, so all
// transitions serialize without locks.
package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
)

// speechEndHold is the silence duration the turn-complete predicate requires
// before treating a final transcript as a finished thought.
const speechEndHold = 300 * time.Millisecond

// Actions are the downstream calls the Turn Controller issues. All are
// invoked from the controller's single run loop goroutine, never
// concurrently.
type Actions struct {
	// BeginTurn starts the Generator->TTS->Egress pipeline for a committed
	// utterance.
	BeginTurn func(turnID string, participant string, utteranceID uint64, text string)
	// CancelTurn tells the Generator/TTS/Egress chain to stop producing for
	// the named turn, within the configured barge-in deadline.
	CancelTurn func(turnID string)
	// CommitUserUtterance appends the final user utterance to the dialogue
	// context. Called once per committed utterance, before BeginTurn.
	CommitUserUtterance func(participant string, utteranceID uint64, text string)
	// OpenUtterance is called on SpeechStart, before any STT forwarding.
	OpenUtterance func(participant string, utteranceID uint64)
	// OnStateChange is called after every transition, for telemetry. turnID
	// is the active turn at the moment of transition, or "" outside one.
	OnStateChange func(from, to pipeline.TurnState, participant, turnID string)
	// OnSTTUnavailable is called when the utterance fails due to exhausted
	// STT retries.
	OnSTTUnavailable func(participant string, utteranceID uint64)
}

// Controller is the single-writer Turn Controller. All public methods
// enqueue an event for the run loop; they never mutate state directly.
type Controller struct {
	actions Actions
	logger  logging.Logger

	endpointingDelay  time.Duration
	minWordsToBargeIn int

	events chan event
	done   chan struct{}

	mu            sync.RWMutex
	state         pipeline.TurnState
	activeSpeaker string
	turnID        string
	turnGen       uint64

	currentUtteranceID uint64
	latestText          string
	speechEndAt         time.Time

	// bargeInPending tracks an interrupting SpeechStart seen during
	// StateSpeaking whose word count has not yet cleared minWordsToBargeIn;
	// it is committed (CancelTurn fires) once it does, or dropped silently
	// if the interrupting speech ends first.
	bargeInPending     bool
	bargeInParticipant string
	bargeInUtteranceID uint64
	bargeInText        string

	endpointTimer *time.Timer
}

type eventKind int

const (
	evSpeechStart eventKind = iota
	evSpeechEnd
	evFinal
	evInterim
	evEndpointTimerExpired
	evGeneratorFirstChunk
	evGeneratorFailed
	evGeneratorDrainedAndTTSDrained
	evTTSStoppedAndGeneratorClosed
	evSTTUnavailable
	evParticipantLeft
)

type event struct {
	kind        eventKind
	participant string
	utteranceID uint64
	text        string
	gen         uint64
}

// New builds a Turn Controller. endpointingDelayMs is the upper-bound
// fallback timer for ending an utterance; minWordsToBargeIn gates how many
// words of new speech are required before an interruption is honored.
func New(actions Actions, logger logging.Logger, endpointingDelayMs, minWordsToBargeIn int) *Controller {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Controller{
		actions:           actions,
		logger:            logger,
		endpointingDelay:  time.Duration(endpointingDelayMs) * time.Millisecond,
		minWordsToBargeIn: minWordsToBargeIn,
		events:            make(chan event, 256),
		done:              make(chan struct{}),
		state:             pipeline.StateIdle,
	}
}

// State returns the controller's current state (safe for concurrent read).
func (c *Controller) State() pipeline.TurnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ActiveSpeaker returns the participant currently holding the floor, or ""
// if idle: the first participant whose SpeechStart raised the controller
// out of Idle.
func (c *Controller) ActiveSpeaker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeSpeaker
}

// Run drains the event queue until stopped. Intended to run in its own
// goroutine for the lifetime of the session.
func (c *Controller) Run() {
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.done:
			return
		}
	}
}

// Stop terminates the run loop.
func (c *Controller) Stop() {
	close(c.done)
}

// SpeechStart is called by the VAD for the given participant.
func (c *Controller) SpeechStart(participant string, utteranceID uint64) {
	c.events <- event{kind: evSpeechStart, participant: participant, utteranceID: utteranceID}
}

// SpeechEnd is called by the VAD for the given participant.
func (c *Controller) SpeechEnd(participant string) {
	c.events <- event{kind: evSpeechEnd, participant: participant}
}

// Final delivers a deduplicated STT final for the given utterance.
func (c *Controller) Final(participant string, utteranceID uint64, text string) {
	c.events <- event{kind: evFinal, participant: participant, utteranceID: utteranceID, text: text}
}

// Interim delivers a provisional STT transcript for the given utterance. It
// is only consulted while a barge-in is pending (SpeechStart seen during
// StateSpeaking), to arm the interruption once enough words accumulate.
func (c *Controller) Interim(participant string, utteranceID uint64, text string) {
	c.events <- event{kind: evInterim, participant: participant, utteranceID: utteranceID, text: text}
}

// STTUnavailable reports exhausted STT retries for the given utterance.
func (c *Controller) STTUnavailable(participant string, utteranceID uint64) {
	c.events <- event{kind: evSTTUnavailable, participant: participant, utteranceID: utteranceID}
}

// GeneratorFirstChunk reports the Response Generator produced its first
// SpeakChunk for the given turn.
func (c *Controller) GeneratorFirstChunk(turnID string) {
	c.events <- event{kind: evGeneratorFirstChunk, text: turnID}
}

// GeneratorFailed reports an LLM failure (timeout, HTTP error, or malformed
// response).
func (c *Controller) GeneratorFailed(turnID string) {
	c.events <- event{kind: evGeneratorFailed, text: turnID}
}

// TurnDrained reports the Generator has drained and TTS/Egress has drained
// all audio for the given turn, moving Speaking back to Idle.
func (c *Controller) TurnDrained(turnID string) {
	c.events <- event{kind: evGeneratorDrainedAndTTSDrained, text: turnID}
}

// InterruptAcked reports TTS confirmed stopped and the generator closed
// after a CancelTurn, moving Interrupted back to Listening.
func (c *Controller) InterruptAcked(turnID string) {
	c.events <- event{kind: evTTSStoppedAndGeneratorClosed, text: turnID}
}

// ParticipantLeft reports a participant departure: their in-flight
// utterance is cancelled and the controller returns to Idle unless someone
// else holds the floor.
func (c *Controller) ParticipantLeft(participant string) {
	c.events <- event{kind: evParticipantLeft, participant: participant}
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evSpeechStart:
		c.onSpeechStart(ev.participant, ev.utteranceID)
	case evSpeechEnd:
		c.onSpeechEnd(ev.participant)
	case evFinal:
		c.onFinal(ev.participant, ev.utteranceID, ev.text)
	case evInterim:
		c.onInterim(ev.participant, ev.utteranceID, ev.text)
	case evEndpointTimerExpired:
		c.onEndpointTimerExpired(ev.gen)
	case evGeneratorFirstChunk:
		c.transition(pipeline.StateSpeaking, c.ActiveSpeaker())
	case evGeneratorFailed:
		c.onGeneratorFailed()
	case evGeneratorDrainedAndTTSDrained:
		c.onTurnDrained()
	case evSTTUnavailable:
		c.onSTTUnavailable(ev.participant, ev.utteranceID)
	case evTTSStoppedAndGeneratorClosed:
		c.onInterruptAcked()
	case evParticipantLeft:
		c.onParticipantLeft(ev.participant)
	}
}

func (c *Controller) onSpeechStart(participant string, utteranceID uint64) {
	state := c.State()

	switch state {
	case pipeline.StateIdle:
		c.mu.Lock()
		c.activeSpeaker = participant
		c.currentUtteranceID = utteranceID
		c.latestText = ""
		c.mu.Unlock()
		if c.actions.OpenUtterance != nil {
			c.actions.OpenUtterance(participant, utteranceID)
		}
		c.transition(pipeline.StateListening, participant)

	case pipeline.StateEndpointing:
		if participant == c.ActiveSpeaker() {
			c.stopEndpointTimer()
			c.transition(pipeline.StateListening, participant)
		}
		// Other participants' SpeechStart during Endpointing does not steal
		// the floor: arbitration is per active turn.

	case pipeline.StateSpeaking:
		c.mu.Lock()
		c.bargeInPending = true
		c.bargeInParticipant = participant
		c.bargeInUtteranceID = utteranceID
		c.bargeInText = ""
		c.mu.Unlock()
		// minWordsToBargeIn <= 1 means any detected speech interrupts
		// immediately, before any transcript exists yet.
		if c.minWordsToBargeIn <= 1 {
			c.commitBargeIn(participant, utteranceID)
		}

	case pipeline.StateListening, pipeline.StateThinking, pipeline.StateInterrupted:
		// "Listening -> (any) -> Listening: keep forwarding" and Thinking has
		// no SpeechStart transition defined; ignore.
	}
}

// bargeInAllowed enforces the MinWordsToInterrupt guard: a bare cough or
// single syllable should not cancel an in-progress answer. It is
// re-evaluated against the pending interrupting utterance's accumulated
// transcript each time an interim or final arrives.
func (c *Controller) bargeInAllowed(text string) bool {
	return countWords(text) >= c.minWordsToBargeIn
}

// tryCommitBargeIn commits a pending barge-in once its transcript clears
// the MinWordsToInterrupt threshold.
func (c *Controller) tryCommitBargeIn(participant string, utteranceID uint64, text string) {
	if !c.bargeInAllowed(text) {
		return
	}
	c.commitBargeIn(participant, utteranceID)
}

// commitBargeIn performs the actual interruption: cancels the in-progress
// turn and hands the floor to the interrupting participant.
func (c *Controller) commitBargeIn(participant string, utteranceID uint64) {
	c.mu.Lock()
	if !c.bargeInPending || c.bargeInParticipant != participant || c.bargeInUtteranceID != utteranceID {
		c.mu.Unlock()
		return
	}
	c.bargeInPending = false
	turnID := c.turnID
	c.mu.Unlock()

	if c.actions.CancelTurn != nil {
		c.actions.CancelTurn(turnID)
	}
	c.transition(pipeline.StateInterrupted, participant)
	c.mu.Lock()
	c.activeSpeaker = participant
	c.currentUtteranceID = utteranceID
	c.latestText = ""
	c.mu.Unlock()
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func (c *Controller) onSpeechEnd(participant string) {
	c.mu.Lock()
	if c.bargeInPending && c.bargeInParticipant == participant {
		// The interrupting speech ended before clearing the word threshold:
		// treat it as a false alarm (cough, single syllable) and stay
		// Speaking.
		c.bargeInPending = false
	}
	c.mu.Unlock()

	if c.State() != pipeline.StateListening || participant != c.ActiveSpeaker() {
		return
	}
	c.mu.Lock()
	c.speechEndAt = time.Now()
	c.mu.Unlock()
	c.transition(pipeline.StateEndpointing, participant)
	c.startEndpointTimer()
}

func (c *Controller) startEndpointTimer() {
	c.mu.Lock()
	c.turnGen++
	gen := c.turnGen
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
	}
	delay := c.endpointingDelay
	c.endpointTimer = time.AfterFunc(delay, func() {
		c.events <- event{kind: evEndpointTimerExpired, gen: gen}
	})
	c.mu.Unlock()
}

func (c *Controller) stopEndpointTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
}

func (c *Controller) onFinal(participant string, utteranceID uint64, text string) {
	state := c.State()

	if state == pipeline.StateSpeaking {
		c.onBargeInTranscript(participant, utteranceID, text, true)
		return
	}

	if state != pipeline.StateListening && state != pipeline.StateEndpointing {
		return
	}
	if participant != c.ActiveSpeaker() {
		return
	}

	c.mu.Lock()
	c.latestText = joinFinal(c.latestText, text)
	latest := c.latestText
	c.mu.Unlock()

	if state == pipeline.StateEndpointing && turnComplete(latest, c.sinceSpeechEnd()) {
		c.stopEndpointTimer()
		c.commitAndBeginTurn(participant, utteranceID, latest)
	}
}

// onInterim updates the pending barge-in's accumulated transcript and
// re-checks the word-count threshold. It is a no-op unless a barge-in is
// currently pending for this exact (participant, utterance).
func (c *Controller) onInterim(participant string, utteranceID uint64, text string) {
	if c.State() != pipeline.StateSpeaking {
		return
	}
	c.onBargeInTranscript(participant, utteranceID, text, false)
}

// onBargeInTranscript folds a new interim or final transcript into the
// pending barge-in and commits it once enough words have accumulated.
// Finals accumulate across segments the way onFinal's normal-listening
// path does; interims are cumulative-so-far and simply replace the prior
// value.
func (c *Controller) onBargeInTranscript(participant string, utteranceID uint64, text string, final bool) {
	c.mu.Lock()
	pending := c.bargeInPending && c.bargeInParticipant == participant && c.bargeInUtteranceID == utteranceID
	if pending {
		if final {
			c.bargeInText = joinFinal(c.bargeInText, text)
		} else {
			c.bargeInText = text
		}
	}
	bargeText := c.bargeInText
	c.mu.Unlock()

	if pending {
		c.tryCommitBargeIn(participant, utteranceID, bargeText)
	}
}

func (c *Controller) sinceSpeechEnd() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.speechEndAt.IsZero() {
		return 0
	}
	return time.Since(c.speechEndAt)
}

func (c *Controller) onEndpointTimerExpired(gen uint64) {
	c.mu.RLock()
	stale := gen != c.turnGen
	c.mu.RUnlock()
	if stale || c.State() != pipeline.StateEndpointing {
		return
	}

	c.mu.RLock()
	participant := c.activeSpeaker
	utteranceID := c.currentUtteranceID
	text := c.latestText
	c.mu.RUnlock()

	c.commitAndBeginTurn(participant, utteranceID, text)
}

func (c *Controller) commitAndBeginTurn(participant string, utteranceID uint64, text string) {
	turnID := newTurnID(participant, utteranceID)
	c.mu.Lock()
	c.turnID = turnID
	c.mu.Unlock()

	if c.actions.CommitUserUtterance != nil {
		c.actions.CommitUserUtterance(participant, utteranceID, text)
	}
	c.transition(pipeline.StateThinking, participant)
	if c.actions.BeginTurn != nil {
		c.actions.BeginTurn(turnID, participant, utteranceID, text)
	}
}

func (c *Controller) onGeneratorFailed() {
	if c.State() != pipeline.StateThinking {
		return
	}
	c.resetToIdle()
}

func (c *Controller) onSTTUnavailable(participant string, utteranceID uint64) {
	if participant != c.ActiveSpeaker() {
		return
	}
	if c.actions.OnSTTUnavailable != nil {
		c.actions.OnSTTUnavailable(participant, utteranceID)
	}
	c.resetToIdle()
}

func (c *Controller) onTurnDrained() {
	if c.State() != pipeline.StateSpeaking {
		return
	}
	c.resetToIdle()
}

func (c *Controller) onInterruptAcked() {
	if c.State() != pipeline.StateInterrupted {
		return
	}
	participant := c.ActiveSpeaker()
	c.transition(pipeline.StateListening, participant)
}

func (c *Controller) onParticipantLeft(participant string) {
	if participant != c.ActiveSpeaker() {
		return
	}
	switch c.State() {
	case pipeline.StateListening, pipeline.StateEndpointing:
		c.stopEndpointTimer()
		c.resetToIdle()
	case pipeline.StateThinking, pipeline.StateSpeaking:
		c.mu.RLock()
		turnID := c.turnID
		c.mu.RUnlock()
		if c.actions.CancelTurn != nil {
			c.actions.CancelTurn(turnID)
		}
		c.resetToIdle()
	}
}

func (c *Controller) resetToIdle() {
	c.mu.Lock()
	c.activeSpeaker = ""
	c.turnID = ""
	c.latestText = ""
	c.speechEndAt = time.Time{}
	c.mu.Unlock()
	c.transition(pipeline.StateIdle, "")
}

func (c *Controller) transition(to pipeline.TurnState, participant string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	turnID := c.turnID
	c.mu.Unlock()

	c.logger.Info("turn state transition", "from", from.String(), "to", to.String(), "participant", participant)
	if c.actions.OnStateChange != nil {
		c.actions.OnStateChange(from, to, participant, turnID)
	}
}

// turnComplete implements the turn-complete predicate: the latest final
// ends with sentence-final punctuation ('.', '?' or '!'), and at least
// speechEndHold of silence has accrued. Completion tokens other than these
// punctuation marks are not recognized.
func turnComplete(text string, silence time.Duration) bool {
	if silence < speechEndHold {
		return false
	}
	return endsSentence(text)
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	last := text[len(text)-1]
	return last == '.' || last == '?' || last == '!'
}

func joinFinal(prior, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return prior
	}
	if prior == "" {
		return next
	}
	return prior + " " + next
}

func newTurnID(participant string, utteranceID uint64) string {
	return uuid.NewString()
}
