// Package session implements the Session Supervisor: it owns every
// participant's ingress/VAD/STT pipeline, wires the Turn Controller's
// actions into the Response Generator and Audio Egress, and propagates a
// single session-level cancellation to all children on graceful shutdown.
// Per-participant pipelines are supervised with golang.org/x/sync/errgroup
// so any child's failure cancels the rest without ad hoc CancelFunc
// bookkeeping.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/config"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/dialogue"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/egress"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/generator"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/ingress"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/logging"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/pipeline"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/stt"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/telemetry"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/turn"
	vadpkg "github.com/lokutor-ai/lokutor-orchestrator/pkg/vad"
)

// drainDeadline is the graceful-shutdown budget after the last participant
// leaves.
const drainDeadline = 3 * time.Second

// Providers bundles the external collaborators a Session depends on.
type Providers struct {
	Transport pipeline.MediaTransport
	STT       pipeline.STTClient
	LLM       pipeline.LLMClient
	TTS       pipeline.TTSClient
}

// participant holds one active speaker's per-participant pipeline state.
type participant struct {
	identity string
	vad      vadpkg.Detector
	sttConn  *stt.ParticipantStream
	echo     *ingress.EchoSuppressor
	utterSeq uint64
}

// Session supervises one WebRTC room's voice pipeline.
type Session struct {
	cfg       config.Config
	logger    logging.Logger
	providers Providers

	demux     *ingress.Demux
	dialogue  *dialogue.Store
	turnCtl   *turn.Controller
	publisher *telemetry.Publisher

	mu           sync.Mutex
	participants map[string]*participant

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	currentEgress *egress.Egress
	genCancel     context.CancelFunc
	timer         telemetry.TurnTimer
	activeTurnID  string
}

// New builds a Session. Run must be called to start processing.
func New(cfg config.Config, logger logging.Logger, providers Providers) *Session {
	if logger == nil {
		logger = logging.NoOp{}
	}
	s := &Session{
		cfg:          cfg,
		logger:       logger,
		providers:    providers,
		demux:        ingress.NewDemux(logger),
		dialogue:     dialogue.New(cfg.SystemPreamble, cfg.DialogueMaxTurns, cfg.DialogueMaxChars),
		participants: make(map[string]*participant),
		publisher:    telemetry.NewPublisher(providers.Transport, nil),
	}
	s.turnCtl = turn.New(s.actions(), logger, cfg.EndpointingDelayMs, cfg.MinWordsToInterrupt)
	return s
}

func (s *Session) actions() turn.Actions {
	return turn.Actions{
		OpenUtterance:       s.handleOpenUtterance,
		CommitUserUtterance: s.handleCommitUserUtterance,
		BeginTurn:           s.handleBeginTurn,
		CancelTurn:          s.handleCancelTurn,
		OnStateChange:       s.handleStateChange,
		OnSTTUnavailable:    s.handleSTTUnavailable,
	}
}

// Run starts the session's background goroutines and blocks until ctx is
// cancelled or a supervised child returns an error.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(s.ctx)
	s.group = g

	s.providers.Transport.RegisterHandler(s)

	g.Go(func() error {
		s.turnCtl.Run()
		return nil
	})

	<-gctx.Done()
	s.cancel()
	s.turnCtl.Stop()
	return g.Wait()
}

// Shutdown triggers a graceful drain: let the active turn finish or cancel
// it after drainDeadline, then cancel the session. It does not gate audio
// ingestion: OnAudioFrame keeps accepting frames for registered
// participants during the drain.
func (s *Session) Shutdown() {
	deadline := time.NewTimer(drainDeadline)
	defer deadline.Stop()

	idle := make(chan struct{})
	go func() {
		for s.turnCtl.State() != pipeline.StateIdle {
			time.Sleep(20 * time.Millisecond)
		}
		close(idle)
	}()

	select {
	case <-idle:
	case <-deadline.C:
		s.mu.Lock()
		turnID := s.activeTurnID
		s.mu.Unlock()
		if turnID != "" {
			s.handleCancelTurn(turnID)
		}
	}
	s.cancel()
}

// OnParticipantJoined implements pipeline.ParticipantHandler.
func (s *Session) OnParticipantJoined(identity, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &participant{
		identity: identity,
		vad:      vadpkg.NewRMS(s.cfg.VADActivationThreshold, s.cfg.VADMinSpeechMs, s.cfg.VADMinSilenceMs, 20*time.Millisecond),
		sttConn:  stt.NewParticipantStream(s.providers.STT, identity, pipeline.Language(s.cfg.STTLanguage), s.cfg.STTModel, s.logger),
		echo:     ingress.NewEchoSuppressor(),
	}
	s.participants[identity] = p
	s.demux.Register(identity)

	s.group.Go(func() error {
		s.pump(s.ctx, p)
		return nil
	})
}

// OnParticipantLeft implements pipeline.ParticipantHandler.
func (s *Session) OnParticipantLeft(identity string) {
	s.mu.Lock()
	delete(s.participants, identity)
	remaining := len(s.participants)
	s.mu.Unlock()

	s.demux.Unregister(identity)
	s.turnCtl.ParticipantLeft(identity)

	if remaining == 0 {
		go s.Shutdown()
	}
}

// OnAudioFrame implements pipeline.ParticipantHandler.
func (s *Session) OnAudioFrame(frame pipeline.AudioFrame) {
	_ = s.demux.Ingest(frame)
}

// pump drains one participant's ingress queue, feeding VAD and STT.
func (s *Session) pump(ctx context.Context, p *participant) {
	q, ok := s.demux.Queue(p.identity)
	if !ok {
		return
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				frame, ok := q.Pop()
				if !ok {
					break
				}
				s.processFrame(ctx, p, frame)
			}
		}
	}
}

func (s *Session) processFrame(ctx context.Context, p *participant, frame pipeline.AudioFrame) {
	if p.echo.IsEcho(frame.PCM) {
		return
	}

	ev, err := p.vad.Process(frame.PCM)
	if err != nil {
		s.logger.Warn("vad error", "participant", p.identity, "error", err)
		return
	}
	if ev != nil {
		switch ev.Type {
		case vadpkg.SpeechStart:
			p.utterSeq++
			uid := p.utterSeq
			s.turnCtl.SpeechStart(p.identity, uid)
			go s.openSTT(ctx, p, uid)
		case vadpkg.SpeechEnd:
			s.turnCtl.SpeechEnd(p.identity)
			p.sttConn.ScheduleHangover(time.Duration(s.cfg.STTHangoverMs) * time.Millisecond)
		}
	}

	if p.vad.IsSpeaking() {
		_ = p.sttConn.Send(frame.PCM)
	}
}

func (s *Session) openSTT(ctx context.Context, p *participant, utteranceID uint64) {
	if err := p.sttConn.Open(ctx, utteranceID); err != nil {
		s.turnCtl.STTUnavailable(p.identity, utteranceID)
		return
	}
	err := p.sttConn.Segments(ctx,
		func(in stt.Interim) {
			_ = s.publisher.PublishTranscript(p.identity, in.UtteranceID, "user", in.Text, true)
			s.turnCtl.Interim(p.identity, in.UtteranceID, in.Text)
		},
		func(f stt.Final) {
			_ = s.publisher.PublishTranscript(p.identity, f.UtteranceID, "user", f.Text, false)
			s.turnCtl.Final(p.identity, f.UtteranceID, f.Text)
		},
	)
	if err != nil {
		s.logger.Warn("stt segments ended with error", "participant", p.identity, "error", err)
	}
}

func (s *Session) handleOpenUtterance(participant string, utteranceID uint64) {
	s.timer = telemetry.TurnTimer{Participant: participant, UtteranceStart: time.Now()}
}

func (s *Session) handleCommitUserUtterance(participant string, utteranceID uint64, text string) {
	s.dialogue.Append(pipeline.RoleUser, text, false)
	s.timer.SttFinalAt = time.Now()
	s.timer.ThinkingAt = time.Now()

	s.mu.Lock()
	p := s.participants[participant]
	s.mu.Unlock()
	if p != nil {
		p.sttConn.MarkResolved()
	}
}

func (s *Session) handleBeginTurn(turnID string, participantID string, utteranceID uint64, text string) {
	s.mu.Lock()
	s.activeTurnID = turnID
	s.mu.Unlock()
	s.timer.TurnID = turnID

	genCtx, cancel := context.WithCancel(s.ctx)
	s.genCancel = cancel

	s.currentEgress = egress.New(s.providers.TTS, s.providers.Transport, s.cfg.PublishSampleRateHz, s.logger, egress.Events{
		OnFrame: func(frame pipeline.AudioOut) {
			s.mu.Lock()
			for _, p := range s.participants {
				p.echo.RecordPlayedAudio(frame.PCM)
			}
			s.mu.Unlock()
		},
	})
	s.currentEgress.Start()

	gen := generator.New(s.providers.LLM, s.logger)
	req := pipeline.ChatRequest{Model: s.cfg.LLMModel, Messages: s.dialogue.ChatMessages(), Temperature: s.cfg.LLMTemperature}

	firstChunk := true
	onChunk := func(chunk pipeline.SpeakChunk) {
		if firstChunk {
			firstChunk = false
			s.timer.FirstTokenAt = time.Now()
			s.turnCtl.GeneratorFirstChunk(turnID)
		}
		if err := s.currentEgress.Speak(genCtx, chunk, s.cfg.TTSSampleRateHz, pipeline.Voice(s.cfg.TTSVoice), pipeline.LanguageEn); err != nil {
			s.logger.Warn("egress speak failed", "turn", turnID, "error", err)
		}
		if chunk.IsFinal {
			s.timer.SpeakingAt = time.Now()
		}
	}

	go func() {
		text, truncated, err := gen.Run(genCtx, turnID, req, onChunk)
		s.timer.GeneratorDone = time.Now()
		if err != nil {
			s.currentEgress.Stop()
			s.turnCtl.GeneratorFailed(turnID)
			return
		}
		if text != "" {
			s.dialogue.Append(pipeline.RoleAssistant, text, truncated)
			_ = s.publisher.PublishTranscript(participantID, utteranceID, "assistant", text, false)
		}
		s.currentEgress.Stop()
		s.timer.TurnEndAt = time.Now()
		s.publisher.RecordLatency(s.ctx, s.timer.Breakdown())
		s.mu.Lock()
		s.activeTurnID = ""
		s.mu.Unlock()
		s.turnCtl.TurnDrained(turnID)
	}()
}

// handleCancelTurn runs a barge-in or shutdown-drain cancellation. It
// cancels the generation context so gen.Run's goroutine (started in
// handleBeginTurn) unwinds and calls Stop on the same Egress once it
// observes genCtx.Done; Cancel here is what makes that unwind immediate
// from the listener's perspective, by aborting TTS and switching the
// consumer over to discarding already-buffered frames instead of playing
// them out.
func (s *Session) handleCancelTurn(turnID string) {
	if s.genCancel != nil {
		s.genCancel()
	}
	if s.currentEgress != nil {
		_ = s.currentEgress.Cancel()
	}
	s.mu.Lock()
	s.activeTurnID = ""
	s.mu.Unlock()
	s.turnCtl.InterruptAcked(turnID)
}

func (s *Session) handleStateChange(from, to pipeline.TurnState, participant, turnID string) {
	_ = s.publisher.PublishStateTransition(participant, to, turnID)
}

func (s *Session) handleSTTUnavailable(participant string, utteranceID uint64) {
	_ = s.publisher.PublishEvent(pipeline.Event{Type: pipeline.EventError, Participant: participant, Data: "stt_unavailable"})
}
