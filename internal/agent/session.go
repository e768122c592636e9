package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/provider"
	"github.com/ent0n29/lokseva/internal/redact"
	"github.com/ent0n29/lokseva/internal/room"
)

var (
	ErrNotStarted     = errors.New("agent session not started")
	ErrAlreadyStarted = errors.New("agent session already started")
	ErrClosed         = errors.New("agent session closed")
)

const (
	frameDuration      = 20 * time.Millisecond
	playbackLead       = 120 * time.Millisecond
	minSentenceChars   = 12
	defaultMaxHistory  = 40
	defaultTurnHold    = 3 * time.Second
	endOfTurnThreshold = 0.5
)

// Providers is the capability set a session runs on. Turns is optional.
type Providers struct {
	Name  string
	STT   provider.STT
	LLM   provider.LLM
	TTS   provider.TTS
	VAD   provider.VAD
	Turns provider.TurnDetector
}

type Options struct {
	Temperature        float64
	AllowInterruptions bool
	// TurnHold bounds how long an uncertain end of turn waits for more speech.
	TurnHold   time.Duration
	MaxHistory int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Session is one persona bound to one provider set, and after Start to one room.
type Session struct {
	persona   Agent
	providers Providers
	opts      Options
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	started     bool
	closed      bool
	room        room.Room
	out         room.AudioOutput
	cancel      context.CancelFunc
	runCtx      context.Context
	replyCancel context.CancelFunc
	speaking    bool

	historyMu sync.Mutex
	history   []provider.Message

	turns      chan turnRequest
	utterances chan utterance
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type turnRequest struct {
	userText     string
	instructions string
	source       string
	at           time.Time
	done         chan error
}

type utterance struct {
	frame audio.Frame
	ended time.Time
}

type transcriptPayload struct {
	Role  provider.Role `json:"role"`
	Text  string        `json:"text"`
	Final bool          `json:"final"`
}

func NewSession(persona Agent, p Providers, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TurnHold <= 0 {
		opts.TurnHold = defaultTurnHold
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	return &Session{
		persona:    persona,
		providers:  p,
		opts:       opts,
		logger:     opts.Logger.Named("agent").With(zap.String("providers", p.Name)),
		metrics:    opts.Metrics,
		turns:      make(chan turnRequest, 8),
		utterances: make(chan utterance, 8),
	}
}

func (s *Session) ProviderName() string { return s.providers.Name }

// Start binds the session to a connected room and starts the listen and reply loops.
func (s *Session) Start(ctx context.Context, r room.Room) error {
	if r == nil {
		return errors.New("room is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	out, err := r.OpenAudioOutput(s.providers.TTS.SampleRate())
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.room = r
	s.out = out
	s.runCtx = runCtx
	s.cancel = cancel
	s.started = true

	s.wg.Add(3)
	go s.listen(runCtx)
	go s.transcribe(runCtx)
	go s.reply(runCtx)

	r.SetAgentState(room.AgentStateListening)
	s.logger.Info("agent session started", zap.String("room", r.Name()))
	return nil
}

// GenerateReply runs one assistant turn with extra instructions and waits for it.
func (s *Session) GenerateReply(ctx context.Context, instructions string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	req := turnRequest{
		instructions: strings.TrimSpace(instructions),
		source:       "generated",
		at:           time.Now(),
		done:         make(chan error, 1),
	}
	select {
	case s.turns <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrClosed
	}
}

// Close stops the pipeline and releases the audio output. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel, out := s.cancel, s.out
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			err = fmt.Errorf("wait for agent pipeline: %w", ctx.Err())
		}
		if out != nil {
			out.Flush()
			if closeErr := out.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("close audio output: %w", closeErr))
			}
		}
		s.logger.Info("agent session closed")
	})
	return err
}

// History returns a copy of the in-memory chat context.
func (s *Session) History() []provider.Message {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]provider.Message(nil), s.history...)
}

func (s *Session) listen(ctx context.Context) {
	defer s.wg.Done()
	stream := s.providers.VAD.NewStream()
	frames := s.room.AudioFrames()
	chat := s.room.ChatMessages()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			ev := stream.Push(frame)
			switch ev.Type {
			case provider.VADEventSpeechStart:
				s.logger.Debug("user speech started")
				s.interrupt("speech")
			case provider.VADEventSpeechEnd:
				select {
				case s.utterances <- utterance{frame: ev.Utterance, ended: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		case msg := <-chat:
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				continue
			}
			s.interrupt("chat")
			s.enqueueUserTurn(ctx, text, "chat", msg.At)
		}
	}
}

// transcribe turns utterances into user turns, holding uncertain endings for more speech.
func (s *Session) transcribe(ctx context.Context) {
	defer s.wg.Done()
	var pending string
	var pendingAt time.Time
	var hold <-chan time.Time
	commit := func() {
		if pending != "" {
			s.enqueueUserTurn(ctx, pending, "voice", pendingAt)
		}
		pending, hold = "", nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hold:
			commit()
		case utt := <-s.utterances:
			begin := time.Now()
			tr, err := s.providers.STT.Transcribe(ctx, utt.frame)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("transcription failed", zap.Error(err), zap.Duration("audio", utt.frame.Duration()))
				continue
			}
			s.metrics.ObserveStage(observability.StageTranscribe, time.Since(begin))
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			s.publishTranscript(ctx, provider.RoleUser, text)
			pending = strings.TrimSpace(pending + " " + text)
			pendingAt = utt.ended
			if s.endOfTurn(ctx, pending) {
				commit()
				continue
			}
			hold = time.After(s.opts.TurnHold)
		}
	}
}

func (s *Session) endOfTurn(ctx context.Context, text string) bool {
	if s.providers.Turns == nil {
		return true
	}
	p, err := s.providers.Turns.EndOfTurn(ctx, s.History(), text)
	if err != nil {
		s.logger.Debug("turn detection failed, committing turn", zap.Error(err))
		return true
	}
	return p >= endOfTurnThreshold
}

func (s *Session) enqueueUserTurn(ctx context.Context, text, source string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	s.logger.Debug("user turn committed", zap.String("source", source), redact.String("text", text))
	select {
	case s.turns <- turnRequest{userText: text, source: source, at: at}:
	case <-ctx.Done():
	}
}

func (s *Session) reply(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.turns:
			err := s.runTurn(ctx, req)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("assistant turn failed", zap.String("source", req.source), zap.Error(err))
			}
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

func (s *Session) runTurn(ctx context.Context, req turnRequest) error {
	s.metrics.ObserveTurn(req.source)
	messages := s.prepareMessages(req)

	replyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.replyCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.replyCancel = nil
		s.speaking = false
		s.mu.Unlock()
		s.room.SetAgentState(room.AgentStateListening)
	}()
	s.room.SetAgentState(room.AgentStateThinking)

	sentences := make(chan string, 16)
	spoken := make(chan string, 1)
	speakErr := make(chan error, 1)
	go func() {
		text, err := s.speak(replyCtx, cancel, sentences, req.at)
		spoken <- text
		speakErr <- err
	}()

	splitter := newSentenceSplitter(minSentenceChars)
	emit := func(sentence string) error {
		select {
		case sentences <- sentence:
			return nil
		case <-replyCtx.Done():
			return replyCtx.Err()
		}
	}
	firstText := true
	full, llmErr := s.providers.LLM.Chat(replyCtx, provider.ChatRequest{
		Messages:    messages,
		Temperature: s.opts.Temperature,
	}, func(delta string) error {
		if firstText {
			firstText = false
			s.metrics.ObserveStage(observability.StageFirstText, time.Since(req.at))
		}
		for _, sentence := range splitter.Push(delta) {
			if err := emit(sentence); err != nil {
				return err
			}
		}
		return nil
	})
	if llmErr == nil {
		if rest := splitter.Flush(); rest != "" {
			llmErr = emit(rest)
		}
	}
	close(sentences)
	spokenText := <-spoken
	ttsErr := <-speakErr

	interrupted := replyCtx.Err() != nil && ctx.Err() == nil && ttsErr == nil
	if interrupted {
		s.out.Flush()
		s.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: spokenText})
		s.logger.Info("assistant reply interrupted", zap.Int("spoken_chars", len(spokenText)))
		return nil
	}
	if ttsErr != nil {
		return fmt.Errorf("tts: %w", ttsErr)
	}
	if llmErr != nil {
		return fmt.Errorf("llm: %w", llmErr)
	}

	full = strings.TrimSpace(full)
	s.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: full})
	s.publishTranscript(ctx, provider.RoleAssistant, full)
	s.metrics.ObserveStage(observability.StageReplyTotal, time.Since(req.at))
	return nil
}

// speak synthesizes sentences in order and paces playback so interruptions cut in quickly.
func (s *Session) speak(ctx context.Context, abort context.CancelFunc, sentences <-chan string, turnAt time.Time) (string, error) {
	var spoken []string
	var playStart time.Time
	var played time.Duration
	sampleRate := s.providers.TTS.SampleRate()
	frameBytes := int(int64(sampleRate)*int64(frameDuration)/int64(time.Second)) * 2

	for sentence := range sentences {
		if ctx.Err() != nil {
			continue
		}
		text := sanitizeSpeechText(sentence)
		if text == "" {
			continue
		}
		stream, err := s.providers.TTS.Synthesize(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			abort()
			return strings.Join(spoken, " "), err
		}

		reader := bufio.NewReaderSize(stream, frameBytes*4)
		buf := make([]byte, frameBytes)
		for {
			n, readErr := io.ReadFull(reader, buf)
			if n > 0 {
				if playStart.IsZero() {
					playStart = time.Now()
					s.mu.Lock()
					s.speaking = true
					s.mu.Unlock()
					s.room.SetAgentState(room.AgentStateSpeaking)
					s.metrics.ObserveFirstAudioLatency(time.Since(turnAt))
				}
				frame := audio.FrameFromBytes(buf[:n-n%2], sampleRate, 1)
				if err := s.out.WriteFrame(ctx, frame); err != nil {
					if ctx.Err() != nil {
						break
					}
					_ = stream.Close()
					abort()
					return strings.Join(spoken, " "), fmt.Errorf("play speech: %w", err)
				}
				played += frame.Duration()
				if !pace(ctx, playStart, played) {
					break
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) && ctx.Err() == nil {
					_ = stream.Close()
					abort()
					return strings.Join(spoken, " "), fmt.Errorf("read speech: %w", readErr)
				}
				break
			}
		}
		_ = stream.Close()
		if ctx.Err() == nil {
			spoken = append(spoken, text)
		}
	}
	return strings.Join(spoken, " "), nil
}

// pace sleeps while written audio runs more than playbackLead ahead of the wall clock.
func pace(ctx context.Context, start time.Time, played time.Duration) bool {
	ahead := played - time.Since(start) - playbackLead
	if ahead <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(ahead)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) interrupt(cause string) {
	if !s.opts.AllowInterruptions {
		return
	}
	s.mu.Lock()
	cancel, speaking := s.replyCancel, s.speaking
	s.mu.Unlock()
	if cancel == nil || !speaking {
		return
	}
	cancel()
	s.metrics.ObserveInterruption()
	s.logger.Info("user interrupted assistant", zap.String("cause", cause))
}

func (s *Session) prepareMessages(req turnRequest) []provider.Message {
	if req.userText != "" {
		s.appendHistory(provider.Message{Role: provider.RoleUser, Content: req.userText})
	}
	history := s.History()
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: s.persona.Instructions})
	messages = append(messages, history...)
	if req.instructions != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: req.instructions})
	}
	return messages
}

func (s *Session) appendHistory(msg provider.Message) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, msg)
	if over := len(s.history) - s.opts.MaxHistory; over > 0 {
		s.history = append([]provider.Message(nil), s.history[over:]...)
	}
}

func (s *Session) publishTranscript(ctx context.Context, role provider.Role, text string) {
	payload, err := json.Marshal(transcriptPayload{Role: role, Text: text, Final: true})
	if err != nil {
		return
	}
	if err := s.room.PublishText(ctx, room.TopicTranscription, string(payload)); err != nil && ctx.Err() == nil {
		s.logger.Debug("publish transcript failed", zap.Error(err))
	}
}
