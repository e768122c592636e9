package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/provider"
	"github.com/ent0n29/lokseva/internal/room"
)

const greeting = "Greet the user and offer your assistance."

func mockProviders() Providers {
	return Providers{
		Name: "mock",
		STT:  provider.NewMockSTT(),
		LLM:  provider.NewMockLLM(),
		TTS:  provider.NewMockTTS(),
		VAD: provider.NewRMSVAD(provider.RMSVADOptions{
			SpeechThreshold: 0.1,
			MinSpeech:       20 * time.Millisecond,
			MinSilence:      60 * time.Millisecond,
		}),
	}
}

type harness struct {
	session *Session
	conn    *room.LocalConnector
	room    room.Room
}

func startSession(t *testing.T, p Providers, opts Options) harness {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	persona, err := NewAgent("You are a helpful assistant")
	require.NoError(t, err)

	conn := room.NewLocalConnector(room.LocalOptions{RoomName: "agent-test"})
	r, err := conn.Connect(context.Background())
	require.NoError(t, err)

	s := NewSession(persona, p, opts)
	require.NoError(t, s.Start(context.Background(), r))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
		conn.Close()
	})
	return harness{session: s, conn: conn, room: r}
}

func transcripts(c *room.LocalConnector) []transcriptPayload {
	var out []transcriptPayload
	for _, p := range c.Published() {
		if p.Topic != room.TopicTranscription {
			continue
		}
		var tp transcriptPayload
		if err := json.Unmarshal([]byte(p.Text), &tp); err == nil {
			out = append(out, tp)
		}
	}
	return out
}

func hasTranscript(c *room.LocalConnector, role provider.Role, text string) bool {
	for _, tp := range transcripts(c) {
		if tp.Role == role && tp.Text == text {
			return true
		}
	}
	return false
}

func tone(amplitude int16, frames int) []audio.Frame {
	out := make([]audio.Frame, frames)
	for i := range out {
		data := make([]int16, 320)
		for j := range data {
			if j%2 == 0 {
				data[j] = amplitude
			} else {
				data[j] = -amplitude
			}
		}
		out[i] = audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
	}
	return out
}

func inject(t *testing.T, c *room.LocalConnector, frames []audio.Frame) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, c.InjectAudio(context.Background(), f))
	}
}

func TestGenerateReplySpeaksGreeting(t *testing.T) {
	h := startSession(t, mockProviders(), Options{AllowInterruptions: true})

	require.NoError(t, h.session.GenerateReply(context.Background(), greeting))

	assert.True(t, hasTranscript(h.conn, provider.RoleAssistant, "Hello! How can I help you today?"))
	assert.Greater(t, h.conn.AudioPlayed(), time.Duration(0))
	states := h.conn.States()
	assert.Contains(t, states, room.AgentStateSpeaking)
	assert.Equal(t, room.AgentStateListening, states[len(states)-1])

	history := h.session.History()
	require.Len(t, history, 1)
	assert.Equal(t, provider.RoleAssistant, history[0].Role)
}

func TestChatMessageBecomesTurn(t *testing.T) {
	h := startSession(t, mockProviders(), Options{})

	require.NoError(t, h.conn.InjectChat(context.Background(), "user-1", "book a cab"))
	require.Eventually(t, func() bool {
		return hasTranscript(h.conn, provider.RoleAssistant, "I heard you: book a cab")
	}, 2*time.Second, 10*time.Millisecond)

	history := h.session.History()
	require.Len(t, history, 2)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "book a cab"}, history[0])
}

func TestVoiceUtteranceBecomesTurn(t *testing.T) {
	h := startSession(t, mockProviders(), Options{})

	inject(t, h.conn, tone(8000, 10))
	inject(t, h.conn, tone(0, 5))

	require.Eventually(t, func() bool {
		return hasTranscript(h.conn, provider.RoleUser, "simulated voice input") &&
			hasTranscript(h.conn, provider.RoleAssistant, "I heard you: simulated voice input")
	}, 2*time.Second, 10*time.Millisecond)
}

// slowTTS emits seconds of audio per sentence so a reply stays audible long enough to interrupt.
type slowTTS struct{}

func (slowTTS) SampleRate() int { return 16000 }

func (slowTTS) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, 16000*2*3))), nil
}

func TestUserSpeechInterruptsReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith("test", reg)
	p := mockProviders()
	p.TTS = slowTTS{}
	h := startSession(t, p, Options{AllowInterruptions: true, Metrics: metrics})

	done := make(chan error, 1)
	go func() { done <- h.session.GenerateReply(context.Background(), greeting) }()

	require.Eventually(t, func() bool {
		for _, s := range h.conn.States() {
			if s == room.AgentStateSpeaking {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	inject(t, h.conn, tone(8000, 3))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not interrupted")
	}
	assert.GreaterOrEqual(t, h.conn.Flushes(), 1)
	assert.Less(t, h.conn.AudioPlayed(), 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Interruptions))
	assert.False(t, hasTranscript(h.conn, provider.RoleAssistant, "Hello! How can I help you today?"))
}

func TestInterruptionsCanBeDisabled(t *testing.T) {
	p := mockProviders()
	h := startSession(t, p, Options{AllowInterruptions: false})
	h.session.mu.Lock()
	h.session.speaking = true
	h.session.replyCancel = func() { t.Fatal("reply cancelled with interruptions disabled") }
	h.session.mu.Unlock()

	h.session.interrupt("speech")

	h.session.mu.Lock()
	h.session.speaking = false
	h.session.replyCancel = nil
	h.session.mu.Unlock()
}

type scriptedSTT struct {
	mu    sync.Mutex
	texts []string
}

func (s *scriptedSTT) Transcribe(ctx context.Context, _ audio.Frame) (provider.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return provider.Transcript{}, nil
	}
	text := s.texts[0]
	s.texts = s.texts[1:]
	return provider.Transcript{Text: text}, nil
}

func TestTurnDetectorJoinsUnfinishedUtterances(t *testing.T) {
	p := mockProviders()
	p.STT = &scriptedSTT{texts: []string{"I want to book a ticket and", "to Paris."}}
	p.Turns = provider.NewHeuristicTurnDetector()
	h := startSession(t, p, Options{TurnHold: 5 * time.Second})

	inject(t, h.conn, tone(8000, 5))
	inject(t, h.conn, tone(0, 4))
	inject(t, h.conn, tone(8000, 5))
	inject(t, h.conn, tone(0, 4))

	require.Eventually(t, func() bool {
		return hasTranscript(h.conn, provider.RoleAssistant, "I heard you: I want to book a ticket and to Paris.")
	}, 2*time.Second, 10*time.Millisecond)

	var userTurns int
	for _, m := range h.session.History() {
		if m.Role == provider.RoleUser {
			userTurns++
		}
	}
	assert.Equal(t, 1, userTurns)
}

type failingLLM struct{}

func (failingLLM) Chat(ctx context.Context, req provider.ChatRequest, onDelta provider.DeltaHandler) (string, error) {
	return "", errors.New("rate limited")
}

func TestGenerateReplyReportsProviderFailure(t *testing.T) {
	p := mockProviders()
	p.LLM = failingLLM{}
	h := startSession(t, p, Options{})

	err := h.session.GenerateReply(context.Background(), greeting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, room.AgentStateListening, h.conn.States()[len(h.conn.States())-1])
}

// deadTrackRoom publishes an audio track whose writes always fail.
type deadTrackRoom struct {
	room.Room
	writes atomic.Int32
}

func (r *deadTrackRoom) OpenAudioOutput(sampleRate int) (room.AudioOutput, error) {
	return deadOutput{writes: &r.writes}, nil
}

type deadOutput struct{ writes *atomic.Int32 }

func (o deadOutput) WriteFrame(ctx context.Context, frame audio.Frame) error {
	o.writes.Add(1)
	return errors.New("track closed")
}
func (deadOutput) Flush()       {}
func (deadOutput) Close() error { return nil }

func TestGenerateReplyReportsAudioWriteFailure(t *testing.T) {
	persona, err := NewAgent("You are a helpful assistant")
	require.NoError(t, err)
	conn := room.NewLocalConnector(room.LocalOptions{RoomName: "agent-test"})
	defer conn.Close()
	base, err := conn.Connect(context.Background())
	require.NoError(t, err)
	r := &deadTrackRoom{Room: base}

	s := NewSession(persona, mockProviders(), Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, s.Start(context.Background(), r))
	defer func() { _ = s.Close(context.Background()) }()

	err = s.GenerateReply(context.Background(), greeting)
	require.Error(t, err)
	assert.ErrorContains(t, err, "track closed")
	assert.Equal(t, int32(1), r.writes.Load())
	assert.Empty(t, s.History())
}

func TestSessionStartAndCloseRules(t *testing.T) {
	persona, err := NewAgent("persona")
	require.NoError(t, err)
	s := NewSession(persona, mockProviders(), Options{Logger: zaptest.NewLogger(t)})

	assert.ErrorIs(t, s.GenerateReply(context.Background(), greeting), ErrNotStarted)
	assert.Error(t, s.Start(context.Background(), nil))

	failing := room.NewLocalConnector(room.LocalOptions{OutputErr: errors.New("no track")})
	defer failing.Close()
	r, err := failing.Connect(context.Background())
	require.NoError(t, err)
	assert.ErrorContains(t, s.Start(context.Background(), r), "open audio output")

	ok := room.NewLocalConnector(room.LocalOptions{})
	defer ok.Close()
	r, err = ok.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), r))
	assert.ErrorIs(t, s.Start(context.Background(), r), ErrAlreadyStarted)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background(), r), ErrClosed)
	assert.ErrorIs(t, s.GenerateReply(context.Background(), greeting), ErrClosed)
}

func TestCloseBeforeStart(t *testing.T) {
	s := NewSession(Agent{Instructions: "persona"}, mockProviders(), Options{})
	require.NoError(t, s.Close(context.Background()))

	conn := room.NewLocalConnector(room.LocalOptions{})
	defer conn.Close()
	r, err := conn.Connect(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(context.Background(), r), ErrClosed)
}
