// Package room connects the agent to a realtime room and delivers participant events.
package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lokseva/internal/audio"
)

// Data topics shared with LiveKit frontends.
const (
	TopicChat          = "lk.chat"
	TopicTranscription = "lk.transcription"
)

// InputSampleRate is the rate remote audio is resampled to before it reaches the session.
const InputSampleRate = 16000

type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateListening    AgentState = "listening"
	AgentStateThinking     AgentState = "thinking"
	AgentStateSpeaking     AgentState = "speaking"
)

type ChatMessage struct {
	From string
	Text string
	At   time.Time
}

// AudioOutput plays agent speech into the room.
type AudioOutput interface {
	WriteFrame(ctx context.Context, frame audio.Frame) error
	// Flush drops queued audio that has not been played yet.
	Flush()
	Close() error
}

// Room is a connected room handle.
type Room interface {
	Name() string
	LocalIdentity() string
	AudioFrames() <-chan audio.Frame
	ChatMessages() <-chan ChatMessage
	OpenAudioOutput(sampleRate int) (AudioOutput, error)
	PublishText(ctx context.Context, topic, text string) error
	SetAgentState(state AgentState)
	Disconnect()
}

// DisconnectHandler runs on the event dispatcher, never on the transport goroutine.
type DisconnectHandler func(participantID string)

type ConnectHandler func(participantID string)

// Connector opens a room. Handlers must be registered before Connect.
type Connector interface {
	Connect(ctx context.Context) (Room, error)
	OnParticipantConnected(h ConnectHandler)
	OnParticipantDisconnected(h DisconnectHandler)
}

// ConnectionError reports that the room could not be joined. It is fatal at startup.
type ConnectionError struct {
	URL  string
	Room string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connect room %q: %v", e.Room, e.Err)
	}
	return fmt.Sprintf("connect room %q at %s: %v", e.Room, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AgentIdentity derives a unique participant identity for one agent process.
func AgentIdentity(agentName string) string {
	return fmt.Sprintf("agent-%s-%s", agentName, strings.Split(uuid.NewString(), "-")[0])
}
