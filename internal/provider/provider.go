// Package provider defines the capability contracts the agent session is assembled from.
// Each modality is opaque to the session: it only sees these interfaces.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ent0n29/lokseva/internal/audio"
)

type Modality string

const (
	ModalitySTT  Modality = "stt"
	ModalityLLM  Modality = "llm"
	ModalityTTS  Modality = "tts"
	ModalityVAD  Modality = "vad"
	ModalityTurn Modality = "turn_detection"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrMissingAPIKey = errors.New("missing api key")
)

// InitError reports a provider that could not be constructed. It is fatal at startup.
type InitError struct {
	Modality Modality
	Model    string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s provider %q: %v", e.Modality, e.Model, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Transcript struct {
	Text     string
	Language string
	Duration time.Duration
}

type STT interface {
	Transcribe(ctx context.Context, utterance audio.Frame) (Transcript, error)
}

type ChatRequest struct {
	Messages    []Message
	Temperature float64
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

type LLM interface {
	Chat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (string, error)
}

// TTS synthesizes text into a PCM16LE mono stream at SampleRate.
type TTS interface {
	SampleRate() int
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

type VADEventType int

const (
	VADEventNone VADEventType = iota
	VADEventSpeechStart
	VADEventSpeechEnd
)

func (t VADEventType) String() string {
	switch t {
	case VADEventSpeechStart:
		return "speech_start"
	case VADEventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

type VADEvent struct {
	Type VADEventType
	// Utterance holds the buffered speech on VADEventSpeechEnd.
	Utterance audio.Frame
}

// VADStream segments one continuous audio input. Not safe for concurrent use.
type VADStream interface {
	Push(frame audio.Frame) VADEvent
	Reset()
}

type VAD interface {
	NewStream() VADStream
}

// TurnDetector estimates the probability that the user finished their turn.
type TurnDetector interface {
	EndOfTurn(ctx context.Context, history []Message, text string) (float64, error)
}
