package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ent0n29/lokseva/internal/audio"
)

// MockSTT is a local fallback used when no speech backend is configured.
type MockSTT struct{}

func NewMockSTT() *MockSTT { return &MockSTT{} }

func (p *MockSTT) Transcribe(ctx context.Context, utterance audio.Frame) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if len(utterance.Data) == 0 {
		return Transcript{}, nil
	}
	return Transcript{Text: "simulated voice input", Duration: utterance.Duration()}, nil
}

// MockLLM produces deterministic replies.
type MockLLM struct{}

func NewMockLLM() *MockLLM { return &MockLLM{} }

func (p *MockLLM) Chat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	text := buildMockReply(req.Messages)
	for _, word := range strings.SplitAfter(text, " ") {
		if onDelta == nil || word == "" {
			continue
		}
		if err := onDelta(word); err != nil {
			return "", err
		}
	}
	return text, nil
}

func buildMockReply(messages []Message) string {
	var lastUser, lastInstruction string
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			lastUser = strings.TrimSpace(m.Content)
			lastInstruction = ""
		case RoleSystem:
			lastInstruction = strings.TrimSpace(m.Content)
		}
	}
	if lastUser == "" || lastInstruction != "" && strings.Contains(strings.ToLower(lastInstruction), "greet") {
		return "Hello! How can I help you today?"
	}
	return fmt.Sprintf("I heard you: %s", lastUser)
}

// MockTTS emits silence sized to the text so playback pacing stays realistic.
type MockTTS struct {
	sampleRate int
	perRune    time.Duration
}

func NewMockTTS() *MockTTS {
	return &MockTTS{sampleRate: 24000, perRune: 2 * time.Millisecond}
}

func (p *MockTTS) SampleRate() int { return p.sampleRate }

func (p *MockTTS) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	d := time.Duration(len([]rune(text))) * p.perRune
	samples := int(int64(p.sampleRate) * int64(d) / int64(time.Second))
	return io.NopCloser(bytes.NewReader(make([]byte, samples*2))), nil
}
