package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/lokseva/internal/provider"
)

// PCMSampleRate is the rate of response_format=pcm output.
const PCMSampleRate = 24000

var ttsModels = map[string]bool{
	"tts-1":           true,
	"tts-1-hd":        true,
	"gpt-4o-mini-tts": true,
}

var ttsVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true, "echo": true, "fable": true,
	"onyx": true, "nova": true, "sage": true, "shimmer": true, "verse": true,
}

// TTS synthesizes speech with /audio/speech as raw PCM16LE mono.
type TTS struct {
	client *Client
	model  string
	voice  string
}

func NewTTS(client *Client, model, voice string) (*TTS, error) {
	model = strings.TrimSpace(model)
	voice = strings.ToLower(strings.TrimSpace(voice))
	if err := checkModel(client, provider.ModalityTTS, model, ttsModels); err != nil {
		return nil, err
	}
	if !ttsVoices[voice] {
		return nil, &provider.InitError{
			Modality: provider.ModalityTTS,
			Model:    model,
			Err:      fmt.Errorf("unknown voice %q", voice),
		}
	}
	return &TTS{client: client, model: model, voice: voice}, nil
}

func (t *TTS) SampleRate() int { return PCMSampleRate }

func (t *TTS) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	payload, err := json.Marshal(map[string]string{
		"model":           t.model,
		"input":           text,
		"voice":           t.voice,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	res, err := t.client.post(ctx, "openai_tts", "/audio/speech", "application/json", payload)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}
