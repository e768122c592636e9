package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"strings"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/provider"
)

var sttModels = map[string]bool{
	"gpt-4o-transcribe":      true,
	"gpt-4o-mini-transcribe": true,
	"whisper-1":              true,
}

// STT transcribes finished utterances with /audio/transcriptions.
type STT struct {
	client *Client
	model  string
}

func NewSTT(client *Client, model string) (*STT, error) {
	model = strings.TrimSpace(model)
	if err := checkModel(client, provider.ModalitySTT, model, sttModels); err != nil {
		return nil, err
	}
	return &STT{client: client, model: model}, nil
}

func (s *STT) Transcribe(ctx context.Context, utterance audio.Frame) (provider.Transcript, error) {
	if len(utterance.Data) == 0 {
		return provider.Transcript{}, nil
	}
	wav, err := audio.EncodeWAV(utterance)
	if err != nil {
		return provider.Transcript{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", s.model); err != nil {
		return provider.Transcript{}, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return provider.Transcript{}, fmt.Errorf("write format field: %w", err)
	}
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return provider.Transcript{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return provider.Transcript{}, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return provider.Transcript{}, fmt.Errorf("close multipart: %w", err)
	}

	res, err := s.client.post(ctx, "openai_stt", "/audio/transcriptions", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return provider.Transcript{}, err
	}
	defer res.Body.Close()

	var out struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return provider.Transcript{}, fmt.Errorf("decode transcription: %w", err)
	}
	return provider.Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Duration: utterance.Duration(),
	}, nil
}

func checkModel(client *Client, modality provider.Modality, model string, allowed map[string]bool) error {
	if !allowed[model] {
		return &provider.InitError{Modality: modality, Model: model, Err: provider.ErrUnknownModel}
	}
	if client == nil || !client.HasAPIKey() {
		return &provider.InitError{Modality: modality, Model: model, Err: provider.ErrMissingAPIKey}
	}
	return nil
}
