package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/provider"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(ClientOptions{
		APIKey:     "sk-test",
		BaseURL:    url,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		RetryCap:   5 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	})
}

func TestSTTUploadsWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "gpt-4o-transcribe", r.FormValue("model"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "utterance.wav", hdr.Filename)
		head := make([]byte, 4)
		_, _ = io.ReadFull(f, head)
		assert.Equal(t, "RIFF", string(head))
		_, _ = w.Write([]byte(`{"text":" book a cab "}`))
	}))
	defer srv.Close()

	stt, err := NewSTT(newTestClient(t, srv.URL), "gpt-4o-transcribe")
	require.NoError(t, err)
	tr, err := stt.Transcribe(context.Background(), audio.Frame{Data: make([]int16, 1600), SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, "book a cab", tr.Text)
	assert.Equal(t, 100*time.Millisecond, tr.Duration)
}

func TestLLMStreamsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", "! How", " can I help?"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	llm, err := NewLLM(newTestClient(t, srv.URL), "gpt-4o-mini")
	require.NoError(t, err)

	var deltas []string
	text, err := llm.Chat(context.Background(), provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "persona"},
			{Role: provider.RoleUser, Content: "hi"},
		},
		Temperature: 0.7,
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", text)
	assert.Equal(t, []string{"Hello", "! How", " can I help?"}, deltas)
}

func TestTTSReturnsPCMBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pcm", body["response_format"])
		assert.Equal(t, "nova", body["voice"])
		_, _ = w.Write(make([]byte, 960))
	}))
	defer srv.Close()

	tts, err := NewTTS(newTestClient(t, srv.URL), "tts-1", "Nova")
	require.NoError(t, err)
	assert.Equal(t, 24000, tts.SampleRate())

	rc, err := tts.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	defer rc.Close()
	pcm, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, pcm, 960)
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	stt, err := NewSTT(newTestClient(t, srv.URL), "whisper-1")
	require.NoError(t, err)
	tr, err := stt.Transcribe(context.Background(), audio.Frame{Data: make([]int16, 160), SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", tr.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	llm, err := NewLLM(newTestClient(t, srv.URL), "gpt-4o")
	require.NoError(t, err)
	_, err = llm.Chat(context.Background(), provider.ChatRequest{}, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.Equal(t, int32(1), calls.Load())
}

func TestConstructorsRejectBadModelsAndMissingKey(t *testing.T) {
	client := NewClient(ClientOptions{APIKey: "sk-test"})
	noKey := NewClient(ClientOptions{})

	tests := []struct {
		name     string
		build    func() error
		modality provider.Modality
		sentinel error
	}{
		{"unknown stt", func() error { _, err := NewSTT(client, "deepgram-nova-3"); return err }, provider.ModalitySTT, provider.ErrUnknownModel},
		{"unknown llm", func() error { _, err := NewLLM(client, "llama-3"); return err }, provider.ModalityLLM, provider.ErrUnknownModel},
		{"unknown tts", func() error { _, err := NewTTS(client, "cartesia", "nova"); return err }, provider.ModalityTTS, provider.ErrUnknownModel},
		{"missing key", func() error { _, err := NewLLM(noKey, "gpt-4o-mini"); return err }, provider.ModalityLLM, provider.ErrMissingAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			var initErr *provider.InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, tt.modality, initErr.Modality)
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}

	_, err := NewTTS(client, "tts-1", "robot")
	var initErr *provider.InitError
	assert.ErrorAs(t, err, &initErr)
}
