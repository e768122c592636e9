package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/lokseva/internal/provider"
)

var llmModels = map[string]bool{
	"gpt-4o":        true,
	"gpt-4o-mini":   true,
	"gpt-4.1":       true,
	"gpt-4.1-mini":  true,
	"gpt-4.1-nano":  true,
	"gpt-4-turbo":   true,
	"gpt-3.5-turbo": true,
	"o4-mini":       true,
}

// LLM streams chat completions.
type LLM struct {
	client *Client
	model  string
}

func NewLLM(client *Client, model string) (*LLM, error) {
	model = strings.TrimSpace(model)
	if err := checkModel(client, provider.ModalityLLM, model, llmModels); err != nil {
		return nil, err
	}
	return &LLM{client: client, model: model}, nil
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (l *LLM) Chat(ctx context.Context, req provider.ChatRequest, onDelta provider.DeltaHandler) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       l.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	res, err := l.client.post(ctx, "openai_llm", "/chat/completions", "application/json", payload)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return full.String(), fmt.Errorf("openai_llm stream error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return full.String(), err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read stream: %w", err)
	}
	return full.String(), nil
}
