// Package agent assembles the voice agent session from its persona and capability providers.
package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/provider"
	"github.com/ent0n29/lokseva/internal/provider/openai"
)

// Agent is the immutable persona shared read-only by the session.
type Agent struct {
	Instructions string
}

func NewAgent(instructions string) (Agent, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return Agent{}, errors.New("agent instructions must not be empty")
	}
	return Agent{Instructions: instructions}, nil
}

// Config selects one provider per modality.
type Config struct {
	ProviderMode        string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	STTModel            string
	LLMModel            string
	TTSModel            string
	TTSVoice            string
	VADModel            string
	TurnDetection       bool
	Temperature         float64
	AllowInterruptions  bool
	MinEndpointingDelay time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		ProviderMode:        cfg.ProviderMode,
		OpenAIAPIKey:        cfg.OpenAIAPIKey,
		OpenAIBaseURL:       cfg.OpenAIBaseURL,
		STTModel:            cfg.STTModel,
		LLMModel:            cfg.LLMModel,
		TTSModel:            cfg.TTSModel,
		TTSVoice:            cfg.TTSVoice,
		VADModel:            cfg.VADModel,
		TurnDetection:       cfg.TurnDetection,
		Temperature:         cfg.LLMTemperature,
		AllowInterruptions:  cfg.AllowInterruptions,
		MinEndpointingDelay: cfg.MinEndpointingDelay,
	}
}

type Deps struct {
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	HTTPClient *http.Client
}

// Build binds the persona to a freshly constructed provider set. Construction performs no
// network I/O. Provider failures are returned as *provider.InitError.
func Build(cfg Config, persona Agent, deps Deps) (*Session, error) {
	if strings.TrimSpace(persona.Instructions) == "" {
		return nil, errors.New("agent instructions must not be empty")
	}
	p, err := ResolveProviders(cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewSession(persona, p, Options{
		Temperature:        cfg.Temperature,
		AllowInterruptions: cfg.AllowInterruptions,
		Logger:             deps.Logger,
		Metrics:            deps.Metrics,
	}), nil
}

// ResolveProviders picks providers for cfg.ProviderMode. In auto mode OpenAI is used when a
// key is configured and the mock providers otherwise.
func ResolveProviders(cfg Config, deps Deps) (Providers, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ProviderMode))
	if mode == "" {
		mode = "auto"
	}

	vadOpts := provider.DefaultRMSVADOptions()
	if cfg.MinEndpointingDelay > 0 {
		vadOpts.MinSilence = cfg.MinEndpointingDelay
	}
	vad, err := provider.NewVADWithOptions(cfg.VADModel, vadOpts)
	if err != nil {
		return Providers{}, err
	}
	turn, err := provider.NewTurnDetector(cfg.TurnDetection, "")
	if err != nil {
		return Providers{}, err
	}

	useOpenAI := false
	switch mode {
	case "openai":
		useOpenAI = true
	case "auto":
		useOpenAI = strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	case "mock":
	default:
		return Providers{}, fmt.Errorf("invalid provider mode: %q (expected auto|openai|mock)", cfg.ProviderMode)
	}

	if !useOpenAI {
		return Providers{
			Name:  "mock",
			STT:   provider.NewMockSTT(),
			LLM:   provider.NewMockLLM(),
			TTS:   provider.NewMockTTS(),
			VAD:   vad,
			Turns: turn,
		}, nil
	}

	client := openai.NewClient(openai.ClientOptions{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		HTTPClient: deps.HTTPClient,
		MaxRetries: 2,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
	})
	stt, err := openai.NewSTT(client, cfg.STTModel)
	if err != nil {
		return Providers{}, err
	}
	llm, err := openai.NewLLM(client, cfg.LLMModel)
	if err != nil {
		return Providers{}, err
	}
	tts, err := openai.NewTTS(client, cfg.TTSModel, cfg.TTSVoice)
	if err != nil {
		return Providers{}, err
	}
	return Providers{Name: "openai", STT: stt, LLM: llm, TTS: tts, VAD: vad, Turns: turn}, nil
}
