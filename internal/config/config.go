package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultInstructions         = "You are a helpful assistant, handles users query"
	DefaultGreetingInstructions = "Greet the user and offer your assistance."
)

// Config contains all runtime settings for the voice agent worker.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitRoom      string
	AgentName        string
	AgentIdentity    string

	ProviderMode   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	STTModel       string
	LLMModel       string
	TTSModel       string
	TTSVoice       string
	VADModel       string
	TurnDetection  bool
	LLMTemperature float64

	Instructions         string
	GreetingInstructions string

	SessionShutdownTimeout time.Duration
	AllowInterruptions     bool
	MinEndpointingDelay    time.Duration

	DatabaseURL string
}

// Load applies an optional .env file, reads environment variables and applies safe defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", "127.0.0.1:8081"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "lokseva"),
		AllowAnyOrigin:         false,
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		LiveKitURL:             stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:          stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret:       stringsTrimSpace("LIVEKIT_API_SECRET"),
		LiveKitRoom:            stringsTrimSpace("LIVEKIT_ROOM"),
		AgentName:              envOrDefault("AGENT_NAME", "lokseva"),
		AgentIdentity:          stringsTrimSpace("AGENT_IDENTITY"),
		ProviderMode:           strings.ToLower(envOrDefault("PROVIDER_MODE", "auto")),
		OpenAIAPIKey:           stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:          envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		STTModel:               envOrDefault("STT_MODEL", "gpt-4o-transcribe"),
		LLMModel:               envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		TTSModel:               envOrDefault("TTS_MODEL", "tts-1"),
		TTSVoice:               envOrDefault("TTS_VOICE", "nova"),
		VADModel:               envOrDefault("VAD_MODEL", "rms"),
		TurnDetection:          false,
		LLMTemperature:         0.7,
		Instructions:           envOrDefault("AGENT_INSTRUCTIONS", DefaultInstructions),
		GreetingInstructions:   envOrDefault("AGENT_GREETING_INSTRUCTIONS", DefaultGreetingInstructions),
		AllowInterruptions:     true,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		SessionShutdownTimeout: 10 * time.Second,
		MinEndpointingDelay:    500 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionShutdownTimeout, err = durationFromEnv("SESSION_SHUTDOWN_TIMEOUT", cfg.SessionShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MinEndpointingDelay, err = durationFromEnv("SESSION_MIN_ENDPOINTING_DELAY", cfg.MinEndpointingDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnDetection, err = boolFromEnv("TURN_DETECTION_ENABLED", cfg.TurnDetection)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowInterruptions, err = boolFromEnv("SESSION_ALLOW_INTERRUPTIONS", cfg.AllowInterruptions)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionShutdownTimeout <= 0 {
		return fmt.Errorf("SESSION_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout < c.SessionShutdownTimeout {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be >= SESSION_SHUTDOWN_TIMEOUT")
	}
	if c.MinEndpointingDelay < 0 {
		return fmt.Errorf("SESSION_MIN_ENDPOINTING_DELAY must be >= 0")
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected json|console)", c.LogFormat)
	}
	switch c.ProviderMode {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("invalid PROVIDER_MODE: %q (expected auto|openai|mock)", c.ProviderMode)
	}
	if strings.TrimSpace(c.Instructions) == "" {
		return fmt.Errorf("AGENT_INSTRUCTIONS must not be empty")
	}
	return nil
}

// ValidateLiveKit reports missing LiveKit settings; only the room-connected commands need them.
func (c Config) ValidateLiveKit() error {
	var missing []string
	if c.LiveKitURL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.LiveKitAPIKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	if c.LiveKitAPISecret == "" {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	if c.LiveKitRoom == "" {
		missing = append(missing, "LIVEKIT_ROOM")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing livekit settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// loadDotEnv never overrides variables already present in the process environment.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
