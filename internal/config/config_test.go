package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsMatchOriginalAssistant(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.STTModel != "gpt-4o-transcribe" || cfg.LLMModel != "gpt-4o-mini" {
		t.Fatalf("models = %q/%q, want gpt-4o-transcribe/gpt-4o-mini", cfg.STTModel, cfg.LLMModel)
	}
	if cfg.TTSModel != "tts-1" || cfg.TTSVoice != "nova" {
		t.Fatalf("tts = %q/%q, want tts-1/nova", cfg.TTSModel, cfg.TTSVoice)
	}
	if cfg.TurnDetection {
		t.Fatalf("TurnDetection = true, want disabled by default")
	}
	if cfg.GreetingInstructions != DefaultGreetingInstructions {
		t.Fatalf("GreetingInstructions = %q", cfg.GreetingInstructions)
	}
	if cfg.SessionShutdownTimeout != 10*time.Second {
		t.Fatalf("SessionShutdownTimeout = %v, want 10s", cfg.SessionShutdownTimeout)
	}
}

func TestLoadBindsAdminToLoopbackByDefault(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8081" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:8081", cfg.BindAddr)
	}

	t.Setenv("APP_BIND_ADDR", ":9090")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
}

func TestLoadRejectsShutdownTimeoutBelowSessionTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("SESSION_SHUTDOWN_TIMEOUT", "5s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error when app timeout < session timeout")
	}
}

func TestLoadRejectsUnknownProviderMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PROVIDER_MODE", "elevenlabs")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for unknown provider mode")
	}
}

func TestLoadReadsDotEnvWithoutOverridingProcessEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.env")
	content := "LLM_MODEL=gpt-4o\nTTS_VOICE=alloy\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("TTS_VOICE", "shimmer")
	// godotenv skips keys that exist in the environment, even when empty.
	if err := os.Unsetenv("LLM_MODEL"); err != nil {
		t.Fatalf("unset LLM_MODEL: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LLM_MODEL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMModel != "gpt-4o" {
		t.Fatalf("LLMModel = %q, want value from env file", cfg.LLMModel)
	}
	if cfg.TTSVoice != "shimmer" {
		t.Fatalf("TTSVoice = %q, want process env to win", cfg.TTSVoice)
	}
}

func TestValidateLiveKitListsMissingKeys(t *testing.T) {
	cfg := Config{LiveKitURL: "wss://example.livekit.cloud"}
	err := cfg.ValidateLiveKit()
	if err == nil {
		t.Fatalf("ValidateLiveKit() expected error")
	}
	want := "missing livekit settings: LIVEKIT_API_KEY, LIVEKIT_API_SECRET, LIVEKIT_ROOM"
	if err.Error() != want {
		t.Fatalf("ValidateLiveKit() = %q, want %q", err.Error(), want)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"LIVEKIT_URL",
		"LIVEKIT_API_KEY",
		"LIVEKIT_API_SECRET",
		"LIVEKIT_ROOM",
		"AGENT_NAME",
		"AGENT_IDENTITY",
		"PROVIDER_MODE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"STT_MODEL",
		"LLM_MODEL",
		"TTS_MODEL",
		"TTS_VOICE",
		"VAD_MODEL",
		"TURN_DETECTION_ENABLED",
		"LLM_TEMPERATURE",
		"AGENT_INSTRUCTIONS",
		"AGENT_GREETING_INSTRUCTIONS",
		"SESSION_SHUTDOWN_TIMEOUT",
		"SESSION_ALLOW_INTERRUPTIONS",
		"SESSION_MIN_ENDPOINTING_DELAY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Point at a file that does not exist so a stray .env in the package dir is ignored.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
