package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/lokseva/internal/agent"
	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/logging"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and assemble providers without connecting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			defer func() { _ = logger.Sync() }()

			out := cmd.OutOrStdout()
			if _, err := agent.NewAgent(cfg.Instructions); err != nil {
				return err
			}
			providers, err := agent.ResolveProviders(agent.ConfigFrom(cfg), agent.Deps{Logger: logger})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "providers: %s (stt=%s llm=%s tts=%s voice=%s)\n",
				providers.Name, cfg.STTModel, cfg.LLMModel, cfg.TTSModel, cfg.TTSVoice)
			fmt.Fprintf(out, "turn detection: %t\n", cfg.TurnDetection)
			if err := cfg.ValidateLiveKit(); err != nil {
				fmt.Fprintf(out, "livekit: %v (console mode only)\n", err)
			} else {
				fmt.Fprintf(out, "livekit: %s room=%s\n", cfg.LiveKitURL, cfg.LiveKitRoom)
			}
			journal := "in-memory"
			if cfg.DatabaseURL != "" {
				journal = "postgres"
			}
			fmt.Fprintf(out, "journal: %s\n", journal)
			return nil
		},
	}
}
