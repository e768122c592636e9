package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/app"
	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/lifecycle"
	"github.com/ent0n29/lokseva/internal/logging"
	"github.com/ent0n29/lokseva/internal/room"
)

type consoleOptions struct {
	wavPath string
	admin   bool
}

func newConsoleCmd() *cobra.Command {
	var opts consoleOptions
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Talk to the agent from the terminal; EOF ends the session",
		Long: `console runs the agent in an in-process room. Every stdin line is sent as a chat
message from the console participant. End of input simulates the participant leaving.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			cfg.LogFormat = "console"
			if cfg.LogLevel == "info" {
				cfg.LogLevel = "warn"
			}
			return runConsole(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.wavPath, "wav", "", "play a PCM16 WAV file into the room as participant speech before reading stdin")
	cmd.Flags().BoolVar(&opts.admin, "admin", false, "serve the admin API while the console runs")
	return cmd
}

func runConsole(parent context.Context, cfg config.Config, opts consoleOptions, in io.Reader, out io.Writer) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext(parent)
	defer stop()

	b, err := app.Build(ctx, cfg, logger, app.BuildOptions{
		Mode:         app.ModeConsole,
		DisableAdmin: !opts.admin,
		OnPublish: func(topic, text string) {
			if line, ok := transcriptLine(topic, text); ok {
				fmt.Fprintln(out, line)
			}
		},
	})
	if err != nil {
		return err
	}
	local, ok := b.Connector.(*room.LocalConnector)
	if !ok {
		return fmt.Errorf("console requires a local room")
	}

	// Registered before the worker runs so the Started transition cannot be missed.
	started := waitStarted(b)
	go func() {
		select {
		case <-b.Controller.Done():
			return
		case <-started:
		}
		if opts.wavPath != "" {
			if err := playWAV(ctx, local, opts.wavPath); err != nil {
				logger.Warn("wav playback failed", zap.String("path", opts.wavPath), zap.Error(err))
			}
		}
		feedLines(ctx, local, in)
	}()

	fmt.Fprintln(out, "lokseva console: type a message, Ctrl-D to hang up")
	return runWorker(ctx, b)
}

// waitStarted closes once the controller has reached Started, including when it already
// had before the call.
func waitStarted(b *app.BuildResult) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	b.Controller.OnTransition(func(tr lifecycle.Transition) {
		if tr.To == lifecycle.StateStarted {
			once.Do(func() { close(ch) })
		}
	})
	if st := b.Controller.State(); st == lifecycle.StateStarted || st == lifecycle.StateShuttingDown {
		once.Do(func() { close(ch) })
	}
	return ch
}

// feedLines forwards non-empty lines as chat and hangs up at end of input.
func feedLines(ctx context.Context, local *room.LocalConnector, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := local.InjectChat(ctx, app.ConsoleParticipant, text); err != nil {
			return
		}
	}
	local.SimulateDisconnect(app.ConsoleParticipant)
}

func playWAV(ctx context.Context, local *room.LocalConnector, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return err
	}
	const frameDuration = 20 * time.Millisecond
	frames := audio.Chunk(clip.Bytes(), clip.SampleRate, clip.Channels, frameDuration)
	// Trailing silence lets the VAD close the utterance.
	silence := audio.Frame{Data: make([]int16, clip.SampleRate/50), SampleRate: clip.SampleRate, Channels: 1}
	for i := 0; i < 50; i++ {
		frames = append(frames, silence)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for _, f := range frames {
		if err := local.InjectAudio(ctx, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// transcriptLine renders a published transcript for the terminal.
func transcriptLine(topic, text string) (string, bool) {
	if topic != room.TopicTranscription {
		return "", false
	}
	var payload struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		return "", false
	}
	switch payload.Role {
	case "assistant":
		return "agent> " + payload.Text, true
	case "user":
		return "you>   " + payload.Text, true
	default:
		return "", false
	}
}
