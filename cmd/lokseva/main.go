package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/app"
	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/logging"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/room"
	"github.com/ent0n29/lokseva/internal/room/livekit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lokseva",
		Short:         "LiveKit voice assistant agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newStartCmd(), newDevCmd(), newConsoleCmd(), newCheckCmd())
	return root
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Join the configured LiveKit room and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return runLiveKit(cmd.Context(), cfg)
		},
	}
}

func newDevCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Like start, with debug console logging",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			cfg.LogLevel = "debug"
			cfg.LogFormat = "console"
			return runLiveKit(cmd.Context(), cfg)
		},
	}
}

func runLiveKit(parent context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext(parent)
	defer stop()

	b, err := app.Build(ctx, cfg, logger, app.BuildOptions{Mode: app.ModeLiveKit, LiveKit: liveKitConnector})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	logger.Info("lokseva starting",
		zap.String("room", cfg.LiveKitRoom),
		zap.String("identity", b.Identity),
		zap.String("admin_addr", cfg.BindAddr),
		zap.String("provider_mode", cfg.ProviderMode),
	)
	return runWorker(ctx, b)
}

func liveKitConnector(cfg config.Config, identity string, logger *zap.Logger, metrics *observability.Metrics) (room.Connector, func()) {
	c := livekit.NewConnector(livekit.Options{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		RoomName:  cfg.LiveKitRoom,
		AgentName: cfg.AgentName,
		Identity:  identity,
		Logger:    logger,
		Metrics:   metrics,
	})
	return c, c.Close
}

// runWorker hosts the job, then releases the build. A startup failure is returned so the
// process exits non-zero.
func runWorker(ctx context.Context, b *app.BuildResult) error {
	runErr := b.Worker().Run(ctx)
	if runErr != nil {
		b.Logger.Error("agent job failed", zap.Error(runErr))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
	defer cancel()
	if err := b.Cleanup(cleanupCtx); err != nil {
		b.Logger.Warn("cleanup failed", zap.Error(err))
	}
	if err := b.Controller.Err(); err != nil {
		b.Logger.Warn("session shutdown reported errors", zap.Error(err))
	}
	b.Logger.Info("shutdown complete")
	return runErr
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
