package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/agent"
	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/httpapi"
	"github.com/ent0n29/lokseva/internal/journal"
	"github.com/ent0n29/lokseva/internal/lifecycle"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/room"
	"github.com/ent0n29/lokseva/internal/worker"
)

type Mode string

const (
	ModeLiveKit Mode = "livekit"
	ModeConsole Mode = "console"
)

// ConsoleParticipant is the remote identity the console room simulates.
const ConsoleParticipant = "console-user"

// LiveKitFactory creates the LiveKit connector and its close func. The binary injects it
// so this package builds without the native media libraries LiveKit audio links.
type LiveKitFactory func(cfg config.Config, identity string, logger *zap.Logger, metrics *observability.Metrics) (room.Connector, func())

type BuildOptions struct {
	Mode Mode
	// Registry isolates metrics; the default registry is used when nil.
	Registry *prometheus.Registry
	// Connector overrides the connector chosen by Mode.
	Connector room.Connector
	// LiveKit is required in ModeLiveKit unless Connector is set.
	LiveKit LiveKitFactory
	// OnPublish observes text the agent publishes in console mode.
	OnPublish    func(topic, text string)
	DisableAdmin bool
}

type BuildResult struct {
	Config     config.Config
	Mode       Mode
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Journal    *journal.Recorder
	Connector  room.Connector
	Controller *lifecycle.Controller
	Persona    agent.Agent
	API        *httpapi.Server
	// HTTPServer is nil when the admin API is disabled.
	HTTPServer *http.Server
	Identity   string

	// Cleanup should be called once the worker returned.
	Cleanup func(ctx context.Context) error
}

// Build wires every long-lived dependency for one agent job. It performs no room or
// provider network I/O; only a configured Postgres journal is contacted.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts BuildOptions) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = ModeLiveKit
	}

	persona, err := agent.NewAgent(cfg.Instructions)
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	if opts.Registry != nil {
		metrics = observability.NewMetricsWith(cfg.MetricsNamespace, opts.Registry)
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	identity := cfg.AgentIdentity
	if identity == "" {
		identity = room.AgentIdentity(cfg.AgentName)
	}

	connector := opts.Connector
	var closeConnector func()
	if connector == nil {
		switch opts.Mode {
		case ModeLiveKit:
			if err := cfg.ValidateLiveKit(); err != nil {
				return nil, err
			}
			if opts.LiveKit == nil {
				return nil, errors.New("livekit mode needs a connector factory")
			}
			connector, closeConnector = opts.LiveKit(cfg, identity, logger, metrics)
		case ModeConsole:
			local := room.NewLocalConnector(room.LocalOptions{
				RoomName:    "console",
				Identity:    identity,
				Participant: ConsoleParticipant,
				OnPublish:   opts.OnPublish,
				Logger:      logger,
				Metrics:     metrics,
			})
			connector = local
			closeConnector = local.Close
		default:
			return nil, fmt.Errorf("unknown run mode %q", opts.Mode)
		}
	}

	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}
	recorder := journal.NewRecorder(store, logger)

	controller := lifecycle.New(lifecycle.Options{
		Logger:               logger,
		Metrics:              metrics,
		ShutdownTimeout:      cfg.SessionShutdownTimeout,
		GreetingInstructions: cfg.GreetingInstructions,
	})

	api := httpapi.New(cfg, controller, recorder, metrics, logger)
	var httpServer *http.Server
	if !opts.DisableAdmin {
		httpServer = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		httpServer.RegisterOnShutdown(api.Close)
	}

	cleanup := func(ctx context.Context) error {
		var errs []error
		api.Close()
		if err := recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
		if closeConnector != nil {
			closeConnector()
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		Mode:       opts.Mode,
		Logger:     logger,
		Metrics:    metrics,
		Journal:    recorder,
		Connector:  connector,
		Controller: controller,
		Persona:    persona,
		API:        api,
		HTTPServer: httpServer,
		Identity:   identity,
		Cleanup:    cleanup,
	}, nil
}

// Worker returns a worker hosting this build's entrypoint.
func (b *BuildResult) Worker() *worker.Worker {
	return worker.New(worker.Options{
		Connector:       b.Connector,
		Entrypoint:      b.Entrypoint,
		Logger:          b.Logger,
		ShutdownTimeout: b.Config.ShutdownTimeout,
		Admin:           b.HTTPServer,
	})
}
