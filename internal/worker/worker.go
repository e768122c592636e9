package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/lokseva/internal/room"
)

// Shutdown reasons set by the worker itself.
const (
	ReasonEntrypointFailed = "entrypoint_failed"
	ReasonCancelled        = "cancelled"
)

// Entrypoint runs the agent for one job. It returns once the session is started; the
// job stays alive until JobContext.Shutdown is called.
type Entrypoint func(ctx context.Context, job *JobContext) error

type Options struct {
	Connector       room.Connector
	Entrypoint      Entrypoint
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
	// Admin is served alongside the job when set.
	Admin *http.Server
}

type Worker struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	return &Worker{opts: opts, logger: opts.Logger.Named("worker")}
}

// Run hosts a single job until it finishes or ctx is cancelled. Entrypoint errors are
// returned after the job has been shut down.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.Connector == nil || w.opts.Entrypoint == nil {
		return errors.New("worker requires a connector and an entrypoint")
	}
	job := NewJobContext(w.opts.Connector, JobOptions{Logger: w.opts.Logger, ShutdownTimeout: w.opts.ShutdownTimeout})
	g, gctx := errgroup.WithContext(ctx)

	if srv := w.opts.Admin; srv != nil {
		g.Go(func() error {
			w.logger.Info("admin server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				job.Shutdown(ReasonCancelled)
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-job.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.opts.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				w.logger.Warn("admin server shutdown failed", zap.Error(err))
				_ = srv.Close()
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := w.opts.Entrypoint(gctx, job); err != nil {
			w.logger.Error("entrypoint failed", zap.String("job_id", job.ID()), zap.Error(err))
			job.Shutdown(ReasonEntrypointFailed)
			<-job.Done()
			return err
		}
		select {
		case <-job.Done():
			w.logger.Info("job ended", zap.String("job_id", job.ID()), zap.String("reason", job.Reason()))
			return nil
		case <-gctx.Done():
		}
		job.Shutdown(ReasonCancelled)
		timer := time.NewTimer(w.opts.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-job.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("job %s did not finish within %s", job.ID(), w.opts.ShutdownTimeout)
		}
	})

	return g.Wait()
}
