package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/agent"
	"github.com/ent0n29/lokseva/internal/journal"
	"github.com/ent0n29/lokseva/internal/lifecycle"
	"github.com/ent0n29/lokseva/internal/redact"
	"github.com/ent0n29/lokseva/internal/worker"
)

// ReasonSessionEnded is the job shutdown reason once the session terminated on its own.
const ReasonSessionEnded = "session_ended"

// Entrypoint connects to the room, assembles the session, registers the disconnect
// handler, starts the session and fires the greeting without waiting for it.
func (b *BuildResult) Entrypoint(ctx context.Context, job *worker.JobContext) error {
	ctrl := b.Controller
	logger := b.Logger.Named("entrypoint").With(zap.String("job_id", job.ID()), zap.String("session_id", ctrl.SessionID()))

	var mu sync.Mutex
	record := journal.Record{SessionID: ctrl.SessionID(), AgentIdentity: b.Identity}
	snapshot := func() journal.Record {
		mu.Lock()
		defer mu.Unlock()
		return record
	}

	// Any job shutdown drives the controller to Terminated before the room is left.
	job.AddShutdownCallback(func(ctx context.Context, reason string) error {
		ctrl.RequestShutdown(reason)
		err := ctrl.AwaitTerminated(ctx)
		st := ctrl.Status()
		b.Journal.Ended(snapshot(), journal.Ending{
			EndedAt:       time.Now().UTC(),
			Trigger:       st.Trigger,
			ShutdownError: redact.Error(err),
			GreetingError: redactText(st.GreetingError),
		})
		return err
	})
	// A session that ends on its own takes the job down with it.
	ctrl.AddShutdownHook(func(context.Context) error {
		job.Shutdown(ReasonSessionEnded)
		return nil
	})

	r, err := job.Connect(ctx)
	if err != nil {
		return err
	}
	mu.Lock()
	record.Room = r.Name()
	mu.Unlock()
	if err := ctrl.MarkConnected(); err != nil {
		return err
	}

	session, err := agent.Build(agent.ConfigFrom(b.Config), b.Persona, agent.Deps{
		Logger:  b.Logger,
		Metrics: b.Metrics,
	})
	if err != nil {
		return err
	}
	mu.Lock()
	record.Providers = session.ProviderName()
	mu.Unlock()

	job.Connector().OnParticipantDisconnected(ctrl.OnDisconnect)
	ctrl.OnTransition(func(tr lifecycle.Transition) {
		if tr.To == lifecycle.StateStarted {
			started := snapshot()
			started.StartedAt = tr.At
			b.Journal.Started(started)
		}
	})

	if err := ctrl.Start(ctx, r, session); err != nil {
		return err
	}
	logger.Info("agent session running", zap.String("room", r.Name()), zap.String("providers", session.ProviderName()))

	if err := ctrl.RequestGreeting(ctx); err != nil {
		logger.Warn("greeting not issued", zap.Error(err))
	}
	return nil
}

func redactText(s string) string {
	out, _ := redact.Text(s)
	return out
}
