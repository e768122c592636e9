package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/lokseva/internal/room"
)

func newJob(t *testing.T, opts room.LocalOptions) (*JobContext, *room.LocalConnector) {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	conn := room.NewLocalConnector(opts)
	t.Cleanup(conn.Close)
	return NewJobContext(conn, JobOptions{Logger: opts.Logger, ShutdownTimeout: time.Second}), conn
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}
}

func TestJobConnectIsSingle(t *testing.T) {
	job, _ := newJob(t, room.LocalOptions{RoomName: "lobby"})

	first, err := job.Connect(context.Background())
	require.NoError(t, err)
	second, err := job.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "lobby", job.Room().Name())
}

func TestJobConnectFailure(t *testing.T) {
	job, _ := newJob(t, room.LocalOptions{RoomName: "lobby", ConnectErr: errors.New("refused")})

	_, err := job.Connect(context.Background())
	var connErr *room.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Nil(t, job.Room())
}

func TestJobShutdownRunsCallbacksOnceThenDisconnects(t *testing.T) {
	job, conn := newJob(t, room.LocalOptions{})
	_, err := job.Connect(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls []string
	)
	job.AddShutdownCallback(func(_ context.Context, reason string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "first:"+reason)
		// The room is still connected while callbacks run.
		assert.False(t, conn.Disconnected())
		return nil
	})
	job.AddShutdownCallback(func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "second")
		return errors.New("ignored")
	})
	job.AddShutdownCallback(func(context.Context, string) error { panic("boom") })

	job.Shutdown("session_ended")
	job.Shutdown("again")
	waitDone(t, job.Done())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:session_ended", "second"}, calls)
	assert.Equal(t, "session_ended", job.Reason())
	assert.True(t, conn.Disconnected())
}

func TestJobConnectAfterShutdown(t *testing.T) {
	job, _ := newJob(t, room.LocalOptions{})
	job.Shutdown("early")
	waitDone(t, job.Done())

	_, err := job.Connect(context.Background())
	require.ErrorIs(t, err, ErrJobShutdown)
}

func TestWorkerRunEndsWhenJobShutsDown(t *testing.T) {
	conn := room.NewLocalConnector(room.LocalOptions{Logger: zaptest.NewLogger(t)})
	t.Cleanup(conn.Close)

	w := New(Options{
		Connector: conn,
		Logger:    zaptest.NewLogger(t),
		Entrypoint: func(ctx context.Context, job *JobContext) error {
			if _, err := job.Connect(ctx); err != nil {
				return err
			}
			go job.Shutdown("session_ended")
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.True(t, conn.Disconnected())
}

func TestWorkerRunPropagatesEntrypointError(t *testing.T) {
	conn := room.NewLocalConnector(room.LocalOptions{Logger: zaptest.NewLogger(t), ConnectErr: errors.New("no route")})
	t.Cleanup(conn.Close)

	var reason string
	w := New(Options{
		Connector: conn,
		Logger:    zaptest.NewLogger(t),
		Entrypoint: func(ctx context.Context, job *JobContext) error {
			job.AddShutdownCallback(func(_ context.Context, r string) error {
				reason = r
				return nil
			})
			_, err := job.Connect(ctx)
			return err
		},
	})

	err := w.Run(context.Background())
	var connErr *room.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ReasonEntrypointFailed, reason)
}

func TestWorkerRunCancellationShutsJobDown(t *testing.T) {
	conn := room.NewLocalConnector(room.LocalOptions{Logger: zaptest.NewLogger(t)})
	t.Cleanup(conn.Close)

	reasons := make(chan string, 1)
	started := make(chan struct{})
	w := New(Options{
		Connector: conn,
		Logger:    zaptest.NewLogger(t),
		Entrypoint: func(ctx context.Context, job *JobContext) error {
			job.AddShutdownCallback(func(_ context.Context, r string) error {
				reasons <- r
				return nil
			})
			if _, err := job.Connect(ctx); err != nil {
				return err
			}
			close(started)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not return after cancellation")
	}
	assert.Equal(t, ReasonCancelled, <-reasons)
	assert.True(t, conn.Disconnected())
}

func TestWorkerRunShutdownTimeout(t *testing.T) {
	conn := room.NewLocalConnector(room.LocalOptions{Logger: zaptest.NewLogger(t)})
	t.Cleanup(conn.Close)

	release := make(chan struct{})
	defer close(release)
	w := New(Options{
		Connector:       conn,
		Logger:          zaptest.NewLogger(t),
		ShutdownTimeout: 50 * time.Millisecond,
		Entrypoint: func(ctx context.Context, job *JobContext) error {
			job.AddShutdownCallback(func(context.Context, string) error {
				<-release
				return nil
			})
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
}

func TestWorkerRequiresEntrypoint(t *testing.T) {
	require.Error(t, New(Options{}).Run(context.Background()))
}
