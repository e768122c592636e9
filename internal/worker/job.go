// Package worker hosts one agent job: it owns the room connection and runs
// shutdown callbacks when the job ends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/room"
)

var ErrJobShutdown = errors.New("job is shutting down")

// ShutdownCallback runs once when the job shuts down, in registration order.
type ShutdownCallback func(ctx context.Context, reason string) error

type JobOptions struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

// JobContext is what an entrypoint receives for one room.
type JobContext struct {
	id        string
	connector room.Connector
	logger    *zap.Logger
	timeout   time.Duration

	connectOnce sync.Once
	connectErr  error

	mu        sync.Mutex
	room      room.Room
	callbacks []ShutdownCallback
	reason    string
	closing   bool

	done chan struct{}
}

func NewJobContext(connector room.Connector, opts JobOptions) *JobContext {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	id := "job_" + uuid.NewString()
	return &JobContext{
		id:        id,
		connector: connector,
		logger:    opts.Logger.Named("job").With(zap.String("job_id", id)),
		timeout:   opts.ShutdownTimeout,
		done:      make(chan struct{}),
	}
}

func (j *JobContext) ID() string { return j.id }

func (j *JobContext) Connector() room.Connector { return j.connector }

// Connect joins the room once. Later calls return the first outcome.
func (j *JobContext) Connect(ctx context.Context) (room.Room, error) {
	j.connectOnce.Do(func() {
		j.mu.Lock()
		closing := j.closing
		j.mu.Unlock()
		if closing {
			j.connectErr = ErrJobShutdown
			return
		}
		r, err := j.connector.Connect(ctx)
		if err != nil {
			j.connectErr = err
			return
		}
		j.mu.Lock()
		if j.closing {
			j.mu.Unlock()
			r.Disconnect()
			j.connectErr = ErrJobShutdown
			return
		}
		j.room = r
		j.mu.Unlock()
		j.logger.Info("connected to room", zap.String("room", r.Name()), zap.String("identity", r.LocalIdentity()))
	})
	if j.connectErr != nil {
		return nil, j.connectErr
	}
	return j.Room(), nil
}

// Room returns the connected room or nil.
func (j *JobContext) Room() room.Room {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.room
}

func (j *JobContext) AddShutdownCallback(fn ShutdownCallback) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	j.callbacks = append(j.callbacks, fn)
	j.mu.Unlock()
}

// Shutdown ends the job. Only the first call has an effect; the work runs on its own
// goroutine and Done is closed when it finishes.
func (j *JobContext) Shutdown(reason string) {
	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return
	}
	j.closing = true
	j.reason = reason
	callbacks := make([]ShutdownCallback, len(j.callbacks))
	copy(callbacks, j.callbacks)
	j.mu.Unlock()

	j.logger.Info("job shutdown requested", zap.String("reason", reason))
	go j.run(reason, callbacks)
}

func (j *JobContext) run(reason string, callbacks []ShutdownCallback) {
	defer close(j.done)
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	for _, fn := range callbacks {
		if err := invoke(ctx, fn, reason); err != nil {
			j.logger.Warn("shutdown callback failed", zap.Error(err))
		}
	}
	if r := j.Room(); r != nil {
		r.Disconnect()
	}
	j.logger.Info("job finished", zap.String("reason", reason))
}

func invoke(ctx context.Context, fn ShutdownCallback, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown callback panic: %v", r)
		}
	}()
	return fn(ctx, reason)
}

// Done is closed once shutdown callbacks ran and the room was left.
func (j *JobContext) Done() <-chan struct{} { return j.done }

// Reason returns the reason passed to the first Shutdown call.
func (j *JobContext) Reason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}
