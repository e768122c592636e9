// Package lifecycle owns the start and the single shutdown of one agent session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/room"
)

// Session is the assembled agent session as seen by the controller.
type Session interface {
	Start(ctx context.Context, r room.Room) error
	GenerateReply(ctx context.Context, instructions string) error
	Close(ctx context.Context) error
}

// ShutdownHook runs after the session is closed, in reverse registration order.
type ShutdownHook func(ctx context.Context) error

type Options struct {
	Logger               *zap.Logger
	Metrics              *observability.Metrics
	ShutdownTimeout      time.Duration
	GreetingInstructions string
}

type Controller struct {
	id      string
	logger  *zap.Logger
	metrics *observability.Metrics
	opts    Options

	state atomic.Int32

	// mu guards the fields below and every transition except Started -> ShuttingDown.
	mu           sync.Mutex
	starting     bool
	pending      string
	room         room.Room
	session      Session
	startedAt    time.Time
	trigger      string
	hooks        []ShutdownHook
	greetingErr  error
	shutdownErr  error
	greetingSent atomic.Bool

	// notifyMu keeps observers seeing transitions in state order.
	notifyMu sync.Mutex

	statusMu    sync.Mutex
	observers   []func(Transition)
	lastTransit *Transition

	runCtx    context.Context
	cancelRun context.CancelFunc
	done      chan struct{}
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:        id,
		logger:    opts.Logger.Named("lifecycle").With(zap.String("session_id", id)),
		metrics:   opts.Metrics,
		opts:      opts,
		runCtx:    runCtx,
		cancelRun: cancel,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c
}

func (c *Controller) SessionID() string { return c.id }

func (c *Controller) State() State { return State(c.state.Load()) }

// Done is closed once the controller reaches Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the shutdown outcome once terminated.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownErr
}

// OnTransition registers an observer. Observers run synchronously and must not block.
func (c *Controller) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	c.statusMu.Lock()
	c.observers = append(c.observers, fn)
	c.statusMu.Unlock()
}

func (c *Controller) AddShutdownHook(h ShutdownHook) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{SessionID: c.id, State: c.State(), Trigger: c.trigger}
	if c.room != nil {
		st.Room = c.room.Name()
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		st.StartedAt = &t
	}
	c.statusMu.Lock()
	if c.lastTransit != nil {
		tr := *c.lastTransit
		st.LastTransition = &tr
	}
	c.statusMu.Unlock()
	if c.greetingErr != nil {
		st.GreetingError = c.greetingErr.Error()
	}
	if c.shutdownErr != nil {
		st.ShutdownError = c.shutdownErr.Error()
	}
	return st
}

// MarkConnected records a successful room connection.
func (c *Controller) MarkConnected() error {
	c.mu.Lock()
	switch s := c.State(); s {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateIdle:
	case StateTerminated:
		c.mu.Unlock()
		return ErrTerminated
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.notifyMu.Lock()
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()
	c.emit(StateIdle, StateConnected, "")
	c.notifyMu.Unlock()
	return nil
}

// Start binds the session to the connected room and moves to Started.
func (c *Controller) Start(ctx context.Context, r room.Room, s Session) error {
	c.mu.Lock()
	switch c.State() {
	case StateIdle:
		c.mu.Unlock()
		return ErrNotConnected
	case StateConnected:
		if c.starting {
			c.mu.Unlock()
			return ErrAlreadyStarted
		}
	case StateTerminated:
		c.mu.Unlock()
		return ErrTerminated
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if r == nil || s == nil {
		c.mu.Unlock()
		return &SessionStartError{Err: errors.New("room and session are required")}
	}
	c.starting = true
	c.mu.Unlock()

	begin := time.Now()
	err := s.Start(ctx, r)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		pending := c.pending
		c.mu.Unlock()
		c.logger.Error("session rejected room binding", zap.Error(err))
		if pending != "" {
			c.terminateUnstarted(pending)
		}
		return &SessionStartError{Err: err}
	}
	if c.State() != StateConnected {
		c.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
		defer cancel()
		if closeErr := s.Close(closeCtx); closeErr != nil {
			c.logger.Warn("close session after termination", zap.Error(closeErr))
		}
		return ErrTerminated
	}
	c.room = r
	c.session = s
	c.startedAt = time.Now().UTC()
	pending := c.pending
	c.pending = ""
	c.notifyMu.Lock()
	c.state.Store(int32(StateStarted))
	c.mu.Unlock()
	c.emit(StateConnected, StateStarted, "")
	c.notifyMu.Unlock()

	c.metrics.SessionStarted(time.Since(begin))
	c.logger.Info("session started", zap.String("room", r.Name()), zap.Duration("startup", time.Since(begin)))

	if pending != "" {
		c.logger.Info("honoring shutdown requested before start", zap.String("trigger", pending))
		c.beginShutdown(pending)
	}
	return nil
}

// RequestGreeting schedules the single initial greeting and returns without waiting for it.
func (c *Controller) RequestGreeting(ctx context.Context) error {
	switch c.State() {
	case StateStarted:
	case StateTerminated:
		return ErrTerminated
	default:
		return ErrNotStarted
	}
	if !c.greetingSent.CompareAndSwap(false, true) {
		return ErrGreetingIssued
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	c.metrics.ObserveGreeting("requested")
	go func() {
		gctx, cancel := context.WithCancel(c.runCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		if err := s.GenerateReply(gctx, c.opts.GreetingInstructions); err != nil {
			gerr := &GreetingError{Err: err}
			c.mu.Lock()
			c.greetingErr = gerr
			c.mu.Unlock()
			c.metrics.ObserveGreeting("failed")
			c.logger.Warn("greeting failed", zap.Error(gerr))
			return
		}
		c.metrics.ObserveGreeting("completed")
	}()
	return nil
}

// GreetingErr returns the failure of the initial greeting, if any.
func (c *Controller) GreetingErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greetingErr
}

// OnDisconnect is the participant disconnect handler. It never blocks on shutdown work.
func (c *Controller) OnDisconnect(participantID string) {
	c.request(TriggerDisconnect, zap.String("participant", participantID))
}

// RequestShutdown is the external cancellation path. It never blocks on shutdown work.
func (c *Controller) RequestShutdown(reason string) {
	c.request(TriggerCancel, zap.String("reason", reason))
}

func (c *Controller) request(trigger string, detail zap.Field) {
	if c.beginShutdown(trigger) {
		c.logger.Info("shutdown scheduled", zap.String("trigger", trigger), detail)
		return
	}

	c.mu.Lock()
	switch c.State() {
	case StateConnected:
		if c.starting || trigger == TriggerDisconnect {
			// Shutdown may only follow Started; remember it until start resolves.
			if c.pending == "" {
				c.pending = trigger
			}
			c.mu.Unlock()
			c.logger.Info("shutdown deferred until session start", zap.String("trigger", trigger), detail)
			return
		}
		c.mu.Unlock()
		c.terminateUnstarted(trigger)
	case StateIdle:
		if trigger == TriggerDisconnect {
			c.mu.Unlock()
			c.logger.Debug("disconnect before connection ignored", detail)
			return
		}
		c.mu.Unlock()
		c.terminateUnstarted(trigger)
	case StateStarted:
		// Start finished between the CAS attempt and the lock.
		c.mu.Unlock()
		c.beginShutdown(trigger)
	default:
		c.mu.Unlock()
		c.logger.Debug("shutdown already in progress", zap.String("trigger", trigger), detail)
	}
}

// beginShutdown takes the Started -> ShuttingDown guard and schedules the shutdown routine.
func (c *Controller) beginShutdown(trigger string) bool {
	if !c.state.CompareAndSwap(int32(StateStarted), int32(StateShuttingDown)) {
		return false
	}
	go c.shutdown(trigger)
	return true
}

func (c *Controller) shutdown(trigger string) {
	begin := time.Now()
	c.notifyMu.Lock()
	c.emit(StateStarted, StateShuttingDown, trigger)
	c.notifyMu.Unlock()

	c.mu.Lock()
	c.trigger = trigger
	s := c.session
	hooks := append([]ShutdownHook(nil), c.hooks...)
	c.mu.Unlock()

	c.cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- release(ctx, s, hooks) }()

	var err error
	result := "ok"
	select {
	case releaseErr := <-errCh:
		if releaseErr != nil {
			err = &ShutdownError{Trigger: trigger, Err: releaseErr}
			result = "error"
		}
	case <-ctx.Done():
		err = &ShutdownTimeoutError{Trigger: trigger, Timeout: c.opts.ShutdownTimeout}
		result = "timeout"
	}

	elapsed := time.Since(begin)
	c.metrics.ObserveShutdown(trigger, result, elapsed)
	c.metrics.SessionEnded()
	if err != nil {
		c.logger.Error("session shutdown finished with errors", zap.String("trigger", trigger), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		c.logger.Info("session shut down", zap.String("trigger", trigger), zap.Duration("elapsed", elapsed))
	}

	c.mu.Lock()
	c.shutdownErr = err
	c.notifyMu.Lock()
	c.state.Store(int32(StateTerminated))
	c.mu.Unlock()
	c.emit(StateShuttingDown, StateTerminated, trigger)
	c.notifyMu.Unlock()
	close(c.done)
}

func release(ctx context.Context, s Session, hooks []ShutdownHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(err, fmt.Errorf("panic during release: %v", r))
		}
	}()
	if s != nil {
		if closeErr := s.Close(ctx); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close session: %w", closeErr))
		}
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		if hookErr := hooks[i](ctx); hookErr != nil {
			err = errors.Join(err, hookErr)
		}
	}
	return err
}

// terminateUnstarted ends a controller that never reached Started. Hooks still run so the
// host can release the room.
func (c *Controller) terminateUnstarted(trigger string) {
	c.mu.Lock()
	from := c.State()
	if from != StateIdle && from != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.starting {
		// Start claimed the controller after the caller checked; it honors pending.
		if c.pending == "" {
			c.pending = trigger
		}
		c.mu.Unlock()
		c.logger.Info("shutdown deferred until session start", zap.String("trigger", trigger))
		return
	}
	c.trigger = trigger
	hooks := append([]ShutdownHook(nil), c.hooks...)
	c.notifyMu.Lock()
	c.state.Store(int32(StateTerminated))
	c.mu.Unlock()
	c.emit(from, StateTerminated, trigger)
	c.notifyMu.Unlock()

	c.cancelRun()
	c.logger.Info("terminated before session start", zap.String("trigger", trigger), zap.Stringer("from", from))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
		defer cancel()
		if err := release(ctx, nil, hooks); err != nil {
			c.logger.Warn("shutdown hooks failed", zap.Error(err))
		}
		close(c.done)
	}()
}

// AwaitTerminated blocks until the controller terminates or ctx ends.
func (c *Controller) AwaitTerminated(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit must be called with notifyMu held.
func (c *Controller) emit(from, to State, reason string) {
	tr := Transition{SessionID: c.id, From: from, To: to, Reason: reason, At: time.Now().UTC()}
	c.metrics.ObserveTransition(from.String(), to.String(), int(to))

	c.statusMu.Lock()
	c.lastTransit = &tr
	observers := make([]func(Transition), len(c.observers))
	copy(observers, c.observers)
	c.statusMu.Unlock()

	for _, fn := range observers {
		fn(tr)
	}
}
