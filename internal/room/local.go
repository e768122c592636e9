package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/observability"
)

var ErrNotConnected = errors.New("room not connected")

type LocalOptions struct {
	RoomName string
	Identity string
	// Participant joins right after Connect when set.
	Participant string
	// ConnectErr forces Connect to fail.
	ConnectErr error
	// OutputErr forces OpenAudioOutput to fail.
	OutputErr error
	// OnPublish observes every text published by the agent.
	OnPublish func(topic, text string)
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

type PublishedText struct {
	Topic string
	Text  string
}

// LocalConnector is an in-process room for the console and for tests.
type LocalConnector struct {
	opts     LocalOptions
	dispatch *Dispatcher

	mu   sync.Mutex
	room *localRoom
}

func NewLocalConnector(opts LocalOptions) *LocalConnector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RoomName == "" {
		opts.RoomName = "console"
	}
	if opts.Identity == "" {
		opts.Identity = "agent-console"
	}
	logger := opts.Logger.Named("room").With(zap.String("room", opts.RoomName))
	return &LocalConnector{opts: opts, dispatch: NewDispatcher(logger, opts.Metrics)}
}

func (c *LocalConnector) OnParticipantConnected(h ConnectHandler) {
	c.dispatch.AddConnectHandler(h)
}

func (c *LocalConnector) OnParticipantDisconnected(h DisconnectHandler) {
	c.dispatch.AddDisconnectHandler(h)
}

func (c *LocalConnector) Connect(ctx context.Context) (Room, error) {
	if c.opts.ConnectErr != nil {
		return nil, &ConnectionError{Room: c.opts.RoomName, Err: c.opts.ConnectErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Room: c.opts.RoomName, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != nil {
		return nil, &ConnectionError{Room: c.opts.RoomName, Err: errors.New("already connected")}
	}
	c.room = &localRoom{
		opts:   c.opts,
		frames: make(chan audio.Frame, 256),
		chat:   make(chan ChatMessage, 32),
		closed: make(chan struct{}),
	}
	c.dispatch.SetSelf(c.opts.Identity)
	if c.opts.Participant != "" {
		c.dispatch.ParticipantConnected(c.opts.Participant)
	}
	return c.room, nil
}

func (c *LocalConnector) current() (*localRoom, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return nil, ErrNotConnected
	}
	return c.room, nil
}

// InjectAudio delivers a frame as if a remote participant spoke it.
func (c *LocalConnector) InjectAudio(ctx context.Context, frame audio.Frame) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	select {
	case r.frames <- frame:
		return nil
	case <-r.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectChat delivers a chat message from a remote participant.
func (c *LocalConnector) InjectChat(ctx context.Context, from, text string) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	select {
	case r.chat <- ChatMessage{From: from, Text: text, At: time.Now().UTC()}:
		return nil
	case <-r.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LocalConnector) SimulateDisconnect(identity string) {
	c.dispatch.ParticipantDisconnected(identity)
}

func (c *LocalConnector) SimulateConnect(identity string) {
	c.dispatch.ParticipantConnected(identity)
}

func (c *LocalConnector) Published() []PublishedText {
	r, err := c.current()
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PublishedText(nil), r.published...)
}

func (c *LocalConnector) States() []AgentState {
	r, err := c.current()
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AgentState(nil), r.states...)
}

// AudioPlayed is the total duration of audio written to the room.
func (c *LocalConnector) AudioPlayed() time.Duration {
	r, err := c.current()
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.played
}

// Flushes counts how often queued agent audio was dropped.
func (c *LocalConnector) Flushes() int {
	r, err := c.current()
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func (c *LocalConnector) Disconnected() bool {
	r, err := c.current()
	if err != nil {
		return false
	}
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Close stops the event dispatcher.
func (c *LocalConnector) Close() {
	c.dispatch.Close()
}

type localRoom struct {
	opts   LocalOptions
	frames chan audio.Frame
	chat   chan ChatMessage

	mu        sync.Mutex
	published []PublishedText
	states    []AgentState
	played    time.Duration
	flushes   int

	closeOnce sync.Once
	closed    chan struct{}
}

func (r *localRoom) Name() string                     { return r.opts.RoomName }
func (r *localRoom) LocalIdentity() string            { return r.opts.Identity }
func (r *localRoom) AudioFrames() <-chan audio.Frame  { return r.frames }
func (r *localRoom) ChatMessages() <-chan ChatMessage { return r.chat }

func (r *localRoom) OpenAudioOutput(sampleRate int) (AudioOutput, error) {
	if r.opts.OutputErr != nil {
		return nil, r.opts.OutputErr
	}
	return &localOutput{room: r}, nil
}

func (r *localRoom) PublishText(ctx context.Context, topic, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-r.closed:
		return ErrNotConnected
	default:
	}
	r.mu.Lock()
	r.published = append(r.published, PublishedText{Topic: topic, Text: text})
	r.mu.Unlock()
	if r.opts.OnPublish != nil {
		r.opts.OnPublish(topic, text)
	}
	return nil
}

func (r *localRoom) SetAgentState(state AgentState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *localRoom) Disconnect() {
	r.closeOnce.Do(func() { close(r.closed) })
}

type localOutput struct {
	room *localRoom
}

func (o *localOutput) WriteFrame(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.room.mu.Lock()
	o.room.played += frame.Duration()
	o.room.mu.Unlock()
	return nil
}

func (o *localOutput) Flush() {
	o.room.mu.Lock()
	o.room.flushes++
	o.room.mu.Unlock()
}

func (o *localOutput) Close() error { return nil }
