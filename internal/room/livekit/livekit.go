// Package livekit joins LiveKit rooms. Its media path links the native opus and soxr
// libraries, so it is kept apart from the pure Go connector contract in package room.
package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	media "github.com/livekit/media-sdk"
	lkproto "github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/audio"
	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/room"
)

type Options struct {
	URL       string
	APIKey    string
	APISecret string
	RoomName  string
	AgentName string
	Identity  string
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Connector joins a LiveKit room as an agent participant.
type Connector struct {
	opts     Options
	logger   *zap.Logger
	dispatch *room.Dispatcher
}

func NewConnector(opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.AgentName) == "" {
		opts.AgentName = "agent"
	}
	if strings.TrimSpace(opts.Identity) == "" {
		opts.Identity = room.AgentIdentity(opts.AgentName)
	}
	logger := opts.Logger.Named("room").With(zap.String("room", opts.RoomName))
	return &Connector{
		opts:     opts,
		logger:   logger,
		dispatch: room.NewDispatcher(logger, opts.Metrics),
	}
}

var _ room.Connector = (*Connector)(nil)

func (c *Connector) OnParticipantConnected(h room.ConnectHandler) {
	c.dispatch.AddConnectHandler(h)
}

func (c *Connector) OnParticipantDisconnected(h room.DisconnectHandler) {
	c.dispatch.AddDisconnectHandler(h)
}

func (c *Connector) Connect(ctx context.Context) (room.Room, error) {
	connErr := func(err error) error {
		return &room.ConnectionError{URL: c.opts.URL, Room: c.opts.RoomName, Err: err}
	}
	if c.opts.URL == "" || c.opts.APIKey == "" || c.opts.APISecret == "" || c.opts.RoomName == "" {
		return nil, connErr(errors.New("url, api key, api secret and room name are required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, connErr(err)
	}

	r := &liveKitRoom{
		logger:   c.logger,
		dispatch: c.dispatch,
		frames:   make(chan audio.Frame, 256),
		chat:     make(chan room.ChatMessage, 32),
		closed:   make(chan struct{}),
	}
	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: r.onTrackSubscribed,
			OnDataPacket:      r.onDataPacket,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			c.dispatch.ParticipantConnected(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			c.dispatch.ParticipantDisconnected(rp.Identity())
		},
		OnDisconnected: func() {
			c.logger.Warn("room connection closed")
		},
	}

	c.logger.Info("connecting to room",
		zap.String("url", c.opts.URL),
		zap.String("identity", c.opts.Identity),
		zap.String("agent_name", c.opts.AgentName),
	)

	type result struct {
		room *lksdk.Room
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		lkRoom, err := lksdk.ConnectToRoom(c.opts.URL, lksdk.ConnectInfo{
			APIKey:              c.opts.APIKey,
			APISecret:           c.opts.APISecret,
			RoomName:            c.opts.RoomName,
			ParticipantIdentity: c.opts.Identity,
			ParticipantName:     c.opts.AgentName,
			ParticipantKind:     lksdk.ParticipantAgent,
		}, cb, lksdk.WithAutoSubscribe(true))
		resCh <- result{room: lkRoom, err: err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go func() {
			// The SDK cannot abort a dial in flight; drop the room if it arrives late.
			if late := <-resCh; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return nil, connErr(ctx.Err())
	}
	if res.err != nil {
		return nil, connErr(res.err)
	}

	r.room = res.room
	c.dispatch.SetSelf(res.room.LocalParticipant.Identity())
	r.SetAgentState(room.AgentStateInitializing)
	c.logger.Info("connected to room", zap.String("identity", res.room.LocalParticipant.Identity()))

	// Participants already in the room never produce a connected callback.
	for _, rp := range res.room.GetRemoteParticipants() {
		c.dispatch.ParticipantConnected(rp.Identity())
	}
	return r, nil
}

// Close stops event delivery. Call it after the room has been left.
func (c *Connector) Close() { c.dispatch.Close() }

type liveKitRoom struct {
	room     *lksdk.Room
	logger   *zap.Logger
	dispatch *room.Dispatcher

	frames chan audio.Frame
	chat   chan room.ChatMessage

	mu      sync.Mutex
	inputs  []*lkmedia.PCMRemoteTrack
	outputs []*liveKitOutput

	closeOnce sync.Once
	closed    chan struct{}
}

func (r *liveKitRoom) Name() string                          { return r.room.Name() }
func (r *liveKitRoom) LocalIdentity() string                 { return r.room.LocalParticipant.Identity() }
func (r *liveKitRoom) AudioFrames() <-chan audio.Frame       { return r.frames }
func (r *liveKitRoom) ChatMessages() <-chan room.ChatMessage { return r.chat }

func (r *liveKitRoom) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if src := pub.Source(); src != lkproto.TrackSource_MICROPHONE && src != lkproto.TrackSource_UNKNOWN {
		r.logger.Debug("ignoring non microphone audio", zap.String("participant", rp.Identity()), zap.Stringer("source", src))
		return
	}

	remote, err := lkmedia.NewPCMRemoteTrack(track, &frameWriter{room: r, participant: rp.Identity()},
		lkmedia.WithTargetSampleRate(room.InputSampleRate),
		lkmedia.WithTargetChannels(1),
	)
	if err != nil {
		r.logger.Error("decode remote audio", zap.String("participant", rp.Identity()), zap.Error(err))
		return
	}

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		remote.Close()
		return
	default:
	}
	r.inputs = append(r.inputs, remote)
	r.mu.Unlock()

	r.logger.Info("subscribed to audio",
		zap.String("participant", rp.Identity()),
		zap.String("track", track.ID()),
		zap.String("codec", track.Codec().MimeType),
	)
}

func (r *liveKitRoom) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user, ok := data.(*lksdk.UserDataPacket)
	if !ok || user.Topic != room.TopicChat || len(user.Payload) == 0 {
		return
	}
	msg := room.ChatMessage{From: params.SenderIdentity, Text: decodeChatPayload(user.Payload), At: time.Now().UTC()}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	select {
	case r.chat <- msg:
	case <-r.closed:
	default:
		r.logger.Warn("chat queue full, dropping message", zap.String("participant", msg.From))
	}
}

// decodeChatPayload accepts the frontend chat envelope or plain text.
func decodeChatPayload(payload []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	return string(payload)
}

func (r *liveKitRoom) OpenAudioOutput(sampleRate int) (room.AudioOutput, error) {
	track, err := lkmedia.NewPCMLocalTrack(sampleRate, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: lkproto.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("publish audio track: %w", err)
	}
	r.logger.Info("audio track published", zap.Int("sample_rate", sampleRate), zap.String("track_sid", pub.SID()))

	out := &liveKitOutput{track: track}
	r.mu.Lock()
	r.outputs = append(r.outputs, out)
	r.mu.Unlock()
	return out, nil
}

func (r *liveKitRoom) PublishText(ctx context.Context, topic, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-r.closed:
		return errors.New("room disconnected")
	default:
	}
	return r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData([]byte(text)),
		lksdk.WithDataPublishTopic(topic),
		lksdk.WithDataPublishReliable(true),
	)
}

func (r *liveKitRoom) SetAgentState(state room.AgentState) {
	select {
	case <-r.closed:
		return
	default:
	}
	r.room.LocalParticipant.SetAttributes(map[string]string{"lk.agent.state": string(state)})
}

func (r *liveKitRoom) Disconnect() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closed)
		inputs, outputs := r.inputs, r.outputs
		r.inputs, r.outputs = nil, nil
		r.mu.Unlock()

		for _, in := range inputs {
			in.Close()
		}
		for _, out := range outputs {
			_ = out.Close()
		}
		r.room.Disconnect()
		r.logger.Info("disconnected from room")
	})
}

// frameWriter receives decoded remote audio from the SDK.
type frameWriter struct {
	room        *liveKitRoom
	participant string
}

var _ media.WriteCloser[media.PCM16Sample] = (*frameWriter)(nil)

func (w *frameWriter) String() string  { return "lokseva-input:" + w.participant }
func (w *frameWriter) SampleRate() int { return room.InputSampleRate }
func (w *frameWriter) Close() error    { return nil }

func (w *frameWriter) WriteSample(sample media.PCM16Sample) error {
	if len(sample) == 0 {
		return nil
	}
	data := make([]int16, len(sample))
	copy(data, sample)
	frame := audio.Frame{Data: data, SampleRate: room.InputSampleRate, Channels: 1}
	select {
	case w.room.frames <- frame:
	case <-w.room.closed:
	default:
		// Session is behind; dropping keeps the transport realtime.
	}
	return nil
}

type liveKitOutput struct {
	track     *lkmedia.PCMLocalTrack
	closeOnce sync.Once
}

func (o *liveKitOutput) WriteFrame(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.track.WriteSample(media.PCM16Sample(frame.Data))
}

func (o *liveKitOutput) Flush() { o.track.ClearQueue() }

func (o *liveKitOutput) Close() error {
	o.closeOnce.Do(func() { o.track.Close() })
	return nil
}
