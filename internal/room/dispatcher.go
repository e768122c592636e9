package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/observability"
)

type eventKind int

const (
	eventParticipantConnected eventKind = iota
	eventParticipantDisconnected
)

func (k eventKind) String() string {
	if k == eventParticipantConnected {
		return "participant_connected"
	}
	return "participant_disconnected"
}

type event struct {
	kind        eventKind
	participant string
}

// Dispatcher moves participant events off the transport goroutine. The queue is unbounded
// so the transport never blocks on a slow handler. Connectors share it to get the same
// duplicate suppression and self filtering.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu           sync.Mutex
	queue        []event
	self         string
	departed     map[string]bool
	onConnect    []ConnectHandler
	onDisconnect []DisconnectHandler

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:   logger,
		metrics:  metrics,
		departed: make(map[string]bool),
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// SetSelf records the local identity; its events are never delivered.
func (d *Dispatcher) SetSelf(identity string) {
	d.mu.Lock()
	d.self = identity
	d.mu.Unlock()
}

func (d *Dispatcher) AddConnectHandler(h ConnectHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.onConnect = append(d.onConnect, h)
	d.mu.Unlock()
}

func (d *Dispatcher) AddDisconnectHandler(h DisconnectHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.onDisconnect = append(d.onDisconnect, h)
	d.mu.Unlock()
}

// ParticipantConnected queues a join. It never blocks.
func (d *Dispatcher) ParticipantConnected(identity string) {
	d.enqueue(event{kind: eventParticipantConnected, participant: identity})
}

// ParticipantDisconnected queues a departure. It never blocks.
func (d *Dispatcher) ParticipantDisconnected(identity string) {
	d.enqueue(event{kind: eventParticipantDisconnected, participant: identity})
}

func (d *Dispatcher) enqueue(ev event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Close stops delivery and waits for the worker goroutine.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev event) {
	d.mu.Lock()
	if ev.participant == "" || ev.participant == d.self {
		d.mu.Unlock()
		return
	}
	var connect []ConnectHandler
	var disconnect []DisconnectHandler
	switch ev.kind {
	case eventParticipantConnected:
		delete(d.departed, ev.participant)
		connect = append(connect, d.onConnect...)
	case eventParticipantDisconnected:
		if d.departed[ev.participant] {
			d.mu.Unlock()
			d.logger.Debug("duplicate disconnect ignored", zap.String("participant", ev.participant))
			return
		}
		d.departed[ev.participant] = true
		disconnect = append(disconnect, d.onDisconnect...)
	}
	d.mu.Unlock()

	d.metrics.ObserveRoomEvent(ev.kind.String())
	d.logger.Info("room event", zap.Stringer("event", ev.kind), zap.String("participant", ev.participant))
	for _, h := range connect {
		d.call(ev, func() { h(ev.participant) })
	}
	for _, h := range disconnect {
		d.call(ev, func() { h(ev.participant) })
	}
}

func (d *Dispatcher) call(ev event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("room event handler panicked",
				zap.Stringer("event", ev.kind), zap.String("participant", ev.participant), zap.Any("panic", r))
		}
	}()
	fn()
}
