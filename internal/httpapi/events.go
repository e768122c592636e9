package httpapi

import (
	"sync"

	"github.com/ent0n29/lokseva/internal/lifecycle"
)

type eventMessage struct {
	Type       string                `json:"type"`
	Status     *lifecycle.Status     `json:"status,omitempty"`
	Transition *lifecycle.Transition `json:"transition,omitempty"`
}

type subscriber struct {
	ch     chan lifecycle.Transition
	closed chan struct{}
}

// eventHub fans lifecycle transitions out to websocket subscribers. publish runs on the
// controller's notification path, so it never blocks: a full subscriber misses events.
type eventHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[*subscriber]struct{})}
}

func (h *eventHub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan lifecycle.Transition, 16), closed: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.closed)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *eventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.closed)
	}
}

func (h *eventHub) publish(tr lifecycle.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- tr:
		default:
		}
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.closed)
	}
}
