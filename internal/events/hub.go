// Package events fans run lifecycle events out to in-process subscribers.
// The daemon publishes every event here once; the SSE endpoint, run watchers,
// and the journal all hang off the same hub.
package events

import (
	"sync"

	"github.com/olympusai/buildforge/pkg/models"
)

// Publisher receives run events. Queue, executor, and coordinator all write
// through this interface so tests can capture events without a hub.
type Publisher interface {
	Publish(ev models.RunEvent)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(models.RunEvent)

func (f PublisherFunc) Publish(ev models.RunEvent) { f(ev) }

// Fanout delivers each event to every publisher in order. Nil entries are
// allowed and skipped.
type Fanout []Publisher

func (f Fanout) Publish(ev models.RunEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

type subscriber struct {
	runID string // "" matches every run
	ch    chan models.RunEvent
}

// Hub is an in-process broadcast bus for run events. Subscribers that fall
// behind lose events rather than blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for one run, or for all runs when runID
// is empty. The returned cancel func is idempotent and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan models.RunEvent, func()) {
	sub := &subscriber{runID: runID, ch: make(chan models.RunEvent, models.DefaultSSEChannelBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev models.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop if the subscriber is too slow; prevents global backpressure.
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
