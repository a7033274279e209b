// Package realtime fans row-change notifications out to in-process subscribers.
package realtime

import (
	"sync"

	"example.com/healthsync/internal/events"
)

// Handler receives change notifications published on a channel.
type Handler func(events.Change)

// Hub is an in-process pub/sub keyed by channel name. Handlers run synchronously on the
// publishing goroutine, outside the hub lock, so a handler may subscribe or unsubscribe.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]Handler
	nextID   uint64
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[uint64]Handler)}
}

// Subscribe registers fn on channel and returns a function that removes it.
func (h *Hub) Subscribe(channel string, fn Handler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[uint64]Handler)
		h.channels[channel] = subs
	}
	subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.channels[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
}

// Publish delivers change to every handler subscribed to channel.
func (h *Hub) Publish(channel string, change events.Change) {
	h.mu.RLock()
	subs := h.channels[channel]
	handlers := make([]Handler, 0, len(subs))
	for _, fn := range subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(change)
	}
}

// Subscribers reports how many handlers are registered on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
