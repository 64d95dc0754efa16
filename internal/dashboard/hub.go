package dashboard

import (
	"sync"

	"github.com/MrWong99/meli/internal/meter"
)

// Hub fans meter samples out to websocket clients. Each client holds at most
// one pending sample; a slow client skips frames instead of queueing them.
type Hub struct {
	mu      sync.Mutex
	clients map[chan meter.Sample]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan meter.Sample]struct{})}
}

// Publish offers s to every client, replacing a sample the client has not
// read yet. It never blocks; pass it to [meter.Extractor.Loop] as the sink.
func (h *Hub) Publish(s meter.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// subscribe registers a client. The returned func unregisters it.
func (h *Hub) subscribe() (<-chan meter.Sample, func()) {
	ch := make(chan meter.Sample, 1)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}
