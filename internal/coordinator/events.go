package coordinator

import (
	"sync"
	"time"

	"swarmstream/internal/domain"
)

const subscriberBuffer = 64

// hub fans coordinator events out to registered observers. Slow observers
// lose events rather than blocking per-peer handlers.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan domain.Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan domain.Event)}
}

// Subscribe registers an observer. The returned func unsubscribes and
// closes the channel.
func (h *hub) Subscribe() (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan domain.Event, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub) publish(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
