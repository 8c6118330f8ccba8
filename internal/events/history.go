package events

import "sync"

// history is a fixed-capacity ring that overwrites its oldest entry.
type history struct {
	mu    sync.Mutex
	items []Event
	head  int // index of the oldest entry
	n     int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1024
	}
	return &history{items: make([]Event, size)}
}

func (h *history) push(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	capacity := len(h.items)
	if h.n < capacity {
		h.items[(h.head+h.n)%capacity] = e
		h.n++
		return
	}
	h.items[h.head] = e
	h.head = (h.head + 1) % capacity
}

// snapshot returns the matching entries oldest first.
func (h *history) snapshot(q Query) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, h.n)
	for i := 0; i < h.n; i++ {
		e := h.items[(h.head+i)%len(h.items)]
		if q.match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
