package market

import (
	"sync"
	"sync/atomic"

	"execution-core/pkg/cache"
)

// Router fans ticks out to one bounded channel per symbol and remembers the
// latest quote. A full channel drops the tick: a stale quote is worth less
// than a fresh one.
type Router struct {
	buffer int

	mu       sync.RWMutex
	channels map[string]chan Tick
	latest   *cache.Sharded[Tick]
	dropped  atomic.Int64
	closed   bool
}

func NewRouter(buffer int) *Router {
	if buffer <= 0 {
		buffer = 256
	}
	return &Router{
		buffer:   buffer,
		channels: make(map[string]chan Tick),
		latest:   cache.NewSharded[Tick](),
	}
}

// Channel returns the tick stream for symbol, creating it on first use.
func (r *Router) Channel(symbol string) <-chan Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[symbol]
	if !ok {
		ch = make(chan Tick, r.buffer)
		r.channels[symbol] = ch
	}
	return ch
}

// Dispatch records t as the latest quote and forwards it to the symbol's
// channel if one exists.
func (r *Router) Dispatch(t Tick) {
	if t.Validate() != nil {
		return
	}
	r.latest.Set(t.Symbol, t)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	ch, ok := r.channels[t.Symbol]
	if !ok {
		return
	}
	select {
	case ch <- t:
	default:
		r.dropped.Add(1)
	}
}

// Quote returns the latest bid/ask for symbol.
func (r *Router) Quote(symbol string) (float64, float64, bool) {
	t, ok := r.latest.Get(symbol)
	if !ok {
		return 0, 0, false
	}
	return t.Bid, t.Ask, true
}

func (r *Router) Latest(symbol string) (Tick, bool) { return r.latest.Get(symbol) }

func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Close closes every symbol channel.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.channels {
		close(ch)
	}
}
