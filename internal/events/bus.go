package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler consumes events on a subscriber's own goroutine.
type Handler func(Event)

// Bus is an in-process publish/subscribe broker. Publish never waits on a
// subscriber: each subscriber owns a bounded queue drained by a dedicated
// goroutine, and events that do not fit are dropped for that subscriber
// only. Every event is also kept in a bounded history for later queries.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	seq     atomic.Uint64
	history *history
	log     zerolog.Logger
	now     func() time.Time
}

type subscriber struct {
	id      int
	name    string
	types   map[Type]bool
	queue   chan Event
	handler Handler
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// SubscriberStats describes a live subscription.
type SubscriberStats struct {
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
}

// NewBus creates a bus keeping the last historySize events.
func NewBus(historySize int, log zerolog.Logger) *Bus {
	return &Bus{
		subs:    make(map[int]*subscriber),
		history: newHistory(historySize),
		log:     log.With().Str("component", "event_bus").Logger(),
		now:     time.Now,
	}
}

// Subscribe registers handler for the given types (all types when none are
// given) and returns the unsubscribe function. buffer bounds how far the
// subscriber may lag before events are dropped for it.
func (b *Bus) Subscribe(name string, buffer int, handler Handler, types ...Type) func() {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{
		name:    name,
		queue:   make(chan Event, buffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	b.mu.Unlock()

	go b.dispatch(s)

	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		s.stop()
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (b *Bus) dispatch(s *subscriber) {
	defer close(s.done)
	for e := range s.queue {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("subscriber", s.name).Str("type", string(e.Type)).
				Interface("panic", r).Msg("subscriber handler panicked")
		}
	}()
	s.handler(e)
}

// Publish stamps, records and fans out an event, returning it.
func (b *Bus) Publish(typ Type, symbol string, payload any) Event {
	e := Event{
		Seq:     b.seq.Add(1),
		Type:    typ,
		Symbol:  symbol,
		Time:    b.now(),
		Payload: payload,
	}
	b.history.push(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return e
	}
	for _, s := range b.subs {
		if s.types != nil && !s.types[typ] {
			continue
		}
		select {
		case s.queue <- e:
		default:
			n := s.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.log.Warn().Str("subscriber", s.name).Str("type", string(typ)).
					Uint64("dropped_total", n).Msg("slow subscriber, event dropped")
			}
		}
	}
	return e
}

// History returns recorded events matching q, oldest first.
func (b *Bus) History(q Query) []Event {
	return b.history.snapshot(q)
}

// HistoryLen reports how many events the history currently holds.
func (b *Bus) HistoryLen() int { return b.history.len() }

// Stats lists the current subscribers.
func (b *Bus) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, SubscriberStats{Name: s.name, Queued: len(s.queue), Dropped: s.dropped.Load()})
	}
	return out
}

// Close stops all subscribers after they drain their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
