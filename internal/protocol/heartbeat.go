package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"execution-core/internal/events"
)

// LinkState is the heartbeat's view of the Brain/Gateway link.
type LinkState string

const (
	LinkUp   LinkState = "UP"
	LinkDown LinkState = "DOWN"
)

// LinkEvent is published on every UP/DOWN transition.
type LinkEvent struct {
	State   LinkState     `json:"state"`
	Missed  int           `json:"missed"`
	DownFor time.Duration `json:"down_for"`
	RTT     time.Duration `json:"rtt"`
	Error   string        `json:"error,omitempty"`
}

// Pinger sends a single heartbeat.
type Pinger interface {
	Ping(ctx context.Context) (Pong, error)
}

type HealthConfig struct {
	Interval        time.Duration
	MissedThreshold int
	MaxBackoff      time.Duration
	// HaltAfter is how long the link may stay DOWN before ProlongedDown reports true.
	HaltAfter time.Duration
}

// HealthMonitor pings the gateway on its own connection and declares the
// link DOWN after MissedThreshold consecutive unanswered beats. The link
// starts DOWN and comes UP on the first answered beat.
type HealthMonitor struct {
	pinger Pinger
	cfg    HealthConfig
	bus    *events.Bus
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	state     LinkState
	missed    int
	downSince time.Time
	lastRTT   time.Duration
	listeners []func(LinkState)
}

func NewHealthMonitor(p Pinger, cfg HealthConfig, bus *events.Bus, log zerolog.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = 3
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	h := &HealthMonitor{
		pinger: p,
		cfg:    cfg,
		bus:    bus,
		log:    log,
		now:    time.Now,
		state:  LinkDown,
	}
	h.downSince = h.now()
	return h
}

// OnChange registers fn to run after every state transition.
func (h *HealthMonitor) OnChange(fn func(LinkState)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *HealthMonitor) Up() bool { return h.State() == LinkUp }

func (h *HealthMonitor) State() LinkState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// DownFor returns how long the link has been DOWN, zero while UP.
func (h *HealthMonitor) DownFor() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state == LinkUp {
		return 0
	}
	return h.now().Sub(h.downSince)
}

// ProlongedDown reports a DOWN period longer than HaltAfter.
func (h *HealthMonitor) ProlongedDown() bool {
	if h.cfg.HaltAfter <= 0 {
		return false
	}
	return h.DownFor() > h.cfg.HaltAfter
}

func (h *HealthMonitor) LastRTT() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRTT
}

// Beat sends one heartbeat and applies the result. A reply later than
// Interval counts as missed.
func (h *HealthMonitor) Beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Interval)
	defer cancel()
	pong, err := h.pinger.Ping(ctx)

	h.mu.Lock()
	var ev *LinkEvent
	if err == nil {
		h.missed = 0
		h.lastRTT = pong.RTT
		if h.state == LinkDown {
			ev = &LinkEvent{State: LinkUp, DownFor: h.now().Sub(h.downSince), RTT: pong.RTT}
			h.state = LinkUp
		}
	} else {
		h.missed++
		if h.state == LinkUp && h.missed >= h.cfg.MissedThreshold {
			h.state = LinkDown
			h.downSince = h.now()
			ev = &LinkEvent{State: LinkDown, Missed: h.missed, Error: err.Error()}
		}
	}
	listeners := h.listeners
	h.mu.Unlock()

	if ev != nil {
		h.announce(*ev, listeners)
	}
	return err
}

func (h *HealthMonitor) announce(ev LinkEvent, listeners []func(LinkState)) {
	if ev.State == LinkDown {
		h.log.Error().Int("missed", ev.Missed).Str("error", ev.Error).Msg("gateway link DOWN")
	} else {
		h.log.Info().Dur("down_for", ev.DownFor).Dur("rtt", ev.RTT).Msg("gateway link UP")
	}
	if h.bus != nil {
		h.bus.Publish(events.TypeLinkState, "", ev)
	}
	for _, fn := range listeners {
		fn(ev.State)
	}
}

// Run beats every Interval while UP and backs off exponentially up to
// MaxBackoff while DOWN.
func (h *HealthMonitor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.Interval
	b.MaxInterval = h.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		_ = h.Beat(ctx)

		wait := h.cfg.Interval
		if h.Up() {
			b.Reset()
		} else {
			wait = b.NextBackOff()
		}
		timer.Reset(wait)
	}
}
