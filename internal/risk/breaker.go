package risk

import (
	"fmt"
	"sync"
	"time"
)

// Outcome is one booked result fed to a breaker.
type Outcome struct {
	PnL float64
	// LossEquivalent marks failures that count as a loss without a P&L,
	// such as broker errors or unconfirmed orders.
	LossEquivalent bool
	// Balance is the account balance used for the percentage limit.
	Balance float64
}

func (o Outcome) loss() bool { return o.LossEquivalent || o.PnL < 0 }

// BreakerSnapshot is a copy of a breaker's state.
type BreakerSnapshot struct {
	Symbol            string        `json:"symbol"`
	State             BreakerState  `json:"state"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	WindowLoss        float64       `json:"window_loss"`
	OpenedAt          time.Time     `json:"opened_at,omitempty"`
	Cooldown          time.Duration `json:"cooldown"`
	ProbeInFlight     bool          `json:"probe_in_flight"`
}

type transition struct {
	from, to BreakerState
	cause    string
}

// CircuitBreaker guards one symbol. Each breaker has its own lock, so
// symbols never contend with each other.
type CircuitBreaker struct {
	mu     sync.Mutex
	symbol string
	cfg    Config
	now    func() time.Time
	notify func(symbol string, from, to BreakerState, cause string)

	state             BreakerState
	consecutiveLosses int
	windowPnL         float64 // net realized P&L since the breaker last closed
	openedAt          time.Time
	probeInFlight     bool
}

// NewCircuitBreaker creates a CLOSED breaker.
func NewCircuitBreaker(symbol string, cfg Config, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{symbol: symbol, cfg: cfg, now: now}
}

// OnTransition installs fn to be called, outside the lock, after each
// state change.
func (b *CircuitBreaker) OnTransition(fn func(symbol string, from, to BreakerState, cause string)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// CanTrade reports whether an order may pass this layer. An OPEN breaker
// whose cooldown has elapsed moves to HALF_OPEN here.
func (b *CircuitBreaker) CanTrade() bool {
	b.mu.Lock()
	tr := b.refreshLocked()
	ok := b.state == StateClosed || (b.state == StateHalfOpen && !b.probeInFlight)
	notify := b.notify
	b.mu.Unlock()
	b.fire(notify, tr)
	return ok
}

// State returns the effective state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	tr := b.refreshLocked()
	s := b.state
	notify := b.notify
	b.mu.Unlock()
	b.fire(notify, tr)
	return s
}

// ClaimProbe reserves the single HALF_OPEN probe slot. It always succeeds
// when CLOSED and never when OPEN.
func (b *CircuitBreaker) ClaimProbe() bool {
	b.mu.Lock()
	tr := b.refreshLocked()
	ok := false
	switch b.state {
	case StateClosed:
		ok = true
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			ok = true
		}
	}
	notify := b.notify
	b.mu.Unlock()
	b.fire(notify, tr)
	return ok
}

// ReleaseProbe frees a claimed probe whose order never reached the broker.
func (b *CircuitBreaker) ReleaseProbe() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// RecordOutcome is the only mutator of the loss counters.
func (b *CircuitBreaker) RecordOutcome(o Outcome) {
	b.mu.Lock()
	var trs []transition
	if tr := b.refreshLocked(); tr != nil {
		trs = append(trs, *tr)
	}

	switch b.state {
	case StateClosed:
		b.windowPnL += o.PnL
		if !o.loss() {
			b.consecutiveLosses = 0
			break
		}
		b.consecutiveLosses++
		if cause := b.tripCauseLocked(o.Balance); cause != "" {
			trs = append(trs, b.openLocked(cause))
		}

	case StateHalfOpen:
		if !b.probeInFlight {
			// Late result from a position opened before the trip.
			break
		}
		b.probeInFlight = false
		if o.loss() {
			trs = append(trs, b.openLocked("probe lost"))
		} else {
			trs = append(trs, b.closeLocked("probe won"))
		}

	case StateOpen:
		// Results arriving while open do not move the breaker.
	}

	notify := b.notify
	b.mu.Unlock()
	for i := range trs {
		b.fire(notify, &trs[i])
	}
}

// Reset forces the breaker CLOSED. Operator use only.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	var tr *transition
	if b.state != StateClosed {
		t := b.closeLocked("manual reset")
		tr = &t
	}
	b.consecutiveLosses = 0
	b.windowPnL = 0
	notify := b.notify
	b.mu.Unlock()
	b.fire(notify, tr)
}

// Snapshot copies the current state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	tr := b.refreshLocked()
	s := BreakerSnapshot{
		Symbol:            b.symbol,
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		WindowLoss:        max(0, -b.windowPnL),
		OpenedAt:          b.openedAt,
		Cooldown:          b.cfg.Cooldown,
		ProbeInFlight:     b.probeInFlight,
	}
	notify := b.notify
	b.mu.Unlock()
	b.fire(notify, tr)
	return s
}

func (b *CircuitBreaker) tripCauseLocked(balance float64) string {
	if b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses", b.consecutiveLosses)
	}
	loss := -b.windowPnL
	if loss <= 0 {
		return ""
	}
	if b.cfg.MaxLossAmount > 0 && loss > b.cfg.MaxLossAmount {
		return fmt.Sprintf("window loss %.2f exceeds %.2f", loss, b.cfg.MaxLossAmount)
	}
	if b.cfg.MaxLossPercentage > 0 && balance > 0 {
		if pct := loss / balance * 100; pct > b.cfg.MaxLossPercentage {
			return fmt.Sprintf("window loss %.2f%% of balance exceeds %.2f%%", pct, b.cfg.MaxLossPercentage)
		}
	}
	return ""
}

func (b *CircuitBreaker) refreshLocked() *transition {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.state = StateHalfOpen
		b.probeInFlight = false
		return &transition{from: StateOpen, to: StateHalfOpen, cause: "cooldown elapsed"}
	}
	return nil
}

func (b *CircuitBreaker) openLocked(cause string) transition {
	from := b.state
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeInFlight = false
	return transition{from: from, to: StateOpen, cause: cause}
}

func (b *CircuitBreaker) closeLocked(cause string) transition {
	from := b.state
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.windowPnL = 0
	b.probeInFlight = false
	return transition{from: from, to: StateClosed, cause: cause}
}

func (b *CircuitBreaker) fire(notify func(string, BreakerState, BreakerState, string), tr *transition) {
	if notify == nil || tr == nil {
		return
	}
	notify(b.symbol, tr.from, tr.to, tr.cause)
}
