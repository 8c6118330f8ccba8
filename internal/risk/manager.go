package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/pkg/cache"
)

// ErrUnknownSymbol is returned when resetting a breaker never created.
var ErrUnknownSymbol = errors.New("risk: unknown symbol")

// Layer is one short-circuiting check in ValidateOrder.
type Layer interface {
	Name() string
	Check(o order.Order) (bool, Reason)
}

// Manager owns all mutable risk state. Other components only read
// snapshots or go through its methods.
type Manager struct {
	cfg      Config
	bus      *events.Bus
	log      zerolog.Logger
	now      func() time.Time
	breakers *cache.Sharded[*CircuitBreaker]
	drawdown *DrawdownMonitor
	exposure *ExposureMonitor
	layers   []Layer

	// acctMu serializes account and exposure bookkeeping, which is
	// inherently cross-symbol.
	acctMu  sync.Mutex
	balance float64
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for breakers and drawdown.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLayers replaces the default breaker, drawdown, exposure chain.
func WithLayers(layers ...Layer) Option {
	return func(m *Manager) { m.layers = layers }
}

// NewManager wires the three layers to bus.
func NewManager(cfg Config, bus *events.Bus, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		log:      log.With().Str("component", "risk_manager").Logger(),
		now:      time.Now,
		breakers: cache.NewSharded[*CircuitBreaker](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.drawdown = NewDrawdownMonitor(cfg, m.now)
	m.drawdown.OnChange(m.onDrawdownChange)
	m.exposure = NewExposureMonitor(cfg)
	if m.layers == nil {
		m.layers = []Layer{breakerLayer{m}, drawdownLayer{m}, exposureLayer{m}}
	}
	return m
}

// Breaker returns the breaker for symbol, creating it on first use.
func (m *Manager) Breaker(symbol string) *CircuitBreaker {
	return m.breakers.GetOrCreate(symbol, func() *CircuitBreaker {
		b := NewCircuitBreaker(symbol, m.cfg, m.now)
		b.OnTransition(m.onBreakerTransition)
		return b
	})
}

// ValidateOrder runs breaker, drawdown and exposure in that order and stops
// at the first rejection. A panicking layer rejects.
func (m *Manager) ValidateOrder(o order.Order) (Decision, []Reason) {
	decision, reasons := m.evaluate(o)

	if m.bus != nil {
		m.bus.Publish(events.TypeRiskDecision, o.Symbol, DecisionEvent{
			OrderID:  o.ID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Volume:   o.Volume,
			Decision: decision,
			Reasons:  reasons,
		})
	}

	ev := m.log.Debug()
	if decision == Reject {
		ev = m.log.Info().Str("code", string(reasons[0].Code)).Str("reason", reasons[0].Message)
	}
	ev.Str("order_id", o.ID).Str("symbol", o.Symbol).Str("side", string(o.Side)).
		Float64("volume", o.Volume).Str("decision", string(decision)).Msg("risk decision")

	return decision, reasons
}

func (m *Manager) evaluate(o order.Order) (Decision, []Reason) {
	if err := o.Validate(); err != nil {
		return Reject, []Reason{{Layer: "order", Code: CodeInvalidOrder, Message: err.Error()}}
	}
	for _, layer := range m.layers {
		if ok, reason := m.runLayer(layer, o); !ok {
			return Reject, []Reason{reason}
		}
	}
	// The HALF_OPEN probe is claimed only once every layer agreed.
	if !m.Breaker(o.Symbol).ClaimProbe() {
		return Reject, []Reason{{Layer: LayerBreaker, Code: CodeProbeInFlight,
			Message: o.Symbol + " breaker probe already in flight"}}
	}
	return Pass, nil
}

func (m *Manager) runLayer(layer Layer, o order.Order) (ok bool, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("layer", layer.Name()).Interface("panic", r).
				Str("order_id", o.ID).Msg("risk layer panicked, rejecting")
			ok = false
			reason = Reason{Layer: layer.Name(), Code: CodeLayerFault,
				Message: fmt.Sprintf("layer %s failed: %v", layer.Name(), r)}
		}
	}()
	ok, reason = layer.Check(o)
	if !ok && reason.Code == "" {
		reason = Reason{Layer: layer.Name(), Code: CodeLayerFault, Message: "layer rejected without reason"}
	}
	return ok, reason
}

// RecordTradeOutcome books an execution result into breaker and exposure
// state and republishes it as a TradeOutcome event.
func (m *Manager) RecordTradeOutcome(out TradeOutcome) {
	br := m.Breaker(out.Symbol)
	res := out.Result

	m.acctMu.Lock()
	balance := m.balance
	switch res.Status {
	case order.StatusFilled:
		if out.Kind == KindClose {
			m.exposure.Release(out.Symbol, out.Notional)
		} else {
			m.exposure.ApplyFill(out.Symbol, out.Notional)
		}
	}
	m.acctMu.Unlock()

	switch res.Status {
	case order.StatusFilled:
		if out.Kind == KindClose {
			br.RecordOutcome(Outcome{PnL: res.Profit, Balance: balance})
		}
	case order.StatusError:
		if res.NonFinancial {
			br.ReleaseProbe()
		} else {
			br.RecordOutcome(Outcome{LossEquivalent: true, Balance: balance})
		}
	case order.StatusTimeout:
		br.RecordOutcome(Outcome{LossEquivalent: true, Balance: balance})
	case order.StatusRejected:
		br.ReleaseProbe()
	}

	if m.bus != nil {
		m.bus.Publish(events.TypeTradeOutcome, out.Symbol, out)
	}
	m.log.Info().Str("order_id", out.OrderID).Str("symbol", out.Symbol).
		Str("kind", string(out.Kind)).Str("status", string(res.Status)).
		Str("ticket", res.Ticket).Float64("profit", res.Profit).
		Str("error_code", res.ErrorCode).Msg("trade outcome")
}

// UpdateAccount feeds a fresh account reading into drawdown and exposure.
func (m *Manager) UpdateAccount(balance, equity float64) Level {
	m.acctMu.Lock()
	m.balance = balance
	m.exposure.SetBalance(balance)
	m.drawdown.SetBalance(balance)
	m.acctMu.Unlock()
	return m.drawdown.Update(equity)
}

// Notional prices o the same way the exposure layer does.
func (m *Manager) Notional(o order.Order) float64 { return m.exposure.Notional(o) }

// Halted reports a latched drawdown HALT.
func (m *Manager) Halted() bool { return m.drawdown.Halted() }

// ResetDrawdown clears a latched HALT. Operator use only.
func (m *Manager) ResetDrawdown() {
	m.log.Warn().Msg("drawdown reset by operator")
	m.drawdown.Reset()
}

// ResetBreaker closes the breaker of symbol. Operator use only.
func (m *Manager) ResetBreaker(symbol string) error {
	b, ok := m.breakers.Get(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	m.log.Warn().Str("symbol", symbol).Msg("breaker reset by operator")
	b.Reset()
	return nil
}

// Snapshot is a read-only copy of the whole risk state.
type Snapshot struct {
	Account  AccountState      `json:"account"`
	Exposure ExposureSnapshot  `json:"exposure"`
	Breakers []BreakerSnapshot `json:"breakers"`
}

// Snapshot copies the current state.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		Account:  m.drawdown.State(),
		Exposure: m.exposure.Snapshot(),
	}
	for _, sym := range m.breakers.Keys() {
		if b, ok := m.breakers.Get(sym); ok {
			s.Breakers = append(s.Breakers, b.Snapshot())
		}
	}
	return s
}

func (m *Manager) onBreakerTransition(symbol string, from, to BreakerState, cause string) {
	ev := m.log.Info()
	if to == StateOpen {
		ev = m.log.Warn()
	}
	ev.Str("symbol", symbol).Str("from", from.String()).Str("to", to.String()).
		Str("cause", cause).Msg("circuit breaker transition")
	if m.bus != nil {
		m.bus.Publish(events.TypeBreakerState, symbol, BreakerEvent{Symbol: symbol, From: from, To: to, Cause: cause})
	}
}

func (m *Manager) onDrawdownChange(ev DrawdownEvent) {
	l := m.log.Info()
	if ev.To >= LevelCritical {
		l = m.log.Error()
	}
	l.Str("from", ev.From.String()).Str("to", ev.To.String()).
		Float64("drawdown_pct", ev.DrawdownPct).Float64("equity", ev.Equity).
		Float64("peak_equity", ev.PeakEquity).Msg("drawdown level changed")
	if m.bus != nil {
		m.bus.Publish(events.TypeDrawdownLevel, "", ev)
	}
}

type breakerLayer struct{ m *Manager }

func (breakerLayer) Name() string { return LayerBreaker }

func (l breakerLayer) Check(o order.Order) (bool, Reason) {
	if l.m.Breaker(o.Symbol).CanTrade() {
		return true, Reason{}
	}
	return false, Reason{Layer: LayerBreaker, Code: CodeBreakerOpen,
		Message: o.Symbol + " circuit breaker is not accepting orders"}
}

type drawdownLayer struct{ m *Manager }

func (drawdownLayer) Name() string { return LayerDrawdown }

// Check rejects from CRITICAL upward; only HALT latches.
func (l drawdownLayer) Check(order.Order) (bool, Reason) {
	switch lvl := l.m.drawdown.Level(); lvl {
	case LevelHalt:
		return false, Reason{Layer: LayerDrawdown, Code: CodeDrawdownHalt,
			Message: "account drawdown HALT, operator reset required"}
	case LevelCritical:
		return false, Reason{Layer: LayerDrawdown, Code: CodeDrawdownCritical,
			Message: "account drawdown CRITICAL, new exposure blocked"}
	}
	return true, Reason{}
}

type exposureLayer struct{ m *Manager }

func (exposureLayer) Name() string { return LayerExposure }

func (l exposureLayer) Check(o order.Order) (bool, Reason) {
	return l.m.exposure.CheckExposure(o)
}
