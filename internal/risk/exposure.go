package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
)

var hundred = decimal.NewFromInt(100)

// ExposureMonitor keeps the gross open notional per symbol and checks new
// orders against a per-symbol and a global cap, both expressed as percent
// of account balance. The ledger changes only on confirmed fills and
// closes. A single mutex covers it since the global cap spans symbols.
type ExposureMonitor struct {
	mu      sync.Mutex
	cfg     Config
	balance decimal.Decimal
	ledger  map[string]decimal.Decimal
}

// ExposureSnapshot is a copy of the ledger.
type ExposureSnapshot struct {
	Balance  float64            `json:"balance"`
	Total    float64            `json:"total"`
	BySymbol map[string]float64 `json:"by_symbol"`
}

// NewExposureMonitor creates an empty ledger.
func NewExposureMonitor(cfg Config) *ExposureMonitor {
	return &ExposureMonitor{cfg: cfg, ledger: make(map[string]decimal.Decimal)}
}

// Notional returns the position value of o at its reference price.
func (e *ExposureMonitor) Notional(o order.Order) float64 {
	return e.notional(o).InexactFloat64()
}

func (e *ExposureMonitor) notional(o order.Order) decimal.Decimal {
	return decimal.NewFromFloat(o.Volume).
		Mul(decimal.NewFromFloat(o.Price)).
		Mul(decimal.NewFromFloat(e.cfg.contractSize(o.Symbol)))
}

// SetBalance updates the base the caps are computed from.
func (e *ExposureMonitor) SetBalance(balance float64) {
	e.mu.Lock()
	e.balance = decimal.NewFromFloat(balance)
	e.mu.Unlock()
}

// CheckExposure evaluates the candidate without changing the ledger.
func (e *ExposureMonitor) CheckExposure(o order.Order) (bool, Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.balance.IsPositive() {
		return false, Reason{Layer: LayerExposure, Code: CodeAccountUnknown,
			Message: "account balance unknown, exposure cannot be bounded"}
	}
	if o.Price <= 0 {
		return false, Reason{Layer: LayerExposure, Code: CodeInvalidOrder,
			Message: "order carries no reference price"}
	}

	add := e.notional(o)

	symCap := e.balance.Mul(decimal.NewFromFloat(e.cfg.MaxSinglePositionPct)).Div(hundred)
	symAfter := e.ledger[o.Symbol].Add(add)
	if symAfter.GreaterThan(symCap) {
		return false, Reason{Layer: LayerExposure, Code: CodeSymbolExposure,
			Message: fmt.Sprintf("%s exposure %s would exceed cap %s",
				o.Symbol, symAfter.StringFixed(2), symCap.StringFixed(2))}
	}

	totalCap := e.balance.Mul(decimal.NewFromFloat(e.cfg.MaxTotalExposurePct)).Div(hundred)
	totalAfter := e.totalLocked().Add(add)
	if totalAfter.GreaterThan(totalCap) {
		return false, Reason{Layer: LayerExposure, Code: CodeTotalExposure,
			Message: fmt.Sprintf("total exposure %s would exceed cap %s",
				totalAfter.StringFixed(2), totalCap.StringFixed(2))}
	}
	return true, Reason{}
}

// ApplyFill books notional opened on symbol.
func (e *ExposureMonitor) ApplyFill(symbol string, notional float64) {
	e.mu.Lock()
	e.ledger[symbol] = e.ledger[symbol].Add(decimal.NewFromFloat(notional))
	e.mu.Unlock()
}

// Release removes notional closed on symbol, never going below zero.
func (e *ExposureMonitor) Release(symbol string, notional float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	left := e.ledger[symbol].Sub(decimal.NewFromFloat(notional))
	if !left.IsPositive() {
		delete(e.ledger, symbol)
		return
	}
	e.ledger[symbol] = left
}

func (e *ExposureMonitor) totalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, v := range e.ledger {
		total = total.Add(v)
	}
	return total
}

// Snapshot copies the ledger.
func (e *ExposureMonitor) Snapshot() ExposureSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := ExposureSnapshot{
		Balance:  e.balance.InexactFloat64(),
		Total:    e.totalLocked().InexactFloat64(),
		BySymbol: make(map[string]float64, len(e.ledger)),
	}
	for sym, v := range e.ledger {
		s.BySymbol[sym] = v.InexactFloat64()
	}
	return s
}
