// Package strategy holds the decision-engine contract and the reference
// engines the harness runs as baseline and challenger.
package strategy

import (
	"time"

	"execution-core/internal/market"
	"execution-core/internal/order"
)

// Direction is what an engine wants to hold.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Flat Direction = "FLAT"
)

// Side maps an actionable direction to an order side.
func (d Direction) Side() (order.Side, bool) {
	switch d {
	case Buy:
		return order.SideBuy, true
	case Sell:
		return order.SideSell, true
	}
	return "", false
}

// Signal is a decision emitted by an engine for one tick.
type Signal struct {
	Engine     string    `json:"engine"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	Note       string    `json:"note,omitempty"`
}

// Actionable reports whether the signal asks for a position.
func (s Signal) Actionable() bool { return s.Direction == Buy || s.Direction == Sell }

// Engine turns ticks into signals. Engines keep per-symbol state and are
// not safe for concurrent use; each worker owns its own instances.
type Engine interface {
	Name() string
	Decide(t market.Tick) Signal
}

// Params are numeric engine parameters keyed by name.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok && v > 0 {
		return v
	}
	return def
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// flat builds a no-action signal.
func flat(engine string, t market.Tick, note string) Signal {
	return Signal{Engine: engine, Symbol: t.Symbol, Direction: Flat, Price: t.Mid(), Time: t.Timestamp, Note: note}
}
