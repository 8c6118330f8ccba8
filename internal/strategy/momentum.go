package strategy

import (
	"fmt"
	"math"

	"execution-core/internal/indicators"
	"execution-core/internal/market"
)

// Momentum follows the return over a lookback window once it exceeds a
// threshold in basis points.
type Momentum struct {
	lookback     int
	thresholdBps float64

	prices []float64
	last   Direction
}

func NewMomentum(lookback int, thresholdBps float64) *Momentum {
	if lookback <= 0 {
		lookback = 20
	}
	if thresholdBps <= 0 {
		thresholdBps = 5
	}
	return &Momentum{
		lookback:     lookback,
		thresholdBps: thresholdBps,
		prices:       make([]float64, 0, lookback+1),
		last:         Flat,
	}
}

func (s *Momentum) Name() string { return fmt.Sprintf("momentum_%d", s.lookback) }

func (s *Momentum) Decide(t market.Tick) Signal {
	s.prices = append(s.prices, t.Mid())
	if len(s.prices) > s.lookback+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.lookback+1 {
		return flat(s.Name(), t, "warming up")
	}

	retBps := indicators.ReturnBps(s.prices, s.lookback)

	dir := Flat
	switch {
	case retBps > s.thresholdBps:
		dir = Buy
	case retBps < -s.thresholdBps:
		dir = Sell
	}
	if dir == Flat || dir == s.last {
		return flat(s.Name(), t, fmt.Sprintf("return %.2fbps", retBps))
	}
	s.last = dir
	return Signal{
		Engine:     s.Name(),
		Symbol:     t.Symbol,
		Direction:  dir,
		Confidence: clamp01(math.Abs(retBps) / (2 * s.thresholdBps)),
		Price:      t.Mid(),
		Time:       t.Timestamp,
		Note:       fmt.Sprintf("return %.2fbps over %d ticks", retBps, s.lookback),
	}
}
