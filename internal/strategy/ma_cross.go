package strategy

import (
	"fmt"
	"math"

	"execution-core/internal/indicators"
	"execution-core/internal/market"
)

// MACross emits BUY when the fast average crosses above the slow one
// (golden cross) and SELL on the opposite cross. Between crosses it is FLAT.
type MACross struct {
	fastPeriod int
	slowPeriod int

	fastMA float64
	slowMA float64
	prices []float64
	last   Direction
}

func NewMACross(fastPeriod, slowPeriod int) *MACross {
	if fastPeriod <= 0 {
		fastPeriod = 10
	}
	if slowPeriod <= fastPeriod {
		slowPeriod = fastPeriod * 3
	}
	return &MACross{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		prices:     make([]float64, 0, slowPeriod+1),
		last:       Flat,
	}
}

func (s *MACross) Name() string {
	return fmt.Sprintf("ma_cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACross) Decide(t market.Tick) Signal {
	s.prices = append(s.prices, t.Mid())
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.slowPeriod {
		return flat(s.Name(), t, "warming up")
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices, s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices, s.slowPeriod)
	if oldSlow == 0 {
		return flat(s.Name(), t, "first average")
	}

	dir := Flat
	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		dir = Buy
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		dir = Sell
	}
	if dir == Flat || dir == s.last {
		return flat(s.Name(), t, "")
	}
	s.last = dir

	gap := math.Abs(s.fastMA-s.slowMA) / s.slowMA
	return Signal{
		Engine:     s.Name(),
		Symbol:     t.Symbol,
		Direction:  dir,
		Confidence: clamp01(0.5 + gap*500),
		Price:      t.Mid(),
		Time:       t.Timestamp,
		Note:       fmt.Sprintf("MA%d(%.5f) vs MA%d(%.5f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA),
	}
}
