package strategy

import (
	"fmt"

	"execution-core/internal/indicators"
	"execution-core/internal/market"
)

// RSI buys when the relative strength index drops below the oversold
// threshold and sells above the overbought one.
type RSI struct {
	period     int
	oversold   float64
	overbought float64

	prices []float64
	rsi    float64
	last   Direction
}

func NewRSI(period int, oversold, overbought float64) *RSI {
	if period <= 1 {
		period = 14
	}
	if oversold <= 0 || oversold >= 50 {
		oversold = 30
	}
	if overbought <= 50 || overbought >= 100 {
		overbought = 70
	}
	return &RSI{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		prices:     make([]float64, 0, period+1),
		last:       Flat,
	}
}

func (s *RSI) Name() string { return fmt.Sprintf("rsi_%d", s.period) }

func (s *RSI) Decide(t market.Tick) Signal {
	s.prices = append(s.prices, t.Mid())
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period+1 {
		return flat(s.Name(), t, "warming up")
	}
	s.rsi = indicators.RSI(s.prices, s.period)

	dir, conf := Flat, 0.0
	switch {
	case s.rsi < s.oversold:
		dir, conf = Buy, 0.5+(s.oversold-s.rsi)/s.oversold
	case s.rsi > s.overbought:
		dir, conf = Sell, 0.5+(s.rsi-s.overbought)/(100-s.overbought)
	}
	if dir == Flat || dir == s.last {
		if dir == Flat {
			s.last = Flat
		}
		return flat(s.Name(), t, fmt.Sprintf("RSI %.2f", s.rsi))
	}
	s.last = dir
	return Signal{
		Engine:     s.Name(),
		Symbol:     t.Symbol,
		Direction:  dir,
		Confidence: clamp01(conf),
		Price:      t.Mid(),
		Time:       t.Timestamp,
		Note:       fmt.Sprintf("RSI %.2f", s.rsi),
	}
}
