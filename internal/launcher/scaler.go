package launcher

import (
	"sync"

	"github.com/shopspring/decimal"
)

// RiskScaler sizes canary orders. It starts at a fraction of nominal and
// ramps toward full size as fills accumulate.
type RiskScaler struct {
	mu       sync.Mutex
	initial  float64
	step     float64
	every    int
	lotStep  decimal.Decimal
	fraction float64
	fills    int
}

type ScalerConfig struct {
	InitialFraction float64
	RampStep        float64
	RampEvery       int
	LotStep         float64
}

func NewRiskScaler(cfg ScalerConfig) *RiskScaler {
	if cfg.InitialFraction <= 0 || cfg.InitialFraction > 1 {
		cfg.InitialFraction = 0.1
	}
	if cfg.RampEvery <= 0 {
		cfg.RampEvery = 20
	}
	if cfg.LotStep <= 0 {
		cfg.LotStep = 0.01
	}
	return &RiskScaler{
		initial:  cfg.InitialFraction,
		step:     cfg.RampStep,
		every:    cfg.RampEvery,
		lotStep:  decimal.NewFromFloat(cfg.LotStep),
		fraction: cfg.InitialFraction,
	}
}

// FullSize returns a scaler that never shrinks orders.
func FullSize() *RiskScaler {
	return NewRiskScaler(ScalerConfig{InitialFraction: 1})
}

func (s *RiskScaler) Fraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fraction
}

// Scale applies the current fraction to volume and floors the result to
// the lot step. ok is false when less than one step remains.
func (s *RiskScaler) Scale(volume float64) (float64, bool) {
	s.mu.Lock()
	f := s.fraction
	s.mu.Unlock()

	scaled := decimal.NewFromFloat(volume).Mul(decimal.NewFromFloat(f))
	steps := scaled.Div(s.lotStep).Floor()
	if steps.LessThan(decimal.NewFromInt(1)) {
		return 0, false
	}
	return steps.Mul(s.lotStep).InexactFloat64(), true
}

// OnFill counts a filled order and ramps the fraction every N fills.
func (s *RiskScaler) OnFill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	if s.step > 0 && s.fills%s.every == 0 && s.fraction < 1 {
		s.fraction = decimal.NewFromFloat(s.fraction).Add(decimal.NewFromFloat(s.step)).InexactFloat64()
		if s.fraction > 1 {
			s.fraction = 1
		}
	}
}

// Reset returns to the initial fraction.
func (s *RiskScaler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraction = s.initial
	s.fills = 0
}
