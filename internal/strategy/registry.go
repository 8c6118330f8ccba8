package strategy

import (
	"errors"
	"fmt"
)

var ErrUnknownEngine = errors.New("strategy: unknown engine")

// Engine names accepted by New.
const (
	EngineMACross  = "ma_cross"
	EngineMomentum = "momentum"
	EngineRSI      = "rsi"
)

// New builds a fresh engine instance by name.
func New(name string, params Params) (Engine, error) {
	switch name {
	case EngineMACross:
		return NewMACross(int(params.get("fast_period", 10)), int(params.get("slow_period", 30))), nil
	case EngineMomentum:
		return NewMomentum(int(params.get("lookback", 20)), params.get("threshold_bps", 5)), nil
	case EngineRSI:
		return NewRSI(int(params.get("period", 14)), params.get("oversold", 30), params.get("overbought", 70)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}
