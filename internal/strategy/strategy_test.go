package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/market"
	"execution-core/internal/order"
)

func ticks(prices ...float64) []market.Tick {
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	out := make([]market.Tick, len(prices))
	for i, p := range prices {
		out[i] = market.Tick{Symbol: "EURUSD", Bid: p, Ask: p, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func run(e Engine, ts []market.Tick) []Signal {
	var out []Signal
	for _, t := range ts {
		if s := e.Decide(t); s.Actionable() {
			out = append(out, s)
		}
	}
	return out
}

func TestMACrossGoldenAndDeathCross(t *testing.T) {
	e := NewMACross(2, 4)
	prices := []float64{1.10, 1.09, 1.08, 1.07, 1.06, 1.08, 1.10, 1.12, 1.13, 1.10, 1.06, 1.02}
	sigs := run(e, ticks(prices...))

	require.Len(t, sigs, 2)
	assert.Equal(t, Buy, sigs[0].Direction)
	assert.Equal(t, Sell, sigs[1].Direction)
	for _, s := range sigs {
		assert.Equal(t, "EURUSD", s.Symbol)
		assert.Equal(t, "ma_cross_2_4", s.Engine)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestMACrossFlatWhileWarmingUp(t *testing.T) {
	e := NewMACross(3, 5)
	for _, tk := range ticks(1, 2, 3, 4) {
		s := e.Decide(tk)
		assert.Equal(t, Flat, s.Direction)
		assert.Equal(t, "warming up", s.Note)
	}
}

func TestMomentumFollowsTrendOnce(t *testing.T) {
	e := NewMomentum(3, 5)
	prices := []float64{1.0000, 1.0010, 1.0020, 1.0030, 1.0040, 1.0050}
	sigs := run(e, ticks(prices...))

	// the trend persists but the signal is edge triggered
	require.Len(t, sigs, 1)
	assert.Equal(t, Buy, sigs[0].Direction)
	assert.Equal(t, 1.0, sigs[0].Confidence)
}

func TestRSIOversoldBuys(t *testing.T) {
	e := NewRSI(3, 30, 70)
	sigs := run(e, ticks(1.10, 1.09, 1.08, 1.07))
	require.Len(t, sigs, 1)
	assert.Equal(t, Buy, sigs[0].Direction)
}

func TestDirectionSide(t *testing.T) {
	s, ok := Buy.Side()
	assert.True(t, ok)
	assert.Equal(t, order.SideBuy, s)
	s, ok = Sell.Side()
	assert.True(t, ok)
	assert.Equal(t, order.SideSell, s)
	_, ok = Flat.Side()
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{EngineMACross, EngineMomentum, EngineRSI} {
		e, err := New(name, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, e.Name())
	}

	e, err := New(EngineMACross, Params{"fast_period": 5, "slow_period": 20})
	require.NoError(t, err)
	assert.Equal(t, "ma_cross_5_20", e.Name())

	_, err = New("neural_net", nil)
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
