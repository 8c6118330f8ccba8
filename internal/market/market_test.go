package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchAndQuote(t *testing.T) {
	r := NewRouter(2)
	ch := r.Channel("EURUSD")

	r.Dispatch(Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
	r.Dispatch(Tick{Symbol: "GBPUSD", Bid: 1.3, Ask: 1.3002})
	r.Dispatch(Tick{Symbol: "EURUSD", Bid: 1.2, Ask: 1.1}) // crossed, ignored

	got := <-ch
	assert.Equal(t, 1.1, got.Bid)
	bid, ask, ok := r.Quote("GBPUSD")
	require.True(t, ok)
	assert.Equal(t, 1.3, bid)
	assert.Equal(t, 1.3002, ask)

	for i := 0; i < 5; i++ {
		r.Dispatch(Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
	}
	assert.Equal(t, int64(3), r.Dropped())

	r.Close()
	r.Dispatch(Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
}

func TestMockFeedEmitsValidTicks(t *testing.T) {
	feed := &MockFeed{Symbols: []string{"EURUSD", "USDJPY"}, Interval: time.Millisecond, Seed: 7}
	ctx, cancel := context.WithCancel(context.Background())
	var ticks []Tick
	err := feed.Run(ctx, func(tk Tick) {
		ticks = append(ticks, tk)
		if len(ticks) == 20 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, len(ticks), 20)
	for _, tk := range ticks {
		require.NoError(t, tk.Validate())
		assert.InDelta(t, feed.Spread, tk.Spread(), 1e-12)
	}
}

func TestDecodeTick(t *testing.T) {
	tk, err := DecodeTick([]byte(`{"symbol":"EURUSD","bid":1.1,"ask":1.1001,"timestamp":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", tk.Symbol)
	assert.InDelta(t, 1.10005, tk.Mid(), 1e-12)

	_, err = DecodeTick([]byte(`{"symbol":"EURUSD","bid":0,"ask":1}`))
	assert.ErrorIs(t, err, ErrInvalidTick)
	_, err = DecodeTick([]byte(`nope`))
	assert.ErrorIs(t, err, ErrInvalidTick)
}
