package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 4.0, SMA(values, 3))
	assert.Equal(t, 3.0, SMA(values, 5))
	assert.Zero(t, SMA(values, 6))
	assert.Zero(t, SMA(values, 0))
}

func TestRSI(t *testing.T) {
	assert.Equal(t, 100.0, RSI([]float64{1, 2, 3, 4}, 3))
	assert.Equal(t, 0.0, RSI([]float64{4, 3, 2, 1}, 3))
	// one gain of 2 against one loss of 2
	assert.InDelta(t, 50.0, RSI([]float64{10, 12, 10}, 2), 1e-9)
	assert.Zero(t, RSI([]float64{1, 2}, 2))
}

func TestReturnBps(t *testing.T) {
	assert.InDelta(t, 100.0, ReturnBps([]float64{100, 50, 101}, 2), 1e-9)
	assert.InDelta(t, -200.0, ReturnBps([]float64{7, 100, 98}, 1), 1e-9)
	assert.Zero(t, ReturnBps([]float64{1}, 1))
}
