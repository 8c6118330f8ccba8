// Package indicators holds the price-series math shared by the decision
// engines. Functions take the oldest value first and return 0 while the
// series is shorter than the period.
package indicators

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// ReturnBps is the change from the value period steps back to the last
// one, in basis points.
func ReturnBps(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	first := values[len(values)-period-1]
	if first == 0 {
		return 0
	}
	return (values[len(values)-1] - first) / first * 10000
}
