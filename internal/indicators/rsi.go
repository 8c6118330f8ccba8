package indicators

// RSI is the relative strength index over the last period changes, using
// plain averages of gains and losses. A series without losses reads 100.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	var up, down float64
	window := values[len(values)-period-1:]
	for i, v := range window[1:] {
		if d := v - window[i]; d > 0 {
			up += d
		} else {
			down -= d
		}
	}
	if down == 0 {
		return 100
	}
	return 100 - 100/(1+up/down)
}
