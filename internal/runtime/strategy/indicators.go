package strategy

import "math"

const tradingDaysPerYear = 252

// round4 rounds to four decimals. Non-finite values pass through and are
// encoded as null later.
func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*1e4) / 1e4
}

// adapt shrinks window to what n samples allow, never below min.
func adapt(window, n, min int) (int, bool) {
	if window > n {
		window = n
	}
	return window, window >= min
}

func tail(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev returns the standard deviation with ddof degrees of freedom removed:
// 0 for the population, 1 for the sample.
func stddev(values []float64, ddof int) float64 {
	n := len(values) - ddof
	if n <= 0 {
		return math.NaN()
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// emaSeries is the bias-adjusted exponential moving average of values for the
// given span, one value per input.
func emaSeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if span < 1 {
		span = 1
	}
	decay := 1 - 2/(float64(span)+1)
	var num, den float64
	for i, v := range values {
		num = v + decay*num
		den = 1 + decay*den
		out[i] = num / den
	}
	return out
}

func ema(values []float64, span int) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	series := emaSeries(values, span)
	return series[len(series)-1]
}

func percentChange(from, to float64) float64 {
	if from == 0 {
		return math.NaN()
	}
	return (to - from) / from * 100
}

// rsi uses the simple average of the last period price changes.
func rsi(closes []float64, period int) float64 {
	changes := tail(closes, period+1)
	var gain, loss float64
	for i := 1; i < len(changes); i++ {
		d := changes[i] - changes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	switch {
	case loss == 0 && gain == 0:
		return 50
	case loss == 0:
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// logReturns returns nil when a non-positive price makes a log undefined.
func logReturns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			return nil
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// trueRanges has one entry per bar after the first.
func trueRanges(highs, lows, closes []float64) []float64 {
	out := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-prev), math.Abs(lows[i]-prev)))
		out = append(out, tr)
	}
	return out
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		m = math.Max(m, v)
	}
	return m
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		m = math.Min(m, v)
	}
	return m
}
