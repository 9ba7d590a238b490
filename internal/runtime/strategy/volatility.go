package strategy

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
)

const VolatilityName = "volatility"

var errNoPrices = errors.New("record carries no price")

// Volatility computes dispersion indicators. Indicators over high/low ranges
// are only produced when both highs and lows are supplied and match the close
// series in length; a mismatch yields a partial result.
type Volatility struct {
	Window         int
	ATRWindow      int
	ChaikinWindow  int
	BandDeviations float64
	KeltnerFactor  float64

	Clock func() time.Time
}

func NewVolatility() *Volatility {
	return &Volatility{
		Window:         20,
		ATRWindow:      14,
		ChaikinWindow:  10,
		BandDeviations: 2,
		KeltnerFactor:  2,
	}
}

func (v *Volatility) Name() string { return VolatilityName }

func (v *Volatility) Process(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Result{}, err
	}

	prices := closes(rec)
	if len(prices) == 0 {
		return envelope.Result{}, errspkg.NewProcessingError(VolatilityName, errNoPrices)
	}

	res := newResult(rec, VolatilityName, clock(v.Clock).now())
	ind := res.Indicators
	n := len(prices)

	w, _ := adapt(v.Window, n, 1)
	window := tail(prices, w)
	ind["stddev"] = round4(stddev(window, 0))

	if rw, ok := adapt(v.Window, n-1, 2); ok {
		if returns := logReturns(tail(prices, rw+1)); returns != nil {
			ind["historical_volatility"] = round4(stddev(returns, 0) * math.Sqrt(tradingDaysPerYear))
		}
	}

	if w >= 2 {
		ind["bollinger_bands"] = v.bollinger(window, prices[n-1])
	}

	highs := rec.Series(envelope.SeriesHigh)
	lows := rec.Series(envelope.SeriesLow)
	switch {
	case len(highs) == 0 && len(lows) == 0:
	case len(highs) != n || len(lows) != n:
		res.Status = envelope.StatusPartial
	default:
		v.ranges(ind, highs, lows, prices)
	}

	return res, nil
}

func (v *Volatility) bollinger(window []float64, last float64) envelope.Indicators {
	sma := mean(window)
	sd := stddev(window, 1)
	upper := sma + v.BandDeviations*sd
	lower := sma - v.BandDeviations*sd

	percentB := math.NaN()
	if upper != lower {
		percentB = (last - lower) / (upper - lower)
	}
	return envelope.Indicators{
		"sma":        round4(sma),
		"upper_band": round4(upper),
		"lower_band": round4(lower),
		"percent_b":  round4(percentB),
	}
}

func (v *Volatility) ranges(ind envelope.Indicators, highs, lows, prices []float64) {
	n := len(prices)

	if w, ok := adapt(v.Window, n, 1); ok {
		ind["donchian_channels"] = envelope.Indicators{
			"upper_channel": round4(maxOf(tail(highs, w))),
			"lower_channel": round4(minOf(tail(lows, w))),
		}
	}

	trs := trueRanges(highs, lows, prices)
	if w, ok := adapt(v.ATRWindow, len(trs), 1); ok {
		ind["atr"] = round4(mean(tail(trs, w)))
	}

	if w, ok := adapt(v.Window, len(trs), 1); ok {
		center := ema(tail(prices, w), w)
		atr := mean(tail(trs, w))
		ind["keltner_channels"] = envelope.Indicators{
			"ema":           round4(center),
			"upper_channel": round4(center + v.KeltnerFactor*atr),
			"lower_channel": round4(center - v.KeltnerFactor*atr),
		}
	}

	if w, ok := adapt(v.ChaikinWindow, n/2, 1); ok {
		spread := make([]float64, n)
		for i := range spread {
			spread[i] = highs[i] - lows[i]
		}
		smoothed := emaSeries(spread, w)
		ind["chaikin_volatility"] = round4(percentChange(smoothed[n-1-w], smoothed[n-1]))
	}
}
