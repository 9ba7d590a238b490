package strategy

import (
	"context"
	"time"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
)

const MomentumName = "momentum"

// Momentum computes trend indicators over the close series. Every window
// shrinks to the number of samples available.
type Momentum struct {
	SMAWindow int
	EMASpan   int
	ROCWindow int
	RSIPeriod int

	Clock func() time.Time
}

func NewMomentum() *Momentum {
	return &Momentum{SMAWindow: 20, EMASpan: 12, ROCWindow: 10, RSIPeriod: 14}
}

func (m *Momentum) Name() string { return MomentumName }

func (m *Momentum) Process(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Result{}, err
	}

	prices := closes(rec)
	if len(prices) == 0 {
		return envelope.Result{}, errspkg.NewProcessingError(MomentumName, errNoPrices)
	}

	res := newResult(rec, MomentumName, clock(m.Clock).now())
	ind := res.Indicators
	n := len(prices)

	ind["last"] = round4(prices[n-1])
	ind["samples"] = float64(n)

	if w, ok := adapt(m.SMAWindow, n, 1); ok {
		ind["sma"] = round4(mean(tail(prices, w)))
	}
	if w, ok := adapt(m.EMASpan, n, 1); ok {
		ind["ema"] = round4(ema(tail(prices, w), w))
	}
	if w, ok := adapt(m.ROCWindow, n-1, 1); ok {
		ind["roc"] = round4(percentChange(prices[n-1-w], prices[n-1]))
	}
	if p, ok := adapt(m.RSIPeriod, n-1, 1); ok {
		ind["rsi"] = round4(rsi(prices, p))
	}

	switch vwap, consistent := m.vwap(rec, prices); {
	case !consistent:
		res.Status = envelope.StatusPartial
	case vwap != nil:
		ind["vwap"] = *vwap
	}

	return res, nil
}

// vwap reports false when the volume series does not line up with prices.
func (m *Momentum) vwap(rec envelope.Record, prices []float64) (*float64, bool) {
	volumes := rec.Series(envelope.SeriesVolume)
	if len(volumes) == 0 {
		if _, ok := rec.Scalar(envelope.FieldVolume); !ok {
			return nil, true
		}
		last := round4(prices[len(prices)-1])
		return &last, true
	}
	if len(volumes) != len(prices) {
		return nil, false
	}

	var pv, vol float64
	for i := range prices {
		pv += prices[i] * volumes[i]
		vol += volumes[i]
	}
	if vol == 0 {
		return nil, true
	}
	v := round4(pv / vol)
	return &v, true
}
