package strategy

import (
	"time"

	"github.com/drblury/marketflow/internal/runtime/envelope"
)

// Builtins returns the processors shipped with marketflow, in their default
// registration order.
func Builtins() []Processor {
	return []Processor{NewMomentum(), NewVolatility()}
}

// RegisterBuiltins registers Builtins on r.
func RegisterBuiltins(r *Registry) error {
	descriptions := map[string]string{
		MomentumName:   "last price, moving averages, rate of change, RSI and VWAP",
		VolatilityName: "deviation, bands and channels over closes and high/low ranges",
	}
	for _, p := range Builtins() {
		if err := r.Register(p, WithDescription(descriptions[p.Name()])); err != nil {
			return err
		}
	}
	return nil
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// closes returns the close series, or the single last price when no series
// was supplied.
func closes(rec envelope.Record) []float64 {
	if series := rec.Series(envelope.SeriesClose); len(series) > 0 {
		return series
	}
	if last, ok := rec.LastPrice(); ok {
		return []float64{last}
	}
	return nil
}

func newResult(rec envelope.Record, name string, now time.Time) envelope.Result {
	return envelope.Result{
		SourceRecordID: rec.ID,
		Symbol:         rec.Symbol,
		Strategy:       name,
		ComputedAt:     now,
		Indicators:     envelope.Indicators{},
		Status:         envelope.StatusOK,
	}
}
