// Package envelope converts between broker payloads and the typed records and
// results the processors work with.
package envelope

import (
	"maps"
	"slices"
	"time"

	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

// Scalar field names accepted on inbound payloads.
const (
	FieldPrice  = "price"
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// Series field names accepted on inbound payloads.
const (
	SeriesClose  = "close_prices"
	SeriesHigh   = "highs"
	SeriesLow    = "lows"
	SeriesVolume = "volumes"
)

// FieldData may carry the scalar and series fields as a nested object.
const FieldData = "data"

var (
	scalarFields = []string{FieldPrice, FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}
	seriesFields = []string{SeriesClose, SeriesHigh, SeriesLow, SeriesVolume}
)

// InboundMessage is one delivery as handed over by the queue adapter.
type InboundMessage struct {
	ID         string
	Payload    []byte
	Metadata   metadatapkg.Metadata
	ReceivedAt time.Time
	Attempt    int
}

// Record is a validated inbound payload. Its maps are private; accessors hand
// out copies so a Record can be shared between processors.
type Record struct {
	ID         string
	Symbol     string
	Timestamp  time.Time
	Strategy   string
	ReceivedAt time.Time
	Attempt    int

	scalars map[string]float64
	series  map[string][]float64
	extra   map[string]any
}

// NewRecord builds a Record from already validated values. The maps are copied.
func NewRecord(id, symbol string, ts time.Time, scalars map[string]float64, series map[string][]float64) Record {
	r := Record{
		ID:        id,
		Symbol:    symbol,
		Timestamp: ts,
		Attempt:   1,
		scalars:   maps.Clone(scalars),
		series:    make(map[string][]float64, len(series)),
	}
	for k, v := range series {
		r.series[k] = slices.Clone(v)
	}
	return r
}

// Scalar returns a scalar field and whether it was present.
func (r Record) Scalar(name string) (float64, bool) {
	v, ok := r.scalars[name]
	return v, ok
}

// Series returns a copy of a series field, or nil.
func (r Record) Series(name string) []float64 {
	return slices.Clone(r.series[name])
}

// SeriesLen returns the length of a series without copying it.
func (r Record) SeriesLen(name string) int {
	return len(r.series[name])
}

// Extra returns a shallow copy of the fields the codec did not recognise.
func (r Record) Extra() map[string]any {
	return maps.Clone(r.extra)
}

// LastPrice returns price, close, or the last close_prices entry, in that order.
func (r Record) LastPrice() (float64, bool) {
	if v, ok := r.scalars[FieldPrice]; ok {
		return v, true
	}
	if v, ok := r.scalars[FieldClose]; ok {
		return v, true
	}
	if s := r.series[SeriesClose]; len(s) > 0 {
		return s[len(s)-1], true
	}
	return 0, false
}

// WithStrategy returns a copy of r naming strategy.
func (r Record) WithStrategy(strategy string) Record {
	r.Strategy = strategy
	return r
}
