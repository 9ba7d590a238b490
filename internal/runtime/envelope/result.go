package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/drblury/marketflow/internal/runtime/ids"
	"github.com/drblury/marketflow/internal/runtime/jsoncodec"
)

// Status tells consumers whether a result is complete.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Indicators maps an indicator name to a float64, nil, or a nested
// Indicators/map[string]any of the same shape.
type Indicators map[string]any

// Result is one processor's output for one record.
type Result struct {
	SourceRecordID string
	Symbol         string
	Strategy       string
	ComputedAt     time.Time
	Indicators     Indicators
	Status         Status
}

// wireResult fixes the field order of encoded results; keys are alphabetical.
type wireResult struct {
	ComputedAt     string         `json:"computed_at"`
	Indicators     map[string]any `json:"indicators"`
	SourceRecordID string         `json:"source_record_id"`
	Status         Status         `json:"status"`
	Strategy       string         `json:"strategy"`
	Symbol         string         `json:"symbol"`
}

// Encode renders r as compact JSON with sorted keys. Non-finite numbers become
// null. It never fails for results built from the documented value types.
func (c *Codec) Encode(r Result) ([]byte, error) {
	return EncodeResult(r)
}

// EncodeResult is Encode without a Codec.
func EncodeResult(r Result) ([]byte, error) {
	status := r.Status
	if status == "" {
		status = StatusOK
	}
	w := wireResult{
		ComputedAt:     FormatTimestamp(r.ComputedAt),
		Indicators:     sanitize(r.Indicators),
		SourceRecordID: r.SourceRecordID,
		Status:         status,
		Strategy:       r.Strategy,
		Symbol:         r.Symbol,
	}
	out, err := jsoncodec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode result %s/%s: %w", r.Strategy, r.SourceRecordID, err)
	}
	return out, nil
}

// DecodeResult parses bytes produced by Encode.
func (c *Codec) DecodeResult(data []byte) (Result, error) {
	return DecodeResult(data)
}

// DecodeResult is the package-level form of Codec.DecodeResult.
func DecodeResult(data []byte) (Result, error) {
	var w wireResult
	if err := jsoncodec.UnmarshalUseNumber(data, &w); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	if !w.Status.Valid() {
		return Result{}, fmt.Errorf("decode result: unknown status %q", w.Status)
	}

	r := Result{
		SourceRecordID: w.SourceRecordID,
		Symbol:         w.Symbol,
		Strategy:       w.Strategy,
		Status:         w.Status,
		Indicators:     Indicators(normalize(w.Indicators)),
	}
	if w.ComputedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.ComputedAt)
		if err != nil {
			return Result{}, fmt.Errorf("decode result: computed_at: %w", err)
		}
		r.ComputedAt = ts.UTC()
	}
	return r, nil
}

// IdempotencyKey identifies a result by content. Retries of the same record
// produce the same key; computed_at is left out for that reason.
func IdempotencyKey(r Result) string {
	indicators, err := jsoncodec.Marshal(sanitize(r.Indicators))
	if err != nil {
		indicators = []byte(fmt.Sprint(r.Indicators))
	}
	return ids.ContentKey(
		[]byte(r.Symbol),
		[]byte(r.Strategy),
		[]byte(r.SourceRecordID),
		[]byte(r.Status),
		indicators,
	)
}

// sanitize copies in into JSON-safe values. Maps are copied, non-finite
// floats become nil.
func sanitize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		return sanitizeValue(float64(x))
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case Indicators:
		return sanitize(x)
	case map[string]any:
		return sanitize(x)
	case map[string]float64:
		out := make(map[string]any, len(x))
		for k, f := range x {
			out[k] = sanitizeValue(f)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = sanitizeValue(f)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// normalize turns decoded json.Number values back into float64 and nested
// objects into Indicators.
func normalize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		return f
	case map[string]any:
		return Indicators(normalize(x))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
