package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

// DefaultSkewTolerance bounds how far in the future a timestamp may lie.
const DefaultSkewTolerance = 5 * time.Minute

// Codec decodes inbound payloads and encodes results. The zero value is
// usable and reads the wall clock.
type Codec struct {
	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
	// SkewTolerance is how far in the future a timestamp may be. Zero means
	// DefaultSkewTolerance.
	SkewTolerance time.Duration
}

// NewCodec returns a Codec with the given skew tolerance.
func NewCodec(skew time.Duration) *Codec {
	return &Codec{SkewTolerance: skew}
}

func (c *Codec) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Codec) skew() time.Duration {
	if c == nil || c.SkewTolerance <= 0 {
		return DefaultSkewTolerance
	}
	return c.SkewTolerance
}

// Decode parses and validates msg. Every failure is a *errors.SchemaError.
func (c *Codec) Decode(msg InboundMessage) (Record, error) {
	fields, err := decodeFields(msg.Payload, msg.Metadata)
	if err != nil {
		return Record{}, err
	}
	liftDataFields(fields)

	rec := Record{
		ID:         msg.ID,
		ReceivedAt: msg.ReceivedAt,
		Attempt:    max(msg.Attempt, 1),
		scalars:    make(map[string]float64),
		series:     make(map[string][]float64),
		extra:      make(map[string]any),
	}

	if rec.Symbol, err = decodeSymbol(fields); err != nil {
		return Record{}, err
	}
	if rec.Timestamp, err = c.decodeTimestamp(fields); err != nil {
		return Record{}, err
	}
	if rec.Strategy, err = decodeStrategy(fields); err != nil {
		return Record{}, err
	}

	for _, name := range scalarFields {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		v, err := toFloat(name, raw)
		if err != nil {
			return Record{}, err
		}
		rec.scalars[name] = v
	}

	for _, name := range seriesFields {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		values, err := toSeries(name, raw)
		if err != nil {
			return Record{}, err
		}
		rec.series[name] = values
	}

	if _, ok := rec.LastPrice(); !ok {
		return Record{}, errspkg.NewSchemaError(FieldPrice, "one of price, close or close_prices is required", nil)
	}

	for k, v := range fields {
		if isKnownField(k) {
			continue
		}
		rec.extra[k] = v
	}

	return rec, nil
}

func isKnownField(name string) bool {
	switch name {
	case "symbol", "timestamp", "strategy":
		return true
	}
	return slices.Contains(scalarFields, name) || slices.Contains(seriesFields, name)
}

// liftDataFields moves price and series fields nested under "data" to the top
// level. Top level values win. Whatever else "data" holds stays there as an
// extra field.
func liftDataFields(fields map[string]any) {
	data, ok := fields[FieldData].(map[string]any)
	if !ok {
		return
	}
	rest := make(map[string]any, len(data))
	for k, v := range data {
		if !slices.Contains(scalarFields, k) && !slices.Contains(seriesFields, k) {
			rest[k] = v
			continue
		}
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	if len(rest) == 0 {
		delete(fields, FieldData)
		return
	}
	fields[FieldData] = rest
}

func decodeFields(payload []byte, md metadatapkg.Metadata) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, errspkg.NewSchemaError("", "empty payload", nil)
	}

	if md[metadatapkg.KeyContentType] == metadatapkg.ContentTypeProtobuf {
		var st structpb.Struct
		if err := proto.Unmarshal(payload, &st); err != nil {
			return nil, errspkg.NewSchemaError("", "invalid protobuf Struct", err)
		}
		return st.AsMap(), nil
	}

	var fields map[string]any
	if err := jsoncodec.UnmarshalUseNumber(payload, &fields); err != nil {
		return nil, errspkg.NewSchemaError("", "invalid JSON", err)
	}
	if fields == nil {
		return nil, errspkg.NewSchemaError("", "payload must be a JSON object", nil)
	}
	return fields, nil
}

func decodeSymbol(fields map[string]any) (string, error) {
	raw, ok := fields["symbol"]
	if !ok || raw == nil {
		return "", errspkg.NewSchemaError("symbol", "required", nil)
	}
	s, ok := raw.(string)
	if !ok {
		return "", errspkg.NewSchemaError("symbol", fmt.Sprintf("must be a string, got %T", raw), nil)
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", errspkg.NewSchemaError("symbol", "must not be empty", nil)
	}
	return s, nil
}

func (c *Codec) decodeTimestamp(fields map[string]any) (time.Time, error) {
	raw, ok := fields["timestamp"]
	if !ok || raw == nil {
		return time.Time{}, errspkg.NewSchemaError("timestamp", "required", nil)
	}

	var (
		ts  time.Time
		err error
	)
	switch v := raw.(type) {
	case string:
		ts, err = ParseTimestamp(v)
	case json.Number:
		var f float64
		if f, err = v.Float64(); err == nil {
			ts, err = FromEpoch(f)
		}
	case float64:
		ts, err = FromEpoch(v)
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return time.Time{}, errspkg.NewSchemaError("timestamp", "unparseable", err)
	}

	if limit := c.now().Add(c.skew()); ts.After(limit) {
		return time.Time{}, errspkg.NewSchemaError("timestamp",
			fmt.Sprintf("%s is more than %s in the future", FormatTimestamp(ts), c.skew()), nil)
	}
	return ts, nil
}

func decodeStrategy(fields map[string]any) (string, error) {
	raw, ok := fields["strategy"]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", errspkg.NewSchemaError("strategy", fmt.Sprintf("must be a string, got %T", raw), nil)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", errspkg.NewSchemaError("strategy", "must not be empty when present", nil)
	}
	return s, nil
}

func toFloat(field string, raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, errspkg.NewSchemaError(field, "not a number", err)
		}
		f = parsed
	case float64:
		f = v
	default:
		return 0, errspkg.NewSchemaError(field, fmt.Sprintf("must be numeric, got %T", raw), nil)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errspkg.NewSchemaError(field, "must be finite", nil)
	}
	if f < 0 {
		return 0, errspkg.NewSchemaError(field, "must not be negative", nil)
	}
	return f, nil
}

func toSeries(field string, raw any) ([]float64, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, errspkg.NewSchemaError(field, fmt.Sprintf("must be an array of numbers, got %T", raw), nil)
	}
	out := make([]float64, len(items))
	for i, item := range items {
		v, err := toFloat(fmt.Sprintf("%s[%d]", field, i), item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
