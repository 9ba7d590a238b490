package envelope

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Epoch values above this are read as milliseconds. 1e11 seconds is in the
// year 5138, 1e11 milliseconds is early 1973.
const epochMillisThreshold = 1e11

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var errTimestampFormat = errors.New("expected ISO-8601 string or epoch seconds/milliseconds")

// ParseTimestamp accepts ISO-8601 strings (zone-less values are UTC) and epoch
// seconds or milliseconds, given as a number or a numeric string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errTimestampFormat
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromEpoch(f)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errTimestampFormat
}

// FromEpoch converts epoch seconds or milliseconds to a UTC time.
func FromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, errors.New("epoch must be a positive finite number")
	}
	if f >= epochMillisThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}

// FormatTimestamp renders t the way encoded results carry it.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
