package common

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// HasAny returns true if s contains any of the substrings.
func HasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// maxUnixSeconds bounds accepted numeric timestamps (year 3000).
const maxUnixSeconds = 32503680000

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts ISO-8601 strings, with or without an offset, and unix
// seconds given as numbers or numeric strings. Values without an offset are
// read as UTC.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f)
		}
		return time.Time{}, false
	default:
		f, ok := ParseNumber(v)
		if !ok {
			return time.Time{}, false
		}
		return fromUnix(f)
	}
}

func fromUnix(sec float64) (time.Time, bool) {
	if sec < 0 || sec > maxUnixSeconds {
		return time.Time{}, false
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

// ParseNumber converts JSON-decoded numeric values and numeric strings to a
// finite float64. Booleans and other types are rejected.
func ParseNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
