package normalization

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// timestampLayouts are tried in order when a timestamp arrives as a string.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Bounds of the int range as float64. maxInt is 2^63, which itself
// overflows, so it is an exclusive bound.
const (
	minInt = float64(math.MinInt64)
	maxInt = -float64(math.MinInt64)
)

func safeString(v any) string {
	s, _ := v.(string)
	return s
}

// safeNumber accepts native numbers and integer-prefixed strings. Anything
// else, including NaN, infinities and floats outside the int range, yields
// nil.
func safeNumber(v any) *int {
	var f float64
	switch n := v.(type) {
	case int:
		return &n
	case int32:
		i := int(n)
		return &i
	case int64:
		i := int(n)
		return &i
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			out := int(i)
			return &out
		}
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		return telemetry.LeadingInt(n)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < minInt || f >= maxInt {
		return nil
	}
	i := int(f)
	return &i
}

// safeTimestamp parses v into a UTC instant, falling back to now.
func safeTimestamp(v any, now time.Time) time.Time {
	switch t := v.(type) {
	case time.Time:
		if !t.IsZero() {
			return t.UTC()
		}
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return time.UnixMilli(int64(t)).UTC()
		}
	case int64:
		return time.UnixMilli(t).UTC()
	case int:
		return time.UnixMilli(int64(t)).UTC()
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return now.UTC()
}

// safeTags keeps the string members of an array payload.
func safeTags(v any) []string {
	tags := []string{}
	switch list := v.(type) {
	case []string:
		tags = append(tags, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

// lookup walks nested maps along path.
func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[key]
	}
	return cur
}

func firstString(values ...any) string {
	for _, v := range values {
		if s := safeString(v); s != "" {
			return s
		}
	}
	return ""
}
