package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// record is a decoded JSON object with case-insensitive key lookup and loose
// coercion. Every getter reports absence (nil / ok=false) rather than a zero
// value when the key is missing or its value cannot be coerced.
type record map[string]any

func decodeRecord(data []byte) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return lower(m), nil
}

func lower(m map[string]any) record {
	r := make(record, len(m))
	for k, v := range m {
		r[strings.ToLower(k)] = v
	}
	return r
}

// raw returns the first present, non-null value among keys.
func (r record) raw(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[strings.ToLower(k)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r record) has(keys ...string) bool {
	_, ok := r.raw(keys...)
	return ok
}

func (r record) object(keys ...string) (record, bool) {
	v, ok := r.raw(keys...)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lower(m), true
}

func (r record) list(keys ...string) ([]record, bool) {
	v, ok := r.raw(keys...)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]record, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, lower(m))
		}
	}
	return out, true
}

func (r record) str(keys ...string) string {
	v, ok := r.raw(keys...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func (r record) floatOf(keys ...string) *float64 {
	v, ok := r.raw(keys...)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func (r record) intOf(keys ...string) *int {
	f := r.floatOf(keys...)
	if f == nil {
		return nil
	}
	n := int(math.Round(*f))
	return &n
}

func (r record) int64Of(keys ...string) *int64 {
	f := r.floatOf(keys...)
	if f == nil {
		return nil
	}
	n := int64(math.Round(*f))
	return &n
}

func (r record) boolOf(keys ...string) *bool {
	v, ok := r.raw(keys...)
	if !ok {
		return nil
	}
	b, ok := toBool(v)
	if !ok {
		return nil
	}
	return &b
}

// millis reads a timestamp as epoch milliseconds. Strings are parsed as
// RFC 3339; numbers below 1e12 are taken as epoch seconds, larger ones as
// epoch milliseconds.
func (r record) millis(keys ...string) *int64 {
	v, ok := r.raw(keys...)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ms := t.UnixMilli()
			return &ms
		}
		// Local timestamps without an offset are read as UTC.
		if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
			ms := t.UnixMilli()
			return &ms
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			ms := epochToMillis(f)
			return &ms
		}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			ms := epochToMillis(f)
			return &ms
		}
	}
	return nil
}

func epochToMillis(f float64) int64 {
	if math.Abs(f) < 1e12 {
		return int64(math.Round(f * 1000))
	}
	return int64(math.Round(f))
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = x
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	// The tool reports unavailable sensors as NaN.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
	case json.Number:
		switch x.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}
	return false, false
}
