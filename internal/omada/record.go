package omada

import (
	"encoding/json"
	"math"
	"strconv"
)

// Record is a read-only view over one raw JSON object from a listing
// plus the detail fields merged in by a secondary fetch. Lookups check
// details first. The maps are never mutated after construction, so a
// Record can be handed to any reader without copying.
type Record struct {
	raw     map[string]any
	details map[string]any
}

// NewRecord wraps raw and details. Either may be nil.
func NewRecord(raw, details map[string]any) Record {
	return Record{raw: raw, details: details}
}

// Raw returns the listing payload. Callers must not modify it.
func (r Record) Raw() map[string]any { return r.raw }

// Details returns the merged detail payload, nil if never fetched.
// Callers must not modify it.
func (r Record) Details() map[string]any { return r.details }

// HasDetails reports whether a detail fetch has been merged.
func (r Record) HasDetails() bool { return r.details != nil }

// Lookup returns the value for key from details, then raw.
func (r Record) Lookup(key string) (any, bool) {
	if v, ok := r.details[key]; ok && v != nil {
		return v, true
	}
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has reports whether key is present and non-null.
func (r Record) Has(key string) bool {
	_, ok := r.Lookup(key)
	return ok
}

// String returns the value for key as a string, or "".
func (r Record) String(key string) string {
	v, ok := r.Lookup(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// Int returns the value for key as an int64, or def when the key is
// missing or not numeric.
func (r Record) Int(key string, def int64) int64 {
	if n, ok := r.OptInt(key); ok {
		return n
	}
	return def
}

// OptInt returns the value for key and whether it was present and
// numeric. Use it where "never reported" must differ from zero.
func (r Record) OptInt(key string) (int64, bool) {
	v, ok := r.Lookup(key)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Float returns the value for key as a float64, or def.
func (r Record) Float(key string, def float64) float64 {
	v, ok := r.Lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return def
}

// Bool returns the value for key as a bool, or false.
func (r Record) Bool(key string) bool {
	v, ok := r.Lookup(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		n, err := t.Int64()
		return err == nil && n != 0
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// Object returns the nested object under key as a Record, and whether
// it was present.
func (r Record) Object(key string) (Record, bool) {
	v, ok := r.Lookup(key)
	if !ok {
		return Record{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Record{}, false
	}
	return Record{raw: m}, true
}

// List returns the nested array of objects under key.
func (r Record) List(key string) []map[string]any {
	v, ok := r.Lookup(key)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// MarshalJSON renders the merged view, details overriding raw.
func (r Record) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(r.raw)+len(r.details))
	for k, v := range r.raw {
		merged[k] = v
	}
	for k, v := range r.details {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// lookupTable returns table[index] or "unknown" when the controller
// reports an index the table does not cover.
func lookupTable(table []string, index int64) string {
	if index < 0 || index >= int64(len(table)) {
		return "unknown"
	}
	return table[index]
}
