// Package records defines the dynamic row type that flows through the
// pipeline, plus small helpers shared by the cleaning, validation, and
// storage layers.
//
// A Record is a mapping from column name to a dynamically typed value. After
// the cast stage a cell holds one of: nil, string, int64, float64, bool, or
// time.Time. Before casting, values are whatever the source produced
// (typically strings).
package records

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Record is a single row keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of the record. Cell values are immutable
// scalars, so a shallow copy is a full snapshot.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsNull reports whether v represents an absent value: nil, an empty string,
// or a non-finite float.
func IsNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return math.IsNaN(t) || math.IsInf(t, 0)
	}
	return false
}

// String converts common cell types to their string form without the
// overhead of fmt.Sprint; it falls back to fmt.Sprint for uncommon types.
// nil converts to "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// Float converts a numeric cell to float64. It accepts the typed forms
// produced by the cast stage as well as raw numeric strings.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
