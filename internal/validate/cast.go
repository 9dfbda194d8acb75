package validate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"ingest/internal/records"
)

// Type tags accepted in a source schema.
const (
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeStr      = "str"
	TypeBool     = "bool"
	TypeDatetime = "datetime"
)

// Reject captures a row removed from the pipeline, with enough context for
// audit: the source it came from, a snapshot of the row at the moment of
// rejection, and the reason. Immutable once created.
type Reject struct {
	SourceName string
	RawPayload records.Record
	Reason     string
}

// defaultDateLayouts are tried in order when casting datetime columns.
var defaultDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// truthy/falsy forms recognized when casting bool columns (lowercased).
var (
	truthy = map[string]struct{}{"1": {}, "t": {}, "true": {}, "yes": {}, "y": {}}
	falsy  = map[string]struct{}{"0": {}, "f": {}, "false": {}, "no": {}, "n": {}}
)

// Caster converts raw string-typed cells into the schema-declared types with
// per-row failure isolation.
//
// Policy per type tag:
//
//   - int, float: a non-null value that fails to parse rejects the row.
//   - datetime:   unparsable values become null (lenient), unless StrictDates
//     flips datetime to the int/float policy.
//   - str, bool:  best-effort; a bool that matches neither the truthy nor the
//     falsy set is nulled and reported through Observe, never rejected.
//
// The int/float vs datetime asymmetry is deliberate: timestamps are routinely
// partial or malformed upstream, numeric garbage usually signals a broken
// record.
type Caster struct {
	SourceName  string
	Schema      map[string]string
	StrictDates bool
	DateLayouts []string // optional; defaults to defaultDateLayouts

	// Observe is called for best-effort coercions that lose a value (bool or
	// lenient datetime). Optional; used to keep silent data loss visible.
	Observe func(col string, raw any)
}

// Cast converts every schema column present in each row. Rows that fail one
// or more strict casts are excluded from the output and produce one Reject
// per failing column. Casting already-typed data is a no-op, so Cast is
// idempotent.
func (c *Caster) Cast(rows []records.Record) ([]records.Record, []Reject) {
	cols := make([]string, 0, len(c.Schema))
	for col := range c.Schema {
		cols = append(cols, col)
	}
	sort.Strings(cols) // deterministic reject ordering for multi-column failures

	out := make([]records.Record, 0, len(rows))
	var rejects []Reject

	for _, row := range rows {
		ok := true
		for _, col := range cols {
			raw, exists := row[col]
			if !exists || records.IsNull(raw) {
				continue
			}
			v, err := c.castCell(col, c.Schema[col], raw)
			if err != nil {
				rejects = append(rejects, Reject{
					SourceName: c.SourceName,
					RawPayload: row.Clone(),
					Reason:     err.Error(),
				})
				ok = false
				continue // keep checking remaining columns; one reject each
			}
			row[col] = v
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, rejects
}

// castCell converts a single non-null cell. A returned error means the row
// must be rejected; lenient conversions return (nil, nil) for the cell.
func (c *Caster) castCell(col, typ string, raw any) (any, error) {
	switch typ {
	case TypeInt:
		if v, ok := toInt(raw); ok {
			return v, nil
		}
		return nil, fmt.Errorf("Failed to cast column '%s' to int", col)

	case TypeFloat:
		if v, ok := toFloat(raw); ok {
			return v, nil
		}
		return nil, fmt.Errorf("Failed to cast column '%s' to float", col)

	case TypeDatetime:
		if v, ok := c.toTime(raw); ok {
			return v, nil
		}
		if c.StrictDates {
			return nil, fmt.Errorf("Failed to cast column '%s' to datetime", col)
		}
		c.observe(col, raw)
		return nil, nil

	case TypeBool:
		if v, ok := toBool(raw); ok {
			return v, nil
		}
		c.observe(col, raw)
		return nil, nil

	case TypeStr:
		return records.String(raw), nil
	}
	// Unmapped type tag: leave the cell untouched but make it observable
	// rather than silently ignoring it.
	c.observe(col, raw)
	return raw, nil
}

func (c *Caster) observe(col string, raw any) {
	if c.Observe != nil {
		c.Observe(col, raw)
	}
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int64(t), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		// JSON round-trips sometimes render integers as "12.0".
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil && !math.IsNaN(f) {
			return f, true
		}
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if _, ok := truthy[s]; ok {
			return true, true
		}
		if _, ok := falsy[s]; ok {
			return false, true
		}
	case int, int32, int64:
		n, _ := toInt(t)
		if n == 0 || n == 1 {
			return n == 1, true
		}
	}
	return false, false
}

func (c *Caster) toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		layouts := c.DateLayouts
		if len(layouts) == 0 {
			layouts = defaultDateLayouts
		}
		s := strings.TrimSpace(t)
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
