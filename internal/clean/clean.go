// Package clean standardizes raw records before validation: list flattening,
// schema-column filtering, string trimming and unicode normalization, null
// spelling normalization, and primary-key de-duplication.
package clean

import (
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"ingest/internal/records"
)

// nullSpellings are string forms treated as absent values. Comparison is
// exact (post-trim), matching how upstream feeds spell their nulls.
var nullSpellings = map[string]struct{}{
	"":     {},
	"nan":  {},
	"NaN":  {},
	"None": {},
	"none": {},
	"null": {},
	"NULL": {},
	"N/A":  {},
	"n/a":  {},
	"NA":   {},
}

// Clean applies every cleaning step in order and returns the surviving rows.
// The input slice is reused; callers must not retain it.
func Clean(rows []records.Record, schema map[string]string, keys []string) []records.Record {
	for _, row := range rows {
		flattenLists(row)
		filterColumns(row, schema)
		normalizeStrings(row)
	}
	return dedupe(rows, keys)
}

// flattenLists joins list-valued cells (JSON arrays) into comma-separated
// strings. Scalar cells pass through untouched.
func flattenLists(row records.Record) {
	for col, v := range row {
		items, ok := v.([]any)
		if !ok {
			continue
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, records.String(it))
		}
		row[col] = strings.Join(parts, ", ")
	}
}

// filterColumns drops every column not declared in the schema.
func filterColumns(row records.Record, schema map[string]string) {
	for col := range row {
		if _, ok := schema[col]; !ok {
			delete(row, col)
		}
	}
}

// normalizeStrings trims whitespace, applies NFC normalization, and maps
// known null spellings to nil.
func normalizeStrings(row records.Record) {
	for col, v := range row {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(norm.NFC.String(s))
		if _, isNull := nullSpellings[s]; isNull {
			row[col] = nil
			continue
		}
		row[col] = s
	}
}

// dedupe collapses rows sharing the same primary-key tuple, keeping the last
// occurrence. Rows with a missing or null key column cannot be keyed and pass
// through; the required-key stage rejects them later with a proper reason.
func dedupe(rows []records.Record, keys []string) []records.Record {
	if len(keys) == 0 || len(rows) == 0 {
		return rows
	}

	winner := make(map[uint64]int, len(rows)) // key hash -> index of last occurrence
	for i, row := range rows {
		h, ok := keyHash(row, keys)
		if !ok {
			continue
		}
		winner[h] = i
	}

	out := rows[:0]
	for i, row := range rows {
		h, ok := keyHash(row, keys)
		if ok && winner[h] != i {
			continue
		}
		out = append(out, row)
	}
	return out
}

// keyHash hashes the key tuple with a field separator so ("a","bc") and
// ("ab","c") stay distinct. Returns false when any key cell is absent.
func keyHash(row records.Record, keys []string) (uint64, bool) {
	var b strings.Builder
	for _, k := range keys {
		v, ok := row[k]
		if !ok || records.IsNull(v) {
			return 0, false
		}
		b.WriteString(records.String(v))
		b.WriteByte('\x1f')
	}
	return xxh3.HashString(b.String()), true
}
