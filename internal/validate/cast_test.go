package validate

import (
	"testing"
	"time"

	"ingest/internal/records"
)

// TestCastInt covers the strict int policy: parse failures on non-null
// values reject the row with the expected reason.
func TestCastInt(t *testing.T) {
	t.Parallel()

	c := &Caster{SourceName: "books", Schema: map[string]string{"year": "int"}}

	rows := []records.Record{
		{"year": "2020"},
		{"year": "not-a-year"},
		{"year": nil},
		{"year": 1987.0}, // integral float is acceptable
		{"year": "12.0"}, // JSON round-trip artifact
	}

	out, rejects := c.Cast(rows)

	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4", len(out))
	}
	if len(rejects) != 1 {
		t.Fatalf("len(rejects) = %d, want 1", len(rejects))
	}
	if got := rejects[0].Reason; got != "Failed to cast column 'year' to int" {
		t.Fatalf("Reason = %q", got)
	}
	if rejects[0].SourceName != "books" {
		t.Fatalf("SourceName = %q, want books", rejects[0].SourceName)
	}
	if got := rejects[0].RawPayload["year"]; got != "not-a-year" {
		t.Fatalf("RawPayload[year] = %v, want raw value", got)
	}

	if v, ok := out[0]["year"].(int64); !ok || v != 2020 {
		t.Fatalf("out[0][year] = %v (%T), want int64 2020", out[0]["year"], out[0]["year"])
	}
	if out[1]["year"] != nil {
		t.Fatalf("null cell must stay null, got %v", out[1]["year"])
	}
	if v, ok := out[2]["year"].(int64); !ok || v != 1987 {
		t.Fatalf("out[2][year] = %v (%T), want int64 1987", out[2]["year"], out[2]["year"])
	}
	if v, ok := out[3]["year"].(int64); !ok || v != 12 {
		t.Fatalf("out[3][year] = %v (%T), want int64 12", out[3]["year"], out[3]["year"])
	}
}

// TestCastIdempotent verifies that running Cast over already-typed data
// changes nothing and rejects nothing.
func TestCastIdempotent(t *testing.T) {
	t.Parallel()

	c := &Caster{
		SourceName: "s",
		Schema: map[string]string{
			"year": "int", "rating": "float", "title": "str",
			"seen": "bool", "added": "datetime",
		},
	}
	added := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	rows := []records.Record{{
		"year": int64(2020), "rating": 7.5, "title": "x", "seen": true, "added": added,
	}}

	out, rejects := c.Cast(rows)
	if len(rejects) != 0 {
		t.Fatalf("rejects = %v, want none", rejects)
	}
	got := out[0]
	if got["year"] != int64(2020) || got["rating"] != 7.5 || got["title"] != "x" ||
		got["seen"] != true || got["added"] != added {
		t.Fatalf("typed row changed: %v", got)
	}
}

// TestCastDatetimeLenientVsStrict covers the datetime asymmetry: lenient
// mode nulls unparsable values and reports them through Observe; strict mode
// rejects like int/float.
func TestCastDatetimeLenientVsStrict(t *testing.T) {
	t.Parallel()

	var observed []string
	lenient := &Caster{
		SourceName: "s",
		Schema:     map[string]string{"added": "datetime"},
		Observe:    func(col string, raw any) { observed = append(observed, col) },
	}

	out, rejects := lenient.Cast([]records.Record{
		{"added": "2021-03-04"},
		{"added": "2021-03-04 10:20:30"},
		{"added": "whenever"},
	})
	if len(rejects) != 0 {
		t.Fatalf("lenient rejects = %v, want none", rejects)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if _, ok := out[0]["added"].(time.Time); !ok {
		t.Fatalf("out[0][added] = %T, want time.Time", out[0]["added"])
	}
	if out[2]["added"] != nil {
		t.Fatalf("unparsable date must become null, got %v", out[2]["added"])
	}
	if len(observed) != 1 || observed[0] != "added" {
		t.Fatalf("observed = %v, want one call for added", observed)
	}

	strict := &Caster{
		SourceName:  "s",
		Schema:      map[string]string{"added": "datetime"},
		StrictDates: true,
	}
	out, rejects = strict.Cast([]records.Record{{"added": "whenever"}})
	if len(out) != 0 || len(rejects) != 1 {
		t.Fatalf("strict: out=%d rejects=%d, want 0/1", len(out), len(rejects))
	}
	if got := rejects[0].Reason; got != "Failed to cast column 'added' to datetime" {
		t.Fatalf("Reason = %q", got)
	}
}

// TestCastBoolBestEffort: unrecognized bool forms are nulled and observed,
// never rejected.
func TestCastBoolBestEffort(t *testing.T) {
	t.Parallel()

	var observed int
	c := &Caster{
		SourceName: "s",
		Schema:     map[string]string{"seen": "bool"},
		Observe:    func(col string, raw any) { observed++ },
	}

	out, rejects := c.Cast([]records.Record{
		{"seen": "yes"},
		{"seen": "F"},
		{"seen": int64(1)},
		{"seen": "maybe"},
	})
	if len(rejects) != 0 {
		t.Fatalf("rejects = %v, want none", rejects)
	}
	if out[0]["seen"] != true || out[1]["seen"] != false || out[2]["seen"] != true {
		t.Fatalf("coercions wrong: %v %v %v", out[0]["seen"], out[1]["seen"], out[2]["seen"])
	}
	if out[3]["seen"] != nil {
		t.Fatalf("unrecognized bool must be nulled, got %v", out[3]["seen"])
	}
	if observed != 1 {
		t.Fatalf("observed = %d, want 1", observed)
	}
}

// TestCastMultiColumnFailure: a row failing two columns yields two rejects
// and is excluded from the output exactly once, in deterministic column
// order.
func TestCastMultiColumnFailure(t *testing.T) {
	t.Parallel()

	c := &Caster{
		SourceName: "s",
		Schema:     map[string]string{"year": "int", "rating": "float"},
	}

	out, rejects := c.Cast([]records.Record{
		{"year": "bogus", "rating": "alsobogus"},
	})
	if len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0", len(out))
	}
	if len(rejects) != 2 {
		t.Fatalf("len(rejects) = %d, want 2", len(rejects))
	}
	// Columns are processed in sorted order: rating before year.
	if rejects[0].Reason != "Failed to cast column 'rating' to float" {
		t.Fatalf("rejects[0].Reason = %q", rejects[0].Reason)
	}
	if rejects[1].Reason != "Failed to cast column 'year' to int" {
		t.Fatalf("rejects[1].Reason = %q", rejects[1].Reason)
	}
}

// TestCastAbsentAndExtraColumns: absent schema columns are skipped, columns
// outside the schema pass through untouched.
func TestCastAbsentAndExtraColumns(t *testing.T) {
	t.Parallel()

	c := &Caster{SourceName: "s", Schema: map[string]string{"year": "int"}}
	out, rejects := c.Cast([]records.Record{{"other": "stuff"}})
	if len(rejects) != 0 || len(out) != 1 {
		t.Fatalf("out=%d rejects=%d, want 1/0", len(out), len(rejects))
	}
	if out[0]["other"] != "stuff" {
		t.Fatalf("non-schema column changed: %v", out[0]["other"])
	}
}

// TestCastStr verifies stringification of typed values.
func TestCastStr(t *testing.T) {
	t.Parallel()

	c := &Caster{SourceName: "s", Schema: map[string]string{"title": "str"}}
	out, rejects := c.Cast([]records.Record{
		{"title": 42},
		{"title": "already"},
	})
	if len(rejects) != 0 {
		t.Fatalf("rejects = %v, want none", rejects)
	}
	if out[0]["title"] != "42" || out[1]["title"] != "already" {
		t.Fatalf("str cast wrong: %v / %v", out[0]["title"], out[1]["title"])
	}
}
