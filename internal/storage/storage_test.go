package storage

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

// TestNewTableSpec: key columns come first, remaining columns sorted, so
// generated SQL is stable across runs.
func TestNewTableSpec(t *testing.T) {
	t.Parallel()

	schema := map[string]string{
		"title": "str", "id": "int", "region": "str", "year": "int",
	}
	spec := NewTableSpec("films", schema, []string{"id", "region"})

	want := []string{"id", "region", "title", "year"}
	if len(spec.Columns) != len(want) {
		t.Fatalf("Columns = %v, want %v", spec.Columns, want)
	}
	for i := range want {
		if spec.Columns[i] != want[i] {
			t.Fatalf("Columns = %v, want %v", spec.Columns, want)
		}
	}

	nonKey := spec.NonKeyColumns()
	if len(nonKey) != 2 || nonKey[0] != "title" || nonKey[1] != "year" {
		t.Fatalf("NonKeyColumns = %v, want [title year]", nonKey)
	}
}

// TestRegisterAndNew covers the factory registry: unknown kinds fail with a
// useful error, registered kinds construct.
func TestRegisterAndNew(t *testing.T) {
	Register("teststore", func(ctx context.Context, cfg Config) (Repository, error) {
		return &fakeRepo{}, nil
	})

	repo, err := New(context.Background(), Config{Kind: "teststore"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if repo == nil {
		t.Fatalf("New returned nil repository")
	}

	if _, err := New(context.Background(), Config{Kind: "nosuch"}); err == nil {
		t.Fatalf("New(nosuch): want error")
	} else if !strings.Contains(err.Error(), "nosuch") {
		t.Fatalf("error %q should name the unknown kind", err)
	}
}

// TestNewRejectRowMarshaling checks JSON payload normalization: NaN and Inf
// become null, timestamps render as RFC3339.
func TestNewRejectRowMarshaling(t *testing.T) {
	t.Parallel()

	ts := time.Date(2022, 5, 6, 7, 8, 9, 0, time.UTC)
	row := NewRejectRow("books", map[string]any{
		"rating": math.NaN(),
		"score":  math.Inf(1),
		"added":  ts,
		"title":  "ok",
		"year":   int64(1999),
	}, "Failed rule: year > 1900")

	if row.SourceName != "books" || row.Reason != "Failed rule: year > 1900" {
		t.Fatalf("row = %+v", row)
	}

	var decoded map[string]any
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v (%s)", err, row.Payload)
	}
	if decoded["rating"] != nil {
		t.Fatalf("NaN must serialize as null, got %v", decoded["rating"])
	}
	if decoded["score"] != nil {
		t.Fatalf("Inf must serialize as null, got %v", decoded["score"])
	}
	if decoded["added"] != "2022-05-06T07:08:09Z" {
		t.Fatalf("added = %v, want RFC3339 string", decoded["added"])
	}
	if decoded["title"] != "ok" {
		t.Fatalf("title = %v", decoded["title"])
	}
	if decoded["year"] != float64(1999) {
		t.Fatalf("year = %v (%T)", decoded["year"], decoded["year"])
	}
}

// TestNewRejectRowUnserializable: values JSON cannot express at all still
// produce a valid audit payload.
func TestNewRejectRowUnserializable(t *testing.T) {
	t.Parallel()

	row := NewRejectRow("s", map[string]any{"ch": make(chan int)}, "reason")
	var decoded map[string]any
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if _, ok := decoded["_unserializable"]; !ok {
		t.Fatalf("payload = %s, want _unserializable fallback", row.Payload)
	}
}
