package storage

import (
	"context"
	"errors"
	"testing"

	"ingest/internal/records"
)

// fakeRepo records every Upsert call and can be scripted to fail on a
// specific batch index.
type fakeRepo struct {
	batches [][][]any
	specs   []TableSpec

	failOn  int // 1-based batch index that fails; 0 = never
	rejects []RejectRow

	perRowResult func(n int) LoadResult
}

func (f *fakeRepo) Upsert(ctx context.Context, spec TableSpec, rows [][]any) (LoadResult, error) {
	f.batches = append(f.batches, rows)
	f.specs = append(f.specs, spec)
	if f.failOn > 0 && len(f.batches) == f.failOn {
		return LoadResult{}, errors.New("deadlock detected")
	}
	if f.perRowResult != nil {
		return f.perRowResult(len(rows)), nil
	}
	return LoadResult{Inserted: int64(len(rows))}, nil
}

func (f *fakeRepo) StoreRejects(ctx context.Context, rejects []RejectRow) (int64, error) {
	f.rejects = append(f.rejects, rejects...)
	return int64(len(rejects)), nil
}

func (f *fakeRepo) InitSchema(ctx context.Context, spec TableSpec) error { return nil }

func (f *fakeRepo) Close() {}

func testRows(n int) []records.Record {
	rows := make([]records.Record, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, records.Record{"id": int64(i), "title": "t"})
	}
	return rows
}

// TestLoadBatchesSplitsFixedSize verifies row batching: 7 rows at batch size
// 3 issue 3 upserts of sizes 3, 3, 1.
func TestLoadBatchesSplitsFixedSize(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	spec := NewTableSpec("films", map[string]string{"id": "int", "title": "str"}, []string{"id"})

	res, err := LoadBatches(context.Background(), repo, spec, testRows(7), 3)
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if len(repo.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(repo.batches))
	}
	for i, want := range []int{3, 3, 1} {
		if len(repo.batches[i]) != want {
			t.Fatalf("batch[%d] size = %d, want %d", i, len(repo.batches[i]), want)
		}
	}
	if res.Inserted != 7 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 7 inserted", res)
	}
}

// TestLoadBatchesEmptyInput: no rows means zero statements and a zero result.
func TestLoadBatchesEmptyInput(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	spec := NewTableSpec("films", map[string]string{"id": "int"}, []string{"id"})

	res, err := LoadBatches(context.Background(), repo, spec, nil, 100)
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if len(repo.batches) != 0 {
		t.Fatalf("issued %d statements for empty input, want 0", len(repo.batches))
	}
	if res.Total() != 0 {
		t.Fatalf("result = %+v, want zero", res)
	}
}

// TestLoadBatchesMidBatchFailure: a failing batch surfaces its error while
// the totals from batches committed before it are preserved.
func TestLoadBatchesMidBatchFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{failOn: 2}
	spec := NewTableSpec("films", map[string]string{"id": "int", "title": "str"}, []string{"id"})

	res, err := LoadBatches(context.Background(), repo, spec, testRows(6), 2)
	if err == nil {
		t.Fatalf("LoadBatches: want error from batch 2")
	}
	if len(repo.batches) != 2 {
		t.Fatalf("batches attempted = %d, want 2 (stop on failure)", len(repo.batches))
	}
	if res.Inserted != 2 {
		t.Fatalf("partial total = %+v, want 2 inserted from the committed batch", res)
	}
}

// TestLoadBatchesMixedResult: inserted/updated split accumulates across
// batches.
func TestLoadBatchesMixedResult(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{perRowResult: func(n int) LoadResult {
		return LoadResult{Inserted: int64(n - 1), Updated: 1}
	}}
	spec := NewTableSpec("films", map[string]string{"id": "int"}, []string{"id"})

	res, err := LoadBatches(context.Background(), repo, spec, testRows(4), 2)
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 2 {
		t.Fatalf("result = %+v, want 2/2", res)
	}
}

// TestLoadBatchesBadBatchSize guards the misconfiguration path.
func TestLoadBatchesBadBatchSize(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	spec := NewTableSpec("films", map[string]string{"id": "int"}, []string{"id"})
	if _, err := LoadBatches(context.Background(), repo, spec, testRows(1), 0); err == nil {
		t.Fatalf("want error for batchSize 0")
	}
}

// TestRowValues checks column ordering and SQL NULL mapping for absent and
// null-like cells.
func TestRowValues(t *testing.T) {
	t.Parallel()

	rec := records.Record{"id": int64(7), "title": "", "rating": 4.5}
	got := RowValues(rec, []string{"id", "rating", "title", "missing"})

	if got[0] != int64(7) {
		t.Fatalf("got[0] = %v", got[0])
	}
	if got[1] != 4.5 {
		t.Fatalf("got[1] = %v", got[1])
	}
	if got[2] != nil {
		t.Fatalf("empty string must travel as nil, got %v", got[2])
	}
	if got[3] != nil {
		t.Fatalf("absent column must travel as nil, got %v", got[3])
	}
}
