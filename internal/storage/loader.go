package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"ingest/internal/records"
)

// RowValues extracts cell values from a record in spec column order. Absent
// cells and null-like values travel as nil so backends bind real SQL NULLs,
// never a null string literal.
func RowValues(rec records.Record, columns []string) []any {
	row := make([]any, len(columns))
	for i, col := range columns {
		v, ok := rec[col]
		if !ok || records.IsNull(v) {
			continue // stays nil
		}
		row[i] = v
	}
	return row
}

// LoadBatches splits rows into fixed-size batches and performs one Upsert
// (one transaction) per batch. A failing batch aborts the load and surfaces
// the error; batches committed before it stay committed, and the returned
// LoadResult reflects them. Empty input issues no statements.
//
// Progress is logged per flushed batch with running totals and instantaneous
// rows/sec.
func LoadBatches(ctx context.Context, repo Repository, spec TableSpec, rows []records.Record, batchSize int) (LoadResult, error) {
	var total LoadResult
	if len(rows) == 0 {
		return total, nil
	}
	if batchSize <= 0 {
		return total, fmt.Errorf("batchSize must be > 0")
	}

	var (
		batches   int
		start     = time.Now()
		lastFlush = start
	)

	for lo := 0; lo < len(rows); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hi := lo + batchSize
		if hi > len(rows) {
			hi = len(rows)
		}

		batch := make([][]any, 0, hi-lo)
		for _, rec := range rows[lo:hi] {
			batch = append(batch, RowValues(rec, spec.Columns))
		}

		res, err := repo.Upsert(ctx, spec, batch)
		total.add(res)
		if err != nil {
			return total, fmt.Errorf("upsert batch rows %d-%d: %w", lo, hi-1, err)
		}

		batches++
		now := time.Now()
		sinceLast := now.Sub(lastFlush)
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(hi-lo) / sinceLast.Seconds()
		}
		log.Printf("loader: batch #%d table=%s rows=%d inserted=%d updated=%d rps=%.0f elapsed=%s",
			batches, spec.Table, hi-lo, total.Inserted, total.Updated, rps,
			now.Sub(start).Truncate(time.Millisecond))
		lastFlush = now
	}
	return total, nil
}
