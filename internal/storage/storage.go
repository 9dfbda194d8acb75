// Package storage contains the storage-agnostic contracts for the load
// stage: the Repository interface, a factory with backend registration, and
// a generic batched upsert loader.
//
// Concrete backends (postgres, sqlite, mysql, mssql) live in subpackages and
// register themselves at init time; importing internal/storage/all enables
// every built-in backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TableSpec describes one load target: the destination table, its column
// order, the conflict key, and the schema type tags used for DDL.
type TableSpec struct {
	Table      string
	Columns    []string // write order; stable for the life of a run
	KeyColumns []string
	Types      map[string]string // column -> type tag (int, float, str, bool, datetime)
}

// NewTableSpec derives a deterministic TableSpec from a schema map: key
// columns first (in declared order), remaining columns sorted by name.
func NewTableSpec(table string, schema map[string]string, keys []string) TableSpec {
	isKey := make(map[string]struct{}, len(keys))
	cols := make([]string, 0, len(schema))
	cols = append(cols, keys...)
	for _, k := range keys {
		isKey[k] = struct{}{}
	}
	rest := make([]string, 0, len(schema))
	for col := range schema {
		if _, ok := isKey[col]; !ok {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	cols = append(cols, rest...)

	return TableSpec{
		Table:      table,
		Columns:    cols,
		KeyColumns: append([]string(nil), keys...),
		Types:      schema,
	}
}

// NonKeyColumns returns the columns overwritten on conflict.
func (s TableSpec) NonKeyColumns() []string {
	isKey := make(map[string]struct{}, len(s.KeyColumns))
	for _, k := range s.KeyColumns {
		isKey[k] = struct{}{}
	}
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if _, ok := isKey[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// LoadResult counts the terminal effect of an upsert: rows newly inserted
// versus rows updated in place. Re-running an identical load yields
// Inserted == 0.
type LoadResult struct {
	Inserted int64
	Updated  int64
}

// Total is the number of rows written either way.
func (r LoadResult) Total() int64 { return r.Inserted + r.Updated }

func (r *LoadResult) add(o LoadResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
}

// RejectRow is the persisted form of a reject: the payload is already
// serialized to JSON with non-representable values normalized to null.
type RejectRow struct {
	SourceName string
	Payload    []byte
	Reason     string
}

// Repository is the minimal contract every storage backend implements.
//
// Upsert writes one batch of rows inside a single transaction using
// insert-or-update-on-conflict semantics keyed on spec.KeyColumns. A failure
// rolls back that batch only. Empty input returns a zero LoadResult without
// touching the database.
//
// StoreRejects appends to the stg_rejects audit table. Its failure must not
// affect a load that already committed; callers log and move on.
type Repository interface {
	Upsert(ctx context.Context, spec TableSpec, rows [][]any) (LoadResult, error)
	StoreRejects(ctx context.Context, rejects []RejectRow) (int64, error)

	// InitSchema drops and recreates the target table and stg_rejects.
	InitSchema(ctx context.Context, spec TableSpec) error

	Close()
}

// Config selects and parameterizes a backend.
type Config struct {
	Kind string // "postgres", "sqlite", "mysql", "mssql"
	DSN  string

	// StatementTimeout bounds each batch statement; zero means no bound.
	StatementTimeout time.Duration
}

// Factory constructs a Repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	facMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) a backend factory for the given kind.
// It is called from backend packages' init functions.
func Register(kind string, fn Factory) {
	facMu.Lock()
	defer facMu.Unlock()
	factories[kind] = fn
}

// New opens a Repository for cfg.Kind. The returned Repository is safe for
// sequential reuse across batches and sources; callers own the Close call.
func New(ctx context.Context, cfg Config) (Repository, error) {
	facMu.RLock()
	fn, ok := factories[cfg.Kind]
	facMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage backend registered for kind %q", cfg.Kind)
	}
	return fn(ctx, cfg)
}
