// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql and the modernc.org/sqlite driver. SQLite has no equivalent
// of Postgres xmax, so the inserted/updated split is derived from the table
// row-count delta inside the upsert transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ingest/internal/storage"
)

// Config holds SQLite repository configuration.
type Config struct {
	DSN              string // e.g. "file:staging.db?cache=shared"
	StatementTimeout time.Duration
}

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

var _ storage.Repository = (*Repository)(nil)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, Config{DSN: cfg.DSN, StatementTimeout: cfg.StatementTimeout})
	})
}

// NewRepository opens the database and pings with a short deadline to fail
// fast on invalid DSNs.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

func (r *Repository) Close() { _ = r.db.Close() }

// Upsert writes one batch in a single transaction using
// INSERT ... ON CONFLICT (pk) DO UPDATE SET col = excluded.col.
func (r *Repository) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (storage.LoadResult, error) {
	var res storage.LoadResult
	if len(rows) == 0 {
		return res, nil
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s", ident(spec.Table))
	var before, after int64
	if err := tx.QueryRowContext(ctx, countSQL).Scan(&before); err != nil {
		return res, fmt.Errorf("sqlite: count: %w", err)
	}

	stmt, args := buildUpsert(spec, rows)
	result, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return res, fmt.Errorf("sqlite: upsert: %w", err)
	}
	affected, _ := result.RowsAffected()

	if err := tx.QueryRowContext(ctx, countSQL).Scan(&after); err != nil {
		return res, fmt.Errorf("sqlite: count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("sqlite: commit: %w", err)
	}

	res.Inserted = after - before
	if updated := affected - res.Inserted; updated > 0 {
		res.Updated = updated
	}
	return res, nil
}

func buildUpsert(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := spec.Columns
	nonKey := spec.NonKeyColumns()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, _loaded_at) VALUES ",
		ident(spec.Table), strings.Join(mapIdent(cols), ", "))

	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ", CURRENT_TIMESTAMP)"
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
		args = append(args, row...)
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", strings.Join(mapIdent(spec.KeyColumns), ", "))
	if len(nonKey) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		sets := make([]string, 0, len(nonKey)+1)
		for _, c := range nonKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", ident(c), ident(c)))
		}
		sets = append(sets, "_loaded_at = CURRENT_TIMESTAMP")
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String(), args
}

// StoreRejects appends reject records to stg_rejects.
func (r *Repository) StoreRejects(ctx context.Context, rejects []storage.RejectRow) (int64, error) {
	if len(rejects) == 0 {
		return 0, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var b strings.Builder
	b.WriteString("INSERT INTO stg_rejects (source_name, raw_payload, reason) VALUES ")
	args := make([]any, 0, len(rejects)*3)
	for i, rej := range rejects {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?)")
		args = append(args, rej.SourceName, string(rej.Payload), rej.Reason)
	}
	result, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: store rejects: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// InitSchema drops and recreates the target table and stg_rejects.
func (r *Repository) InitSchema(ctx context.Context, spec storage.TableSpec) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", ident(spec.Table)),
		"DROP TABLE IF EXISTS stg_rejects",
		`CREATE TABLE stg_rejects (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			source_name  TEXT NOT NULL,
			raw_payload  TEXT NOT NULL,
			reason       TEXT NOT NULL,
			rejected_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		createTableSQL(spec),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

func createTableSQL(spec storage.TableSpec) string {
	defs := make([]string, 0, len(spec.Columns)+2)
	for _, col := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", ident(col), sqliteType(spec.Types[col])))
	}
	defs = append(defs, "_loaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(spec.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", ident(spec.Table), strings.Join(defs, ", "))
}

func sqliteType(tag string) string {
	switch tag {
	case "int":
		return "INTEGER"
	case "float":
		return "REAL"
	case "bool":
		return "BOOLEAN"
	case "datetime":
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (r *Repository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.StatementTimeout)
}

func ident(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
