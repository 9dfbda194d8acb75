// Package mysql implements a MySQL storage.Repository using database/sql and
// go-sql-driver/mysql. Upserts use INSERT ... ON DUPLICATE KEY UPDATE; the
// conflict target is whatever unique key the table declares on the primary
// key columns, which InitSchema creates.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"ingest/internal/storage"
)

// Config holds MySQL repository configuration.
type Config struct {
	DSN              string
	StatementTimeout time.Duration
}

// Repository is a MySQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

var _ storage.Repository = (*Repository)(nil)

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, Config{DSN: cfg.DSN, StatementTimeout: cfg.StatementTimeout})
	})
}

// NewRepository opens the database and fails fast on unreachable servers.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

func (r *Repository) Close() { _ = r.db.Close() }

// Upsert writes one batch in a single transaction.
//
// MySQL reports one affected row per insert and two per update, so with n
// input rows: inserted = 2n - affected and updated = affected - n. Rows that
// are byte-identical to their stored version count as zero, which makes a
// fully idempotent re-run report {0, 0}; mixed batches containing unchanged
// rows are attributed on a best-effort basis.
func (r *Repository) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (storage.LoadResult, error) {
	var res storage.LoadResult
	if len(rows) == 0 {
		return res, nil
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("mysql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, args := buildUpsert(spec, rows)
	result, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return res, fmt.Errorf("mysql: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("mysql: commit: %w", err)
	}

	affected, _ := result.RowsAffected()
	n := int64(len(rows))
	if affected > n {
		res.Inserted = 2*n - affected
		res.Updated = affected - n
		if res.Inserted < 0 {
			res.Inserted = 0
		}
	} else {
		res.Inserted = affected
	}
	return res, nil
}

func buildUpsert(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := spec.Columns
	nonKey := spec.NonKeyColumns()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, `_loaded_at`) VALUES ",
		ident(spec.Table), strings.Join(mapIdent(cols), ", "))

	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ", NOW())"
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
		args = append(args, row...)
	}

	if len(nonKey) == 0 {
		// All columns are keys; overwrite a key with itself to make the
		// duplicate a no-op instead of an error.
		k := ident(spec.KeyColumns[0])
		fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s = %s", k, k)
	} else {
		sets := make([]string, 0, len(nonKey)+1)
		for _, c := range nonKey {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", ident(c), ident(c)))
		}
		sets = append(sets, "`_loaded_at` = NOW()")
		b.WriteString(" ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "))
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
		return 0, fmt.Errorf("mysql: store rejects: %w", err)
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
		"CREATE TABLE stg_rejects (" +
			"id BIGINT AUTO_INCREMENT PRIMARY KEY, " +
			"source_name TEXT NOT NULL, " +
			"raw_payload JSON NOT NULL, " +
			"reason TEXT NOT NULL, " +
			"rejected_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)",
		createTableSQL(spec),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: init schema: %w", err)
		}
	}
	return nil
}

func createTableSQL(spec storage.TableSpec) string {
	defs := make([]string, 0, len(spec.Columns)+2)
	for _, col := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", ident(col), mysqlType(spec.Types[col])))
	}
	defs = append(defs, "`_loaded_at` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(spec.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", ident(spec.Table), strings.Join(defs, ", "))
}

// mysqlType maps schema type tags to MySQL column types. Every str column
// gets a bounded VARCHAR so it can serve as a key; MySQL cannot index
// unbounded TEXT.
func mysqlType(tag string) string {
	switch tag {
	case "int":
		return "BIGINT"
	case "float":
		return "DOUBLE"
	case "bool":
		return "TINYINT(1)"
	case "datetime":
		return "DATETIME"
	default:
		return "VARCHAR(512)"
	}
}

func (r *Repository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.StatementTimeout)
}

func ident(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
