// Package postgres implements a Postgres storage.Repository using pgx v5.
// Upserts use INSERT ... ON CONFLICT ... DO UPDATE with RETURNING (xmax = 0)
// to distinguish freshly inserted rows from updated ones.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/storage"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN              string
	StatementTimeout time.Duration
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

var _ storage.Repository = (*Repository)(nil)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, Config{DSN: cfg.DSN, StatementTimeout: cfg.StatementTimeout})
	})
}

// NewRepository opens a connection pool. The pool is lazily populated;
// a ping fails fast on unreachable servers or bad credentials.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, nil
}

// Close releases the pool. Safe to call once at process end.
func (r *Repository) Close() { r.pool.Close() }

// Upsert writes one batch in a single transaction. On conflict with the key
// columns every non-key column is overwritten with the incoming value
// (last-writer-wins); if all columns are keys the conflict degrades to
// DO NOTHING.
func (r *Repository) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (storage.LoadResult, error) {
	var res storage.LoadResult
	if len(rows) == 0 {
		return res, nil
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	sql, args := buildUpsert(spec, rows)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	qrows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return res, fmt.Errorf("upsert: %w", err)
	}
	for qrows.Next() {
		var inserted bool
		if err := qrows.Scan(&inserted); err != nil {
			qrows.Close()
			return res, fmt.Errorf("scan upsert result: %w", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	qrows.Close()
	if err := qrows.Err(); err != nil {
		return storage.LoadResult{}, fmt.Errorf("upsert rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.LoadResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// buildUpsert renders a single parameterized multi-row statement.
//
//	INSERT INTO t (k, a, _loaded_at) VALUES ($1,$2,now()),...
//	ON CONFLICT (k) DO UPDATE SET a = EXCLUDED.a, _loaded_at = now()
//	RETURNING (xmax = 0)
//
// xmax is zero only for rows created by this statement, which gives an exact
// inserted-vs-updated split without a second round trip.
func buildUpsert(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := spec.Columns
	nonKey := spec.NonKeyColumns()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, %s) VALUES ",
		pgFQN(spec.Table), strings.Join(mapIdent(cols), ", "), pgIdent("_loaded_at"))

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(", now())")
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", strings.Join(mapIdent(spec.KeyColumns), ", "))
	if len(nonKey) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		sets := make([]string, 0, len(nonKey)+1)
		for _, c := range nonKey {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
		}
		sets = append(sets, pgIdent("_loaded_at")+" = now()")
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	b.WriteString(" RETURNING (xmax = 0)")
	return b.String(), args
}

// StoreRejects appends reject records to stg_rejects in one statement.
func (r *Repository) StoreRejects(ctx context.Context, rejects []storage.RejectRow) (int64, error) {
	if len(rejects) == 0 {
		return 0, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var b strings.Builder
	b.WriteString("INSERT INTO stg_rejects (source_name, raw_payload, reason) VALUES ")
	args := make([]any, 0, len(rejects)*3)
	p := 1
	for i, rej := range rejects {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d)", p, p+1, p+2)
		args = append(args, rej.SourceName, rej.Payload, rej.Reason)
		p += 3
	}

	ct, err := r.pool.Exec(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("store rejects: %w", err)
	}
	return ct.RowsAffected(), nil
}

// InitSchema drops and recreates the target table and the reject table.
func (r *Repository) InitSchema(ctx context.Context, spec storage.TableSpec) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pgFQN(spec.Table)),
		"DROP TABLE IF EXISTS stg_rejects CASCADE",
		`CREATE TABLE stg_rejects (
			id           BIGSERIAL PRIMARY KEY,
			source_name  TEXT NOT NULL,
			raw_payload  JSONB NOT NULL,
			reason       TEXT NOT NULL,
			rejected_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		createTableSQL(spec),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func createTableSQL(spec storage.TableSpec) string {
	defs := make([]string, 0, len(spec.Columns)+2)
	for _, col := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", pgIdent(col), pgType(spec.Types[col])))
	}
	defs = append(defs, pgIdent("_loaded_at")+" TIMESTAMPTZ NOT NULL DEFAULT now()")
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(spec.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", pgFQN(spec.Table), strings.Join(defs, ", "))
}

func pgType(tag string) string {
	switch tag {
	case "int":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	case "bool":
		return "BOOLEAN"
	case "datetime":
		return "TIMESTAMPTZ"
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

// pgIdent safely quotes a single identifier segment.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.stg_books".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
