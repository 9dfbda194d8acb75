// Package mssql implements a SQL Server storage.Repository using
// database/sql and microsoft/go-mssqldb. Upserts use MERGE with
// OUTPUT $action, which yields an exact inserted/updated split.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"ingest/internal/storage"
)

// Config holds SQL Server repository configuration.
type Config struct {
	DSN              string
	StatementTimeout time.Duration
}

// Repository is a SQL Server-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

var _ storage.Repository = (*Repository)(nil)

func init() {
	storage.Register("mssql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, Config{DSN: cfg.DSN, StatementTimeout: cfg.StatementTimeout})
	})
}

// NewRepository validates the DSN early, then opens and pings the database.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

func (r *Repository) Close() { _ = r.db.Close() }

// SQL Server caps a request at 2100 parameters; headroom below that bounds
// the rows a single MERGE may bind.
const maxMergeParams = 2000

// mergeChunkSize is how many rows fit in one MERGE for a given column count.
func mergeChunkSize(ncols int) int {
	if ncols <= 0 {
		return 1
	}
	n := maxMergeParams / ncols
	if n < 1 {
		n = 1
	}
	return n
}

// Upsert writes one batch in a single transaction via MERGE. Wide batches are
// split across several MERGE statements inside the same transaction to stay
// under the server's parameter-per-request cap; the OUTPUT clause reports
// $action per row, counted into the result.
func (r *Repository) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (storage.LoadResult, error) {
	var res storage.LoadResult
	if len(rows) == 0 {
		return res, nil
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("mssql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	chunk := mergeChunkSize(len(spec.Columns))
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		cr, err := runMerge(ctx, tx, spec, rows[start:end])
		if err != nil {
			return storage.LoadResult{}, err
		}
		res.Inserted += cr.Inserted
		res.Updated += cr.Updated
	}

	if err := tx.Commit(); err != nil {
		return storage.LoadResult{}, fmt.Errorf("mssql: commit: %w", err)
	}
	return res, nil
}

// runMerge executes one MERGE statement and tallies its OUTPUT actions.
func runMerge(ctx context.Context, tx *sql.Tx, spec storage.TableSpec, rows [][]any) (storage.LoadResult, error) {
	var res storage.LoadResult
	stmt, args := buildMerge(spec, rows)
	qrows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return res, fmt.Errorf("mssql: merge: %w", err)
	}
	for qrows.Next() {
		var action string
		if err := qrows.Scan(&action); err != nil {
			qrows.Close()
			return res, fmt.Errorf("mssql: scan merge action: %w", err)
		}
		switch action {
		case "INSERT":
			res.Inserted++
		case "UPDATE":
			res.Updated++
		}
	}
	if err := qrows.Close(); err != nil {
		return storage.LoadResult{}, fmt.Errorf("mssql: merge rows: %w", err)
	}
	return res, nil
}

// buildMerge renders:
//
//	MERGE INTO t AS T
//	USING (VALUES (@p1,...), ...) AS S (cols...)
//	ON T.k = S.k
//	WHEN MATCHED THEN UPDATE SET T.a = S.a, T._loaded_at = SYSDATETIME()
//	WHEN NOT MATCHED THEN INSERT (cols..., _loaded_at) VALUES (S.cols..., SYSDATETIME())
//	OUTPUT $action;
//
// When every column is a key, the MATCHED branch is omitted and duplicates
// become a no-op.
func buildMerge(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := spec.Columns
	nonKey := spec.NonKeyColumns()

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS T USING (VALUES ", msFQN(spec.Table))

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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteByte(')')
	}
	fmt.Fprintf(&b, ") AS S (%s) ON ", strings.Join(mapIdent(cols), ", "))

	conds := make([]string, 0, len(spec.KeyColumns))
	for _, k := range spec.KeyColumns {
		conds = append(conds, fmt.Sprintf("T.%s = S.%s", ident(k), ident(k)))
	}
	b.WriteString(strings.Join(conds, " AND "))

	if len(nonKey) > 0 {
		sets := make([]string, 0, len(nonKey)+1)
		for _, c := range nonKey {
			sets = append(sets, fmt.Sprintf("T.%s = S.%s", ident(c), ident(c)))
		}
		sets = append(sets, "T."+ident("_loaded_at")+" = SYSDATETIME()")
		b.WriteString(" WHEN MATCHED THEN UPDATE SET " + strings.Join(sets, ", "))
	}

	srcCols := make([]string, 0, len(cols))
	for _, c := range cols {
		srcCols = append(srcCols, "S."+ident(c))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s, %s) VALUES (%s, SYSDATETIME())",
		strings.Join(mapIdent(cols), ", "), ident("_loaded_at"), strings.Join(srcCols, ", "))
	b.WriteString(" OUTPUT $action;")
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
	p := 1
	for i, rej := range rejects {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d, @p%d)", p, p+1, p+2)
		args = append(args, rej.SourceName, string(rej.Payload), rej.Reason)
		p += 3
	}
	result, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("mssql: store rejects: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// InitSchema drops and recreates the target table and stg_rejects.
func (r *Repository) InitSchema(ctx context.Context, spec storage.TableSpec) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	stmts := []string{
		fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", spec.Table, msFQN(spec.Table)),
		"IF OBJECT_ID(N'stg_rejects', N'U') IS NOT NULL DROP TABLE stg_rejects",
		"CREATE TABLE stg_rejects (" +
			"id BIGINT IDENTITY(1,1) PRIMARY KEY, " +
			"source_name NVARCHAR(256) NOT NULL, " +
			"raw_payload NVARCHAR(MAX) NOT NULL, " +
			"reason NVARCHAR(MAX) NOT NULL, " +
			"rejected_at DATETIME2 NOT NULL DEFAULT SYSDATETIME())",
		createTableSQL(spec),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: init schema: %w", err)
		}
	}
	return nil
}

func createTableSQL(spec storage.TableSpec) string {
	defs := make([]string, 0, len(spec.Columns)+2)
	for _, col := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", ident(col), msType(spec.Types[col])))
	}
	defs = append(defs, ident("_loaded_at")+" DATETIME2 NOT NULL DEFAULT SYSDATETIME()")
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(spec.KeyColumns), ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", msFQN(spec.Table), strings.Join(defs, ", "))
}

// msType maps schema type tags to SQL Server column types. Key columns get
// a bounded NVARCHAR because NVARCHAR(MAX) cannot participate in a primary
// key.
func msType(tag string) string {
	switch tag {
	case "int":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "bool":
		return "BIT"
	case "datetime":
		return "DATETIME2"
	default:
		return "NVARCHAR(450)"
	}
}

func (r *Repository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.StatementTimeout)
}

func ident(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }

// msFQN quotes a possibly schema-qualified name like "dbo.stg_books".
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = ident(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
