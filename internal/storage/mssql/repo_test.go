package mssql

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"ingest/internal/storage"
)

func testSpec() storage.TableSpec {
	return storage.NewTableSpec("dbo.films",
		map[string]string{"id": "int", "title": "str", "year": "int"},
		[]string{"id"})
}

// TestBuildMerge checks the MERGE statement structure: source VALUES block,
// key join, matched/not-matched branches, and the OUTPUT clause the split
// depends on.
func TestBuildMerge(t *testing.T) {
	t.Parallel()

	stmt, args := buildMerge(testSpec(), [][]any{
		{int64(1), "a", int64(1999)},
		{int64(2), "b", int64(2001)},
	})

	for _, want := range []string{
		"MERGE INTO [dbo].[films] AS T USING (VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)) AS S ([id], [title], [year])",
		"ON T.[id] = S.[id]",
		"WHEN MATCHED THEN UPDATE SET T.[title] = S.[title], T.[year] = S.[year], T.[_loaded_at] = SYSDATETIME()",
		"WHEN NOT MATCHED THEN INSERT ([id], [title], [year], [_loaded_at]) VALUES (S.[id], S.[title], S.[year], SYSDATETIME())",
		"OUTPUT $action;",
	} {
		if !strings.Contains(stmt, want) {
			t.Fatalf("stmt = %q, missing %q", stmt, want)
		}
	}
	if len(args) != 6 {
		t.Fatalf("args = %d, want 6", len(args))
	}
}

// TestBuildMergeAllKeyColumns: without non-key columns the MATCHED branch is
// omitted so duplicate keys are a no-op.
func TestBuildMergeAllKeyColumns(t *testing.T) {
	t.Parallel()

	spec := storage.NewTableSpec("pairs", map[string]string{"a": "str", "b": "str"}, []string{"a", "b"})
	stmt, _ := buildMerge(spec, [][]any{{"x", "y"}})

	if strings.Contains(stmt, "WHEN MATCHED") {
		t.Fatalf("stmt = %q, key-only table must omit the MATCHED branch", stmt)
	}
	if !strings.Contains(stmt, "ON T.[a] = S.[a] AND T.[b] = S.[b]") {
		t.Fatalf("stmt = %q, wrong join condition", stmt)
	}
}

// TestUpsertActionCounting drives Upsert through sqlmock: the OUTPUT rows
// returned by MERGE are tallied into inserted/updated.
func TestUpsertActionCounting(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := &Repository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery("MERGE INTO").
		WillReturnRows(sqlmock.NewRows([]string{"$action"}).
			AddRow("INSERT").AddRow("UPDATE").AddRow("INSERT"))
	mock.ExpectCommit()

	res, err := repo.Upsert(context.Background(), testSpec(), [][]any{
		{int64(1), "a", int64(1999)},
		{int64(2), "b", int64(2001)},
		{int64(3), "c", int64(2003)},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 1 {
		t.Fatalf("result = %+v, want 2/1", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMergeChunkSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ncols int
		want  int
	}{
		{3, 666},
		{5, 400},
		{20, 100},
		{2001, 1},
		{0, 1},
	}
	for _, tt := range tests {
		if got := mergeChunkSize(tt.ncols); got != tt.want {
			t.Errorf("mergeChunkSize(%d) = %d, want %d", tt.ncols, got, tt.want)
		}
	}
}

// TestUpsertChunksWideBatch: a batch binding more than the server's parameter
// cap is split into several MERGE statements inside one transaction, and the
// per-chunk action counts still sum up.
func TestUpsertChunksWideBatch(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := &Repository{db: db}

	actions := func(n int) *sqlmock.Rows {
		r := sqlmock.NewRows([]string{"$action"})
		for i := 0; i < n; i++ {
			r.AddRow("INSERT")
		}
		return r
	}

	// 3 columns -> 666 rows per chunk; 700 rows -> chunks of 666 and 34.
	rows := make([][]any, 700)
	for i := range rows {
		rows[i] = []any{int64(i), "t", int64(2000)}
	}

	mock.ExpectBegin()
	mock.ExpectQuery("MERGE INTO").WillReturnRows(actions(666))
	mock.ExpectQuery("MERGE INTO").WillReturnRows(actions(34))
	mock.ExpectCommit()

	res, err := repo.Upsert(context.Background(), testSpec(), rows)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 700 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 700/0", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// TestCreateTableSQL checks the SQL Server type mapping, including the
// bounded NVARCHAR needed for indexable key columns.
func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	spec := storage.NewTableSpec("films", map[string]string{
		"id": "int", "rating": "float", "seen": "bool",
		"added": "datetime", "title": "str",
	}, []string{"id"})

	sql := createTableSQL(spec)
	for _, want := range []string{
		"CREATE TABLE [films] (",
		"[id] BIGINT",
		"[rating] FLOAT",
		"[seen] BIT",
		"[added] DATETIME2",
		"[title] NVARCHAR(450)",
		"[_loaded_at] DATETIME2 NOT NULL DEFAULT SYSDATETIME()",
		"PRIMARY KEY ([id])",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("createTableSQL = %q, missing %q", sql, want)
		}
	}
}

// TestNewRepositoryBadDSN: a malformed DSN fails fast at parse time, before
// any connection attempt.
func TestNewRepositoryBadDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewRepository(context.Background(), Config{DSN: "://not-a-dsn"}); err == nil {
		t.Fatalf("want error for malformed DSN")
	}
}
