package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	dbpkg "github.com/garnizeh/insightpipe/internal/db"
	"github.com/jmoiron/sqlx"
)

func TestDriverFor(t *testing.T) {
	cases := []struct {
		dsn        string
		wantDriver string
		wantSource string
	}{
		{"postgres://u:p@localhost:5432/insights?sslmode=disable", dbpkg.DriverPostgres, "postgres://u:p@localhost:5432/insights?sslmode=disable"},
		{"postgresql://localhost/insights", dbpkg.DriverPostgres, "postgresql://localhost/insights"},
		{"sqlite://insightpipe.db", dbpkg.DriverSQLite, "insightpipe.db"},
		{":memory:", dbpkg.DriverSQLite, ":memory:"},
	}
	for _, tc := range cases {
		driver, source := dbpkg.DriverFor(tc.dsn)
		if driver != tc.wantDriver || source != tc.wantSource {
			t.Fatalf("DriverFor(%q) = (%q, %q), want (%q, %q)", tc.dsn, driver, source, tc.wantDriver, tc.wantSource)
		}
	}
}

func TestNew_Close_GetConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := dbpkg.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if d.GetConn() == nil {
		t.Fatalf("expected non-nil sqlx.DB from GetConn")
	}
	if d.Driver() != dbpkg.DriverSQLite {
		t.Fatalf("expected sqlite driver, got %s", d.Driver())
	}
	if err := d.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestExec_QueryRow_Select(t *testing.T) {
	ctx := context.Background()
	d, err := dbpkg.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer d.Close()

	if _, err := d.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, n := range []string{"a", "b"} {
		if _, err := d.Exec(ctx, `INSERT INTO items (id, name) VALUES (?, ?)`, "id-"+n, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var name string
	if err := d.QueryRow(ctx, `SELECT name FROM items WHERE id = ?`, "id-a").Scan(&name); err != nil {
		t.Fatalf("QueryRow scan returned error: %v", err)
	}
	if name != "a" {
		t.Fatalf("expected name 'a' got %q", name)
	}

	var names []string
	if err := d.Select(ctx, &names, `SELECT name FROM items ORDER BY name`); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(names) != 2 || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	d, err := dbpkg.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer d.Close()

	if _, err := d.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err = d.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	if err := d.QueryRow(ctx, `SELECT COUNT(1) FROM items`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to leave 0 rows, got %d", count)
	}
}

func TestWrap_RebindsForPostgres(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	d := dbpkg.Wrap(conn, dbpkg.DriverPostgres)
	mock.ExpectExec(`UPDATE jobs SET status = \$1 WHERE id = \$2`).
		WithArgs("done", "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := d.Exec(context.Background(), `UPDATE jobs SET status = ? WHERE id = ?`, "done", "j1"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInTx_CommitError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	d := dbpkg.Wrap(conn, dbpkg.DriverPostgres)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	if err := d.InTx(context.Background(), func(tx *sqlx.Tx) error { return nil }); err == nil {
		t.Fatalf("expected commit error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
