// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Migrations are forward-only and idempotent: re-runs detect pre-existing
// columns and skip. Nothing here may rewrite or delete data, with the single
// exception of the forwarded backfill that marks historical rows delivered.
func migrations() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: createRecordsTable}, nil),
		goose.NewGoMigration(2, &goose.GoFunc{RunTx: addForwardedColumn}, nil),
		goose.NewGoMigration(3, &goose.GoFunc{RunTx: addDerivedColumns}, nil),
	}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, nil,
		goose.WithGoMigrations(migrations()...))
	if err != nil {
		return fmt.Errorf("cannot build migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

func createRecordsTable(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT    NOT NULL,
			project        TEXT    NOT NULL,
			source         TEXT    NOT NULL,
			timestamp      REAL    NOT NULL,
			duration_ms    REAL,
			payload        TEXT    NOT NULL,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_correlation_id ON records(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_project_timestamp ON records(project, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_records_duration ON records(duration_ms) WHERE duration_ms IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_records_source_timestamp ON records(source, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// addForwardedColumn introduces delivery tracking. Rows that existed before
// the column are considered already delivered and set to 1; new rows default
// to 0.
func addForwardedColumn(ctx context.Context, tx *sql.Tx) error {
	has, err := hasColumn(ctx, tx, "records", "forwarded")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.ExecContext(ctx,
			`ALTER TABLE records ADD COLUMN forwarded INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET forwarded = 1`); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_records_forwarded_id ON records(forwarded, id)`)
	return err
}

// addDerivedColumns adds the virtual request fields extracted from the
// payload JSON. VIRTUAL keeps them out of the row image; the url index
// materializes the only one used for filtering.
func addDerivedColumns(ctx context.Context, tx *sql.Tx) error {
	cols := []struct{ name, typ, expr string }{
		{"url", "TEXT", `json_extract(payload, '$.request.url')`},
		{"http_method", "TEXT", `json_extract(payload, '$.request.method')`},
		{"status_code", "INTEGER", `json_extract(payload, '$.response.status')`},
	}
	for _, c := range cols {
		has, err := hasColumn(ctx, tx, "records", c.name)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf(
			`ALTER TABLE records ADD COLUMN %s %s GENERATED ALWAYS AS (%s) VIRTUAL`,
			c.name, c.typ, c.expr)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_records_url ON records(url)`)
	return err
}

// hasColumn checks pragma_table_xinfo, which lists generated columns as
// well.
func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_xinfo(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
