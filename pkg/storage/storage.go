// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storage is the embedded store behind the central server. One
// SQLite file in WAL mode holds every profiling record; derived request
// fields are virtual columns over the payload JSON, so the payload stays
// the single source of truth.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/reqprof/reqprof/pkg/record"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// dsnPragmas tunes the engine before first use: WAL for readers under a
// writer, NORMAL sync, a 10s busy wait, incremental auto-vacuum, a 64MB
// page cache and in-memory temp tables.
const dsnPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=busy_timeout(10000)" +
	"&_pragma=auto_vacuum(INCREMENTAL)" +
	"&_pragma=cache_size(-64000)" +
	"&_pragma=temp_store(MEMORY)"

const insertSQL = `INSERT INTO records
	(correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)`

const markForwardedSQL = `UPDATE records SET forwarded = 1 WHERE id = ?`

// recordColumns is the canonical select list, virtual columns included.
const recordColumns = `id, correlation_id, project, source, timestamp,
	duration_ms, payload, created_at, forwarded, url, http_method, status_code`

// Store wraps the database handle and the hot-path prepared statements.
type Store struct {
	db     *sqlx.DB
	insert *sqlx.Stmt
	mark   *sqlx.Stmt
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", fmt.Sprintf("file:%s?%s", path, dsnPragmas))
	if err != nil {
		return nil, fmt.Errorf("cannot open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)

	if err := runMigrations(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, err
	}

	insert, err := db.Preparex(insertSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot prepare insert: %w", err)
	}
	mark, err := db.Preparex(markForwardedSQL)
	if err != nil {
		insert.Close()
		db.Close()
		return nil, fmt.Errorf("cannot prepare forwarded update: %w", err)
	}

	return &Store{db: db, insert: insert, mark: mark}, nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	return multierr.Combine(s.insert.Close(), s.mark.Close(), s.db.Close())
}

// Insert stores one record, filling in its ID, CreatedAt and Forwarded
// fields.
func (s *Store) Insert(ctx context.Context, r *record.Record) error {
	now := time.Now().Unix()
	res, err := s.insert.ExecContext(ctx,
		r.CorrelationID, r.Project, r.Source, r.Timestamp, r.DurationMs, r.Payload, now)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	r.Forwarded = 0
	return nil
}

// MarkForwarded flips a row's forwarded flag to 1. The transition is
// one-way.
func (s *Store) MarkForwarded(ctx context.Context, id int64) error {
	_, err := s.mark.ExecContext(ctx, id)
	return err
}

// PendingBatch returns up to limit records with forwarded = 0 and id >
// afterID, in ascending id order.
func (s *Store) PendingBatch(ctx context.Context, afterID int64, limit int) ([]record.Record, error) {
	var out []record.Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+recordColumns+` FROM records
		 WHERE forwarded = 0 AND id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	return out, err
}

// PendingCount reports how many rows still await shipping.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records WHERE forwarded = 0`)
	return n, err
}

// DeleteOlderThan removes rows whose created_at is before cutoff and
// returns how many went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementalVacuum returns up to pages freelist pages to the filesystem.
func (s *Store) IncrementalVacuum(ctx context.Context, pages int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA incremental_vacuum(%d)", pages))
	return err
}

// getRecord fetches a single row by arbitrary condition.
func (s *Store) getRecord(ctx context.Context, where string, args ...interface{}) (*record.Record, error) {
	var r record.Record
	err := s.db.GetContext(ctx, &r,
		`SELECT `+recordColumns+` FROM records WHERE `+where+` LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
