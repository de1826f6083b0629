// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reqprof/reqprof/pkg/correlation"
	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	maxStatementRows  = 100
	maxQueryTextChars = 1000
	maxLockQueryChars = 500

	queryTruncationMark = "...[truncated]"
)

// Collector produces one payload per cycle for a db ingest source.
type Collector interface {
	Source() string
	Collect(ctx context.Context) (map[string]interface{}, error)
}

// newPool opens a pgx pool with the monitoring safety rails applied.
func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	conn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s connect_timeout=%d",
		cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword,
		int(cfg.ConnectTimeout.Seconds()))
	pc, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	pc.MaxConns = int32(cfg.PoolMaxConns)
	pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(int(cfg.StatementTimeout.Milliseconds()))
	pc.ConnConfig.RuntimeParams["application_name"] = "reqprof-pg-agent"
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// rowsToMaps drains rows into one map per row, keyed by column name.
func rowsToMaps(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue rewrites pgx native types that do not marshal to useful JSON.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case netip.Addr:
		return t.String()
	case netip.Prefix:
		return t.Addr().String()
	default:
		return v
	}
}

// truncateQueryText caps SQL text shipped in payloads. Statement dumps of
// multi-kilobyte ORM queries are noise past the first kilobyte.
func truncateQueryText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + queryTruncationMark
}

// activityCollector samples live sessions plus the lock-contention picture.
// Lock rows ride along in the activity payload because they describe the
// same sessions.
type activityCollector struct {
	pool *pgxpool.Pool
}

func (c *activityCollector) Source() string { return record.DBSourceStatActivity }

const activityQuery = `
SELECT pid, usename, application_name, client_addr, backend_start,
       xact_start, query_start, state_change, wait_event_type, wait_event,
       state, backend_xid::text, backend_type, query
FROM pg_stat_activity
WHERE state != 'idle' AND pid != pg_backend_pid()
ORDER BY query_start DESC NULLS LAST
LIMIT 100`

// blockingQuery is the lock-monitoring join from the PostgreSQL wiki,
// pairing each waiting session with the session holding the conflicting lock.
const blockingQuery = `
SELECT blocked_locks.pid AS blocked_pid,
       blocked_activity.usename AS blocked_user,
       blocking_locks.pid AS blocking_pid,
       blocking_activity.usename AS blocking_user,
       blocked_activity.query AS blocked_query,
       blocking_activity.query AS blocking_query,
       blocked_locks.mode AS blocked_mode,
       blocked_activity.query_start AS blocked_since
FROM pg_catalog.pg_locks blocked_locks
JOIN pg_catalog.pg_stat_activity blocked_activity ON blocked_activity.pid = blocked_locks.pid
JOIN pg_catalog.pg_locks blocking_locks
    ON blocking_locks.locktype = blocked_locks.locktype
    AND blocking_locks.database IS NOT DISTINCT FROM blocked_locks.database
    AND blocking_locks.relation IS NOT DISTINCT FROM blocked_locks.relation
    AND blocking_locks.page IS NOT DISTINCT FROM blocked_locks.page
    AND blocking_locks.tuple IS NOT DISTINCT FROM blocked_locks.tuple
    AND blocking_locks.virtualxid IS NOT DISTINCT FROM blocked_locks.virtualxid
    AND blocking_locks.transactionid IS NOT DISTINCT FROM blocked_locks.transactionid
    AND blocking_locks.classid IS NOT DISTINCT FROM blocked_locks.classid
    AND blocking_locks.objid IS NOT DISTINCT FROM blocked_locks.objid
    AND blocking_locks.objsubid IS NOT DISTINCT FROM blocked_locks.objsubid
    AND blocking_locks.pid != blocked_locks.pid
JOIN pg_catalog.pg_stat_activity blocking_activity ON blocking_activity.pid = blocking_locks.pid
WHERE NOT blocked_locks.granted
ORDER BY blocked_activity.query_start
LIMIT 50`

func (c *activityCollector) Collect(ctx context.Context) (map[string]interface{}, error) {
	rows, err := c.pool.Query(ctx, activityQuery)
	if err != nil {
		return nil, fmt.Errorf("query pg_stat_activity: %w", err)
	}
	sessions, err := rowsToMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pg_stat_activity: %w", err)
	}

	withCorrelation := 0
	for _, s := range sessions {
		appName, _ := s["application_name"].(string)
		if id, ok := correlation.ParseAppName(appName); ok {
			s["correlation_id"] = id
			withCorrelation++
		}
		if q, ok := s["query"].(string); ok {
			s["query"] = truncateQueryText(q, maxQueryTextChars)
		}
	}

	payload := map[string]interface{}{
		"sessions":         sessions,
		"count":            len(sessions),
		"with_correlation": withCorrelation,
	}

	blocking := c.collectBlocking(ctx)
	payload["blocking"] = blocking
	payload["blocking_count"] = len(blocking)
	payload["has_blocking"] = len(blocking) > 0
	return payload, nil
}

// collectBlocking never fails the activity cycle. Missing lock data is
// reported as an empty list.
func (c *activityCollector) collectBlocking(ctx context.Context) []map[string]interface{} {
	rows, err := c.pool.Query(ctx, blockingQuery)
	if err != nil {
		log.Warnf("query pg_locks: %v", err)
		return []map[string]interface{}{}
	}
	locks, err := rowsToMaps(rows)
	if err != nil {
		log.Warnf("scan pg_locks: %v", err)
		return []map[string]interface{}{}
	}
	for _, l := range locks {
		for _, key := range []string{"blocked_query", "blocking_query"} {
			if q, ok := l[key].(string); ok {
				l[key] = truncateQueryText(q, maxLockQueryChars)
			}
		}
	}
	if locks == nil {
		locks = []map[string]interface{}{}
	}
	return locks
}

// statementsCollector samples pg_stat_statements when the extension is
// installed. Availability is checked once and cached for the process
// lifetime.
type statementsCollector struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	checked   bool
	available bool
}

func (c *statementsCollector) Source() string { return record.DBSourceStatStatements }

const statementsQuery = `
SELECT queryid::text, query, calls, total_exec_time, min_exec_time,
       max_exec_time, mean_exec_time, stddev_exec_time, rows,
       shared_blks_hit, shared_blks_read, shared_blks_dirtied,
       shared_blks_written, local_blks_hit, local_blks_read,
       temp_blks_read, temp_blks_written, blk_read_time, blk_write_time
FROM pg_stat_statements
ORDER BY total_exec_time DESC
LIMIT $1`

func (c *statementsCollector) extensionAvailable(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checked {
		return c.available, nil
	}
	var n int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pg_extension WHERE extname = 'pg_stat_statements'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pg_stat_statements extension: %w", err)
	}
	c.checked = true
	c.available = n > 0
	if !c.available {
		log.Infof("pg_stat_statements extension not installed, statement sampling disabled")
	}
	return c.available, nil
}

func (c *statementsCollector) Collect(ctx context.Context) (map[string]interface{}, error) {
	available, err := c.extensionAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if !available {
		return map[string]interface{}{
			"statements": []map[string]interface{}{},
			"count":      0,
			"available":  false,
		}, nil
	}
	rows, err := c.pool.Query(ctx, statementsQuery, maxStatementRows)
	if err != nil {
		return nil, fmt.Errorf("query pg_stat_statements: %w", err)
	}
	statements, err := rowsToMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pg_stat_statements: %w", err)
	}
	for _, s := range statements {
		if q, ok := s["query"].(string); ok {
			s["query"] = truncateQueryText(q, maxQueryTextChars)
		}
	}
	if statements == nil {
		statements = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"statements": statements,
		"count":      len(statements),
		"available":  true,
	}, nil
}
