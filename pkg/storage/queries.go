// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/reqprof/reqprof/pkg/record"
)

// SearchQuery collects the /api/search filters. Pagination is cursor-only:
// After carries the timestamp of the last row the client saw.
type SearchQuery struct {
	Project        string
	Source         string
	CorrelationID  string
	URL            string
	DurationMin    *float64
	DurationMax    *float64
	TimestampStart *float64
	TimestampEnd   *float64
	After          *float64
	Limit          int
}

// Search returns up to Limit records ordered timestamp DESC plus a hasMore
// flag. It fetches one extra row to decide hasMore without a second query.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]record.Record, bool, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if q.Project != "" {
		add("project = ?", q.Project)
	}
	if q.Source != "" {
		add("source = ?", q.Source)
	}
	if q.CorrelationID != "" {
		add("correlation_id = ?", q.CorrelationID)
	}
	if q.URL != "" {
		pattern := q.URL
		if !strings.ContainsAny(pattern, "%_") {
			pattern = "%" + pattern + "%"
		}
		add("url LIKE ?", pattern)
	}
	if q.DurationMin != nil {
		add("duration_ms >= ?", *q.DurationMin)
	}
	if q.DurationMax != nil {
		add("duration_ms <= ?", *q.DurationMax)
	}
	if q.TimestampStart != nil {
		add("timestamp >= ?", *q.TimestampStart)
	}
	if q.TimestampEnd != nil {
		add("timestamp <= ?", *q.TimestampEnd)
	}
	if q.After != nil {
		add("timestamp < ?", *q.After)
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []record.Record
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, false, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

// Projects returns the distinct project list, ascending.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT project FROM records ORDER BY project ASC`)
	return out, err
}

// ProjectStats are the project-wide aggregates.
type ProjectStats struct {
	Project       string           `json:"project"`
	TotalRecords  int64            `json:"total_records"`
	BySource      map[string]int64 `json:"by_source"`
	MinTimestamp  *float64         `json:"min_timestamp"`
	MaxTimestamp  *float64         `json:"max_timestamp"`
	AvgDurationMs *float64         `json:"avg_duration_ms"`
}

// StatsProject aggregates every record of one project.
func (s *Store) StatsProject(ctx context.Context, project string) (*ProjectStats, error) {
	st := &ProjectStats{Project: project, BySource: map[string]int64{}}

	row := struct {
		Total  int64    `db:"total"`
		MinTS  *float64 `db:"min_ts"`
		MaxTS  *float64 `db:"max_ts"`
		AvgDur *float64 `db:"avg_dur"`
	}{}
	err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total, MIN(timestamp) AS min_ts, MAX(timestamp) AS max_ts,
		        AVG(duration_ms) AS avg_dur
		 FROM records WHERE project = ?`, project)
	if err != nil {
		return nil, err
	}
	st.TotalRecords = row.Total
	st.MinTimestamp = row.MinTS
	st.MaxTimestamp = row.MaxTS
	st.AvgDurationMs = row.AvgDur

	rows, err := s.db.QueryxContext(ctx,
		`SELECT source, COUNT(*) FROM records WHERE project = ? GROUP BY source`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		st.BySource[source] = n
	}
	return st, rows.Err()
}

// URLStats are the duration aggregates for one URL within a project.
type URLStats struct {
	Project       string  `json:"project"`
	URL           string  `json:"url"`
	Count         int64   `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MinDurationMs float64 `json:"min_duration_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
	P50           float64 `json:"p50"`
	P95           float64 `json:"p95"`
	P99           float64 `json:"p99"`
}

// StatsURL aggregates one URL, percentiles included. ErrNotFound when no
// row with a duration matches.
func (s *Store) StatsURL(ctx context.Context, project, url string) (*URLStats, error) {
	st := &URLStats{Project: project, URL: url}

	row := struct {
		Count  int64    `db:"count"`
		AvgDur *float64 `db:"avg_dur"`
		MinDur *float64 `db:"min_dur"`
		MaxDur *float64 `db:"max_dur"`
	}{}
	err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS count, AVG(duration_ms) AS avg_dur,
		        MIN(duration_ms) AS min_dur, MAX(duration_ms) AS max_dur
		 FROM records
		 WHERE project = ? AND url = ? AND duration_ms IS NOT NULL`, project, url)
	if err != nil {
		return nil, err
	}
	if row.Count == 0 {
		return nil, ErrNotFound
	}
	st.Count = row.Count
	st.AvgDurationMs = *row.AvgDur
	st.MinDurationMs = *row.MinDur
	st.MaxDurationMs = *row.MaxDur

	for _, p := range []struct {
		q    float64
		dest *float64
	}{{0.50, &st.P50}, {0.95, &st.P95}, {0.99, &st.P99}} {
		v, err := s.percentile(ctx, project, url, row.Count, p.q)
		if err != nil {
			return nil, err
		}
		*p.dest = v
	}
	return st, nil
}

// percentile selects the nearest-rank value without relying on an optional
// built-in aggregate: the sorted offset is ceil(count*p)-1, clamped.
func (s *Store) percentile(ctx context.Context, project, url string, count int64, p float64) (float64, error) {
	offset := int64(math.Ceil(float64(count)*p)) - 1
	if offset < 0 {
		offset = 0
	}
	if offset >= count {
		offset = count - 1
	}
	var v float64
	err := s.db.GetContext(ctx, &v,
		`SELECT duration_ms FROM records
		 WHERE project = ? AND url = ? AND duration_ms IS NOT NULL
		 ORDER BY duration_ms ASC LIMIT 1 OFFSET ?`, project, url, offset)
	return v, err
}

// Comparison ranks one request against every other request for the same
// URL.
type Comparison struct {
	CorrelationID     string  `json:"correlation_id"`
	Project           string  `json:"project"`
	URL               string  `json:"url"`
	DurationMs        float64 `json:"duration_ms"`
	AvgDurationMs     float64 `json:"avg_duration_ms"`
	PercentileRank    int     `json:"percentile_rank"`
	FasterThanPercent int     `json:"faster_than_percent"`
	SampleSize        int64   `json:"sample_size"`
}

// Compare computes the percentile rank of the request identified by
// correlationID within its URL cohort. ErrNotFound when the row does not
// exist, has no duration, or has no derived URL to compare against.
func (s *Store) Compare(ctx context.Context, correlationID string) (*Comparison, error) {
	base, err := s.getRecord(ctx,
		`correlation_id = ? AND source = ? ORDER BY id ASC`,
		correlationID, record.SourceAppAgent)
	if err != nil {
		return nil, err
	}
	if base.DurationMs == nil || base.URL == nil {
		return nil, ErrNotFound
	}

	row := struct {
		Total  int64    `db:"total"`
		Slower int64    `db:"slower"`
		AvgDur *float64 `db:"avg_dur"`
	}{}
	err = s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN duration_ms > ? THEN 1 ELSE 0 END), 0) AS slower,
		        AVG(duration_ms) AS avg_dur
		 FROM records
		 WHERE project = ? AND url = ? AND duration_ms IS NOT NULL`,
		*base.DurationMs, base.Project, *base.URL)
	if err != nil {
		return nil, err
	}
	if row.Total == 0 {
		return nil, ErrNotFound
	}

	rank := int(math.Round(float64(row.Slower) / float64(row.Total) * 100))
	return &Comparison{
		CorrelationID:     correlationID,
		Project:           base.Project,
		URL:               *base.URL,
		DurationMs:        *base.DurationMs,
		AvgDurationMs:     *row.AvgDur,
		PercentileRank:    rank,
		FasterThanPercent: 100 - rank,
		SampleSize:        row.Total,
	}, nil
}

// CorrelationSummary totals one correlation's records.
type CorrelationSummary struct {
	TotalRecords   int     `json:"total_records"`
	AppCount       int     `json:"app_count"`
	DBCount        int     `json:"db_count"`
	TotalSQLTimeMs float64 `json:"total_sql_time_ms"`
}

// CorrelationBundle is the correlation API response body. The php_request
// key is part of the public wire contract.
type CorrelationBundle struct {
	PHPRequest   *record.Record     `json:"php_request"`
	SQLQueries   []record.Record    `json:"sql_queries"`
	OtherRecords []record.Record    `json:"other_records"`
	Summary      CorrelationSummary `json:"summary"`
}

// Correlation returns every record sharing one correlation id, partitioned
// by source. ErrNotFound when the id is unknown.
func (s *Store) Correlation(ctx context.Context, correlationID string) (*CorrelationBundle, error) {
	var rows []record.Record
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM records
		 WHERE correlation_id = ? ORDER BY timestamp ASC, id ASC`, correlationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	b := &CorrelationBundle{
		SQLQueries:   []record.Record{},
		OtherRecords: []record.Record{},
	}
	b.Summary.TotalRecords = len(rows)

	for i := range rows {
		r := rows[i]
		b.Summary.TotalSQLTimeMs += record.Summarize(r.Payload).SQLTotalMs
		switch r.Source {
		case record.SourceAppAgent:
			b.Summary.AppCount++
			if b.PHPRequest == nil {
				b.PHPRequest = &rows[i]
				continue
			}
			b.OtherRecords = append(b.OtherRecords, r)
		case record.SourceDBAgent:
			b.Summary.DBCount++
			b.SQLQueries = append(b.SQLQueries, r)
		default:
			b.OtherRecords = append(b.OtherRecords, r)
		}
	}
	return b, nil
}
