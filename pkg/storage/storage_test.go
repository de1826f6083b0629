// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqprof/reqprof/pkg/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fptr(v float64) *float64 { return &v }

// appPayload builds a request payload whose url, method and status feed the
// derived columns.
func appPayload(t *testing.T, url, method string, status int, durMs, sqlTotalMs float64) string {
	t.Helper()
	p := record.Payload{
		Source:     record.SourceAppAgent,
		DurationMs: durMs,
		Request:    &record.RequestInfo{Method: method, URL: url},
		Response:   &record.ResponseInfo{Status: status},
	}
	if sqlTotalMs > 0 {
		p.SQL = &record.SQLSummary{Count: 1, TotalDurationMs: sqlTotalMs}
	}
	raw, err := p.Marshal()
	require.NoError(t, err)
	return string(raw)
}

func insertRecord(t *testing.T, st *Store, project, source, corr string, ts float64, dur *float64, payload string) record.Record {
	t.Helper()
	r := record.Record{
		CorrelationID: corr,
		Project:       project,
		Source:        source,
		Timestamp:     ts,
		DurationMs:    dur,
		Payload:       payload,
	}
	require.NoError(t, st.Insert(context.Background(), &r))
	return r
}

func countRows(t *testing.T, st *Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, st.db.Get(&n, `SELECT COUNT(*) FROM records`))
	return n
}

func TestInsertPopulatesDerivedColumns(t *testing.T) {
	st := openTestStore(t)

	r := insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 100, fptr(42.5),
		appPayload(t, "/checkout", "POST", 201, 42.5, 0))
	require.NotZero(t, r.ID)
	require.NotZero(t, r.CreatedAt)
	require.Equal(t, 0, r.Forwarded)

	got, err := st.getRecord(context.Background(), `id = ?`, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.URL)
	assert.Equal(t, "/checkout", *got.URL)
	require.NotNil(t, got.HTTPMethod)
	assert.Equal(t, "POST", *got.HTTPMethod)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, int64(201), *got.StatusCode)
	assert.Equal(t, 0, got.Forwarded)
}

func TestReopenKeepsDataAndForwardedFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	st, err := Open(path)
	require.NoError(t, err)
	r := insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 100, fptr(10),
		appPayload(t, "/a", "GET", 200, 10, 0))
	require.NoError(t, st.Close())

	// Re-running migrations on an up-to-date file must not touch the flag.
	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.getRecord(context.Background(), `id = ?`, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Forwarded)
}

func TestLegacySchemaBackfillsForwarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	// A database from before delivery tracking: no forwarded column, no
	// derived columns.
	raw, err := sqlx.Connect("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT    NOT NULL,
		project        TEXT    NOT NULL,
		source         TEXT    NOT NULL,
		timestamp      REAL    NOT NULL,
		duration_ms    REAL,
		payload        TEXT    NOT NULL,
		created_at     INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = raw.Exec(`INSERT INTO records
			(correlation_id, project, source, timestamp, duration_ms, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"old", "shop", record.SourceAppAgent, float64(i), 1.0,
			`{"request":{"url":"/old","method":"GET"}}`, 1)
		require.NoError(t, err)
	}
	require.NoError(t, raw.Close())

	st, err := Open(path)
	require.NoError(t, err)
	defer st.Close()

	// Historical rows count as already delivered.
	var forwarded []int
	require.NoError(t, st.db.Select(&forwarded, `SELECT forwarded FROM records ORDER BY id`))
	require.Equal(t, []int{1, 1}, forwarded)

	// Derived columns apply to old payloads too.
	got, err := st.getRecord(context.Background(), `correlation_id = ?`, "old")
	require.NoError(t, err)
	require.NotNil(t, got.URL)
	assert.Equal(t, "/old", *got.URL)

	// New rows start undelivered.
	r := insertRecord(t, st, "shop", record.SourceAppAgent, "new", 99, fptr(5),
		appPayload(t, "/new", "GET", 200, 5, 0))
	got, err = st.getRecord(context.Background(), `id = ?`, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Forwarded)
}

func TestSearchFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 100, fptr(120),
		appPayload(t, "/checkout/pay", "POST", 200, 120, 0))
	insertRecord(t, st, "shop", record.SourceAppAgent, "c-2", 200, fptr(30),
		appPayload(t, "/home", "GET", 200, 30, 0))
	insertRecord(t, st, "blog", record.SourceDBAgent, "c-3", 300, nil, `{"rows":[]}`)
	insertRecord(t, st, "shop", record.SourceDBAgent, "c-1", 400, fptr(5), `{"rows":[]}`)

	cases := []struct {
		name     string
		q        SearchQuery
		wantCorr []string
		wantTS   []float64
	}{
		{"project", SearchQuery{Project: "shop"}, []string{"c-1", "c-2", "c-1"}, []float64{400, 200, 100}},
		{"source", SearchQuery{Source: record.SourceDBAgent}, []string{"c-1", "c-3"}, []float64{400, 300}},
		{"correlation", SearchQuery{CorrelationID: "c-1"}, []string{"c-1", "c-1"}, []float64{400, 100}},
		{"url substring", SearchQuery{URL: "checkout"}, []string{"c-1"}, []float64{100}},
		{"duration min", SearchQuery{DurationMin: fptr(100)}, []string{"c-1"}, []float64{100}},
		{"duration max", SearchQuery{DurationMax: fptr(10)}, []string{"c-1"}, []float64{400}},
		{"time window", SearchQuery{TimestampStart: fptr(150), TimestampEnd: fptr(350)}, []string{"c-3", "c-2"}, []float64{300, 200}},
		{"cursor", SearchQuery{After: fptr(200)}, []string{"c-1"}, []float64{100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, hasMore, err := st.Search(ctx, tc.q)
			require.NoError(t, err)
			assert.False(t, hasMore)
			require.Len(t, rows, len(tc.wantCorr))
			for i := range rows {
				assert.Equal(t, tc.wantCorr[i], rows[i].CorrelationID)
				assert.Equal(t, tc.wantTS[i], rows[i].Timestamp)
			}
		})
	}
}

func TestSearchCursorWalksEveryRowOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		insertRecord(t, st, "shop", record.SourceAppAgent, "c", float64(i), fptr(1),
			appPayload(t, "/p", "GET", 200, 1, 0))
	}

	seen := map[float64]bool{}
	var after *float64
	pages := 0
	for {
		rows, hasMore, err := st.Search(ctx, SearchQuery{Project: "shop", Limit: 10, After: after})
		require.NoError(t, err)
		pages++
		for i, r := range rows {
			require.False(t, seen[r.Timestamp], "timestamp %v served twice", r.Timestamp)
			seen[r.Timestamp] = true
			if i > 0 {
				require.Less(t, r.Timestamp, rows[i-1].Timestamp)
			}
		}
		if !hasMore {
			require.Len(t, rows, 5)
			break
		}
		require.Len(t, rows, 10)
		last := rows[len(rows)-1].Timestamp
		after = &last
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 25)
}

func TestProjectsSortedAscending(t *testing.T) {
	st := openTestStore(t)

	for _, p := range []string{"zeta", "alpha", "zeta", "mid"} {
		insertRecord(t, st, p, record.SourceAppAgent, "c", 1, fptr(1),
			appPayload(t, "/", "GET", 200, 1, 0))
	}
	got, err := st.Projects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, got)
}

func TestStatsProject(t *testing.T) {
	st := openTestStore(t)

	insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 100, fptr(10),
		appPayload(t, "/a", "GET", 200, 10, 0))
	insertRecord(t, st, "shop", record.SourceAppAgent, "c-2", 300, fptr(30),
		appPayload(t, "/a", "GET", 200, 30, 0))
	insertRecord(t, st, "shop", record.SourceDBAgent, "c-1", 200, nil, `{"rows":[]}`)
	insertRecord(t, st, "other", record.SourceAppAgent, "c-9", 999, fptr(99),
		appPayload(t, "/z", "GET", 200, 99, 0))

	got, err := st.StatsProject(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalRecords)
	assert.Equal(t, map[string]int64{record.SourceAppAgent: 2, record.SourceDBAgent: 1}, got.BySource)
	require.NotNil(t, got.MinTimestamp)
	assert.Equal(t, float64(100), *got.MinTimestamp)
	require.NotNil(t, got.MaxTimestamp)
	assert.Equal(t, float64(300), *got.MaxTimestamp)
	require.NotNil(t, got.AvgDurationMs)
	assert.Equal(t, float64(20), *got.AvgDurationMs)
}

func TestStatsURLPercentiles(t *testing.T) {
	st := openTestStore(t)

	for i := 1; i <= 100; i++ {
		insertRecord(t, st, "shop", record.SourceAppAgent, "c", float64(i), fptr(float64(i)),
			appPayload(t, "/checkout", "GET", 200, float64(i), 0))
	}

	got, err := st.StatsURL(context.Background(), "shop", "/checkout")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Count)
	assert.Equal(t, float64(50), got.P50)
	assert.Equal(t, float64(95), got.P95)
	assert.Equal(t, float64(99), got.P99)
	assert.Equal(t, 50.5, got.AvgDurationMs)
	assert.Equal(t, float64(1), got.MinDurationMs)
	assert.Equal(t, float64(100), got.MaxDurationMs)
}

func TestStatsURLSingleSample(t *testing.T) {
	st := openTestStore(t)

	insertRecord(t, st, "shop", record.SourceAppAgent, "c", 1, fptr(42),
		appPayload(t, "/once", "GET", 200, 42, 0))

	got, err := st.StatsURL(context.Background(), "shop", "/once")
	require.NoError(t, err)
	assert.Equal(t, float64(42), got.P50)
	assert.Equal(t, float64(42), got.P99)
}

func TestStatsURLUnknownIsNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.StatsURL(context.Background(), "shop", "/nowhere")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompareRanksWithinURLCohort(t *testing.T) {
	st := openTestStore(t)

	for i, dur := range []float64{10, 20, 30, 40} {
		insertRecord(t, st, "shop", record.SourceAppAgent, "c-"+string(rune('a'+i)), float64(i), fptr(dur),
			appPayload(t, "/checkout", "GET", 200, dur, 0))
	}

	got, err := st.Compare(context.Background(), "c-b")
	require.NoError(t, err)
	assert.Equal(t, "c-b", got.CorrelationID)
	assert.Equal(t, "/checkout", got.URL)
	assert.Equal(t, float64(20), got.DurationMs)
	assert.Equal(t, float64(25), got.AvgDurationMs)
	assert.Equal(t, int64(4), got.SampleSize)
	// Two of four cohort rows are slower.
	assert.Equal(t, 50, got.PercentileRank)
	assert.Equal(t, 50, got.FasterThanPercent)
}

func TestCompareNotFoundCases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.Compare(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	// A record without a duration cannot be ranked.
	insertRecord(t, st, "shop", record.SourceAppAgent, "no-dur", 1, nil,
		appPayload(t, "/x", "GET", 200, 0, 0))
	_, err = st.Compare(ctx, "no-dur")
	require.ErrorIs(t, err, ErrNotFound)

	// Nor can one whose payload never carried a URL.
	insertRecord(t, st, "shop", record.SourceAppAgent, "no-url", 2, fptr(5), `{"context":{}}`)
	_, err = st.Compare(ctx, "no-url")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCorrelationBundlePartitionsBySource(t *testing.T) {
	st := openTestStore(t)

	insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 100, fptr(50),
		appPayload(t, "/checkout", "POST", 200, 50, 12.5))
	insertRecord(t, st, "shop", record.SourceDBAgent, "c-1", 101, nil,
		`{"sql":{"queries":[],"count":2,"total_duration_ms":7.5}}`)
	insertRecord(t, st, "shop", record.SourceDBAgent, "c-1", 102, nil, `{"rows":[]}`)
	insertRecord(t, st, "shop", "custom_agent", "c-1", 103, nil, `{"note":"x"}`)
	insertRecord(t, st, "shop", record.SourceAppAgent, "c-1", 104, fptr(9),
		appPayload(t, "/retry", "POST", 200, 9, 0))
	insertRecord(t, st, "shop", record.SourceAppAgent, "c-other", 105, fptr(1),
		appPayload(t, "/other", "GET", 200, 1, 0))

	got, err := st.Correlation(context.Background(), "c-1")
	require.NoError(t, err)

	require.NotNil(t, got.PHPRequest)
	assert.Equal(t, float64(100), got.PHPRequest.Timestamp)
	require.Len(t, got.SQLQueries, 2)
	assert.Equal(t, float64(101), got.SQLQueries[0].Timestamp)
	assert.Equal(t, float64(102), got.SQLQueries[1].Timestamp)
	// The repeat app record and the unknown source both land in other.
	require.Len(t, got.OtherRecords, 2)

	assert.Equal(t, 5, got.Summary.TotalRecords)
	assert.Equal(t, 2, got.Summary.AppCount)
	assert.Equal(t, 2, got.Summary.DBCount)
	assert.Equal(t, 20.0, got.Summary.TotalSQLTimeMs)
}

func TestCorrelationUnknownIsNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.Correlation(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingBatchAndMarkForwarded(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		r := insertRecord(t, st, "shop", record.SourceAppAgent, "c", float64(i), fptr(1),
			appPayload(t, "/p", "GET", 200, 1, 0))
		ids = append(ids, r.ID)
	}

	batch, err := st.PendingBatch(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, ids[0], batch[0].ID)
	assert.Equal(t, ids[2], batch[2].ID)

	require.NoError(t, st.MarkForwarded(ctx, ids[0]))
	require.NoError(t, st.MarkForwarded(ctx, ids[1]))

	n, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	batch, err = st.PendingBatch(ctx, ids[2], 100)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[3], batch[0].ID)
	assert.Equal(t, ids[4], batch[1].ID)
}

func TestRetentionSweepDeletesAgedRows(t *testing.T) {
	st := openTestStore(t)
	clk := clock.NewMock()
	clk.Set(time.Now())

	keep := insertRecord(t, st, "shop", record.SourceAppAgent, "fresh", 1, fptr(1),
		appPayload(t, "/p", "GET", 200, 1, 0))
	for _, corr := range []string{"old-1", "old-2"} {
		r := insertRecord(t, st, "shop", record.SourceAppAgent, corr, 1, fptr(1),
			appPayload(t, "/p", "GET", 200, 1, 0))
		_, err := st.db.Exec(`UPDATE records SET created_at = ? WHERE id = ?`,
			clk.Now().Add(-8*24*time.Hour).Unix(), r.ID)
		require.NoError(t, err)
	}

	s := NewSweeper(st, clk)
	s.sweep()

	status := s.Status()
	assert.Equal(t, int64(2), status.LastDeleted)
	assert.False(t, status.LastRun.IsZero())

	require.Equal(t, int64(1), countRows(t, st))
	got, err := st.getRecord(context.Background(), `id = ?`, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.CorrelationID)
}

func TestNextSweepDelay(t *testing.T) {
	base := time.Date(2024, 3, 10, 10, 17, 30, 0, time.UTC)
	assert.Equal(t, 42*time.Minute+30*time.Second, nextSweepDelay(base))

	onTheHour := time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, nextSweepDelay(onTheHour))
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	st := openTestStore(t)
	clk := clock.NewMock()
	clk.Set(time.Now())

	s := NewSweeper(st, clk)
	s.Start()
	defer s.Stop()

	// Age a row only after the boot sweep has already run.
	r := insertRecord(t, st, "shop", record.SourceAppAgent, "c", 1, fptr(1),
		appPayload(t, "/p", "GET", 200, 1, 0))
	_, err := st.db.Exec(`UPDATE records SET created_at = ? WHERE id = ?`,
		clk.Now().Add(-8*24*time.Hour).Unix(), r.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Add(time.Hour)
		var n int64
		if err := st.db.Get(&n, `SELECT COUNT(*) FROM records`); err != nil {
			return false
		}
		return n == 0
	}, 3*time.Second, 20*time.Millisecond)
}
