// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLine(t *testing.T) {
	t.Run("full prefix with duration and statement", func(t *testing.T) {
		line := "2025-01-02 03:04:05.123 UTC [12345] web@shop LOG:  duration: 532.100 ms  statement: SELECT * FROM orders"
		e, ok := parseLogLine(line)
		require.True(t, ok)
		assert.Equal(t, "2025-01-02 03:04:05.123", e.Timestamp)
		assert.Equal(t, 12345, e.PID)
		assert.Equal(t, "web", e.User)
		assert.Equal(t, "shop", e.Database)
		assert.Equal(t, "LOG", e.Level)
		require.NotNil(t, e.DurationMs)
		assert.Equal(t, 532.1, *e.DurationMs)
		assert.Equal(t, "SELECT * FROM orders", e.Statement)
		assert.Empty(t, e.CorrelationID)
	})

	t.Run("minimal prefix without user info", func(t *testing.T) {
		e, ok := parseLogLine(`2025-01-02 03:04:05 [7] ERROR:  relation "missing" does not exist`)
		require.True(t, ok)
		assert.Equal(t, 7, e.PID)
		assert.Empty(t, e.User)
		assert.Empty(t, e.Database)
		assert.Equal(t, "ERROR", e.Level)
		assert.Equal(t, `relation "missing" does not exist`, e.Message)
		assert.Nil(t, e.DurationMs)
	})

	t.Run("correlation comment in statement", func(t *testing.T) {
		id := "0f1e2d3c-4b5a-4978-8695-a4b3c2d1e0f9"
		line := fmt.Sprintf("2025-01-02 03:04:05 UTC [9] app@shop LOG:  duration: 12.000 ms  statement: /* correlation:%s */ SELECT 1", id)
		e, ok := parseLogLine(line)
		require.True(t, ok)
		assert.Equal(t, id, e.CorrelationID)
		assert.Contains(t, e.Statement, "SELECT 1")
	})

	t.Run("oversized statement is truncated", func(t *testing.T) {
		stmt := "SELECT '" + strings.Repeat("x", 3000) + "'"
		e, ok := parseLogLine("2025-01-02 03:04:05 [9] LOG:  statement: " + stmt)
		require.True(t, ok)
		assert.Len(t, e.Statement, maxStatementChars+len(queryTruncationMark))
		assert.True(t, strings.HasSuffix(e.Statement, queryTruncationMark))
	})

	t.Run("multiline statement keeps embedded newlines", func(t *testing.T) {
		line := "2025-01-02 03:04:05 [9] LOG:  statement: SELECT *\n\tFROM orders\n\tWHERE id = 1"
		e, ok := parseLogLine(line)
		require.True(t, ok)
		assert.Contains(t, e.Statement, "FROM orders")
		assert.Contains(t, e.Statement, "WHERE id = 1")
	})

	t.Run("foreign lines are rejected", func(t *testing.T) {
		for _, line := range []string{"", "not a log line", "LOG: missing timestamp"} {
			_, ok := parseLogLine(line)
			assert.False(t, ok, "line %q", line)
		}
	})
}

func appendToFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTailerSkipsPreexistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postgresql.log")
	appendToFile(t, path, "2025-01-02 03:04:01 [1] LOG:  old entry\n")

	tail := newLogTailer(path)
	entries, err := tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	appendToFile(t, path, "2025-01-02 03:04:02 [1] LOG:  fresh entry\n")
	entries, err = tail.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh entry", entries[0].Message)
}

func TestTailerGroupsMultilineRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postgresql.log")
	appendToFile(t, path, "")

	tail := newLogTailer(path)
	_, err := tail.Poll()
	require.NoError(t, err)

	appendToFile(t, path,
		"2025-01-02 03:04:05.123 UTC [99] app@shop LOG:  duration: 532.100 ms  statement: SELECT *\n"+
			"\tFROM orders\n"+
			"\tWHERE total > 100\n"+
			"2025-01-02 03:04:06.000 UTC [99] app@shop LOG:  checkpoint starting\n")

	entries, err := tail.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].DurationMs)
	assert.Equal(t, 532.1, *entries[0].DurationMs)
	assert.Contains(t, entries[0].Statement, "WHERE total > 100")
	assert.Equal(t, "checkpoint starting", entries[1].Message)
}

func TestTailerFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.log")
	appendToFile(t, path, "2025-01-02 03:04:01 [1] LOG:  before rotation\n")

	tail := newLogTailer(path)
	_, err := tail.Poll()
	require.NoError(t, err)

	require.NoError(t, os.Rename(path, path+".1"))
	appendToFile(t, path, "2025-01-02 03:04:02 [1] LOG:  after rotation\n")

	// One poll notices the rotation, the next reads the replacement from
	// the start.
	var entries []*logEntry
	for i := 0; i < 2 && len(entries) == 0; i++ {
		entries, err = tail.Poll()
		require.NoError(t, err)
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "after rotation", entries[0].Message)
}

func TestTailerFollowsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postgresql.log")
	appendToFile(t, path, "2025-01-02 03:04:01 [1] LOG:  a fairly long entry that pads the offset\n")

	tail := newLogTailer(path)
	_, err := tail.Poll()
	require.NoError(t, err)

	require.NoError(t, os.Truncate(path, 0))
	appendToFile(t, path, "2025-01-02 03:04:02 [1] LOG:  reset\n")

	var entries []*logEntry
	for i := 0; i < 2 && len(entries) == 0; i++ {
		entries, err = tail.Poll()
		require.NoError(t, err)
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "reset", entries[0].Message)
}

func TestTailerMissingFileIsNotAnError(t *testing.T) {
	tail := newLogTailer(filepath.Join(t.TempDir(), "nope.log"))
	entries, err := tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogBatchFlushTriggers(t *testing.T) {
	var b logBatch

	assert.False(t, b.Add(&logEntry{Message: "plain"}))
	assert.Equal(t, 1, b.Len())

	// A correlated entry must ship immediately.
	assert.True(t, b.Add(&logEntry{Message: "slow query", CorrelationID: "abc"}))

	drained := b.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, b.Len())

	// Filling to the cap also triggers a flush.
	full := false
	for i := 0; i < maxLogBatch; i++ {
		full = b.Add(&logEntry{Message: "bulk"})
	}
	assert.True(t, full)
	assert.Len(t, b.Drain(), maxLogBatch)
}
