// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package breaker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(time.Unix(1700000000, 0))
	return m
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "test", FailureThreshold: 3})

	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State())

	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsConsecutiveCounter(t *testing.T) {
	b := New(Settings{Name: "test", FailureThreshold: 3})

	b.Failure()
	b.Failure()
	b.Success()
	assert.Zero(t, b.FailureCount())

	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State())
	b.Failure()
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clk := newMockClock()
	b := New(Settings{Name: "test", FailureThreshold: 1, RetryTimeout: time.Minute, Clock: clk})

	b.Failure()
	require.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clk.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
	// only one probe at a time
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	b.Success()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.FailureCount())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clk := newMockClock()
	b := New(Settings{Name: "test", FailureThreshold: 1, RetryTimeout: time.Minute, Clock: clk})

	b.Failure()
	clk.Add(61 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	// the reopen re-stamps the timestamp, a second wait earns a new probe
	clk.Add(61 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestRateModeNeedsMinimumVolume(t *testing.T) {
	b := New(Settings{Name: "test", FailureRate: 0.5, MinVolume: 5})

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, Closed, b.State())

	b.Failure()
	assert.Equal(t, Open, b.State())
}

func TestRateModeOpensOverThreshold(t *testing.T) {
	b := New(Settings{Name: "test", FailureRate: 0.5, MinVolume: 5})

	outcomes := []bool{true, false, true, false} // 2 of 4 failed
	for _, fail := range outcomes {
		if fail {
			b.Failure()
		} else {
			b.Success()
		}
	}
	assert.Equal(t, Closed, b.State())

	b.Failure() // 3 of 5
	assert.Equal(t, Open, b.State())
}

func TestRateModeStaysClosedUnderThreshold(t *testing.T) {
	b := New(Settings{Name: "test", FailureRate: 0.5, MinVolume: 5})

	for i := 0; i < 4; i++ {
		b.Success()
	}
	b.Failure() // 1 of 5
	assert.Equal(t, Closed, b.State())
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "central.json")
	b := New(Settings{Name: "test", FailureThreshold: 5, StatePath: path})

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, Open, b.State())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, "open", st["state"])
	assert.EqualValues(t, 5, st["failure_count"])
	assert.Greater(t, st["opened_at"], float64(0))
	assert.Greater(t, st["last_failure_time"], float64(0))

	// a fresh process inside the retry window reads open on first query
	b2 := New(Settings{Name: "test", FailureThreshold: 5, StatePath: path})
	assert.Equal(t, Open, b2.State())
	assert.ErrorIs(t, b2.Allow(), ErrOpen)
}

func TestExpiredPersistedStateEarnsProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "central.json")
	openedAt := float64(time.Now().Add(-2*time.Minute).UnixNano()) / 1e9
	st := persistedState{State: Open, FailureCount: 5, LastFailureTime: openedAt, OpenedAt: openedAt}
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	b := New(Settings{Name: "test", FailureThreshold: 5, RetryTimeout: time.Minute, StatePath: path})
	require.Equal(t, Open, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestCorruptStateFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "central.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	b := New(Settings{Name: "test", StatePath: path})
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Allow())
}

func TestDoRecordsOutcomes(t *testing.T) {
	b := New(Settings{Name: "test", FailureThreshold: 1})

	sendErr := errors.New("refused")
	err := b.Do(func() error { return sendErr })
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, Open, b.State())

	called := false
	err = b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestHalfOpenPersistedAsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "central.json")
	clk := newMockClock()
	b := New(Settings{Name: "test", FailureThreshold: 1, RetryTimeout: time.Minute, StatePath: path, Clock: clk})

	b.Failure()
	clk.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	// a restart mid-probe must not sneak past the breaker
	b2 := New(Settings{Name: "test", FailureThreshold: 1, RetryTimeout: time.Minute, StatePath: path})
	assert.Equal(t, Open, b2.State())
}
