// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqprof/reqprof/pkg/breaker"
)

func testTransmitConfig(t *testing.T, url string) Config {
	t.Helper()
	return Config{
		ListenerURL:    url,
		APIKey:         "key-shop",
		Project:        "shop",
		BufferPath:     t.TempDir(),
		StatePath:      t.TempDir(),
		RequestTimeout: 2 * time.Second,
		RetryTimeout:   time.Minute,
	}
}

func spillFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), spillPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestSendPostsEnvelope(t *testing.T) {
	var (
		mu   sync.Mutex
		got  envelope
		path string
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)

	tx.Send(context.Background(), "pg_stat_activity", "", map[string]interface{}{"count": 2})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/ingest/db", path)
	assert.Equal(t, "Bearer key-shop", auth)
	assert.Equal(t, "shop", got.Project)
	assert.Equal(t, "pg_stat_activity", got.Source)
	assert.Greater(t, got.Timestamp, 0.0)
	data, ok := got.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2.0, data["count"])

	assert.Empty(t, spillFiles(t, tx.bufferDir))
	assert.Equal(t, breaker.Closed, tx.BreakerState())
}

func TestSendBuffersOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)

	tx.Send(context.Background(), "system_metrics", "", map[string]interface{}{"cpu": 1})

	files := spillFiles(t, tx.bufferDir)
	require.Len(t, files, 1)
	body, err := os.ReadFile(filepath.Join(tx.bufferDir, files[0]))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "system_metrics", env.Source)
	assert.Equal(t, breaker.Closed, tx.BreakerState())
}

func TestSendDropsRejectedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"validation failed"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)

	tx.Send(context.Background(), "pg_log", "", map[string]interface{}{"count": 0})

	assert.Empty(t, spillFiles(t, tx.bufferDir))
	assert.Equal(t, breaker.Closed, tx.BreakerState())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	// Connection refused, nothing listens on port 1.
	cfg := testTransmitConfig(t, "http://127.0.0.1:1")
	cfg.RequestTimeout = 500 * time.Millisecond
	tx, err := newTransmitter(cfg)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		tx.Send(context.Background(), "system_metrics", "", map[string]interface{}{"n": i})
	}

	assert.Equal(t, breaker.Open, tx.BreakerState())
	assert.Len(t, spillFiles(t, tx.bufferDir), 6)

	// The breaker state survives in its file.
	raw, err := os.ReadFile(filepath.Join(cfg.StatePath, "listener_breaker.json"))
	require.NoError(t, err)
	var persisted map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, "open", persisted["state"])
}

func seedSpill(t *testing.T, dir string, seq int) {
	t.Helper()
	body := fmt.Sprintf(`{"correlation_id":"","project":"shop","timestamp":1,"source":"pg_log","data":{"seq":%d}}`, seq)
	name := fmt.Sprintf("%s%d_%04x.json", spillPrefix, time.Now().UnixMicro()+int64(seq), seq)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestFlushSpillsOldestFirstWithCycleCap(t *testing.T) {
	var (
		mu   sync.Mutex
		seqs []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Data struct {
				Seq int `json:"seq"`
			} `json:"data"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		seqs = append(seqs, env.Data.Seq)
		mu.Unlock()
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)
	for i := 0; i < maxFlushPerCycle+3; i++ {
		seedSpill(t, tx.bufferDir, i)
	}

	sent := tx.FlushSpills(context.Background())
	assert.Equal(t, maxFlushPerCycle, sent)
	assert.Len(t, spillFiles(t, tx.bufferDir), 3)

	mu.Lock()
	require.Len(t, seqs, maxFlushPerCycle)
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}
	mu.Unlock()

	// The next cycle drains the remainder.
	assert.Equal(t, 3, tx.FlushSpills(context.Background()))
	assert.Empty(t, spillFiles(t, tx.bufferDir))
}

func TestFlushSpillsDeletesCorruptAndRejectedFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"reject":true`) {
			http.Error(w, `{"error":"validation failed"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(
		filepath.Join(tx.bufferDir, spillPrefix+"1_corrupt.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(tx.bufferDir, spillPrefix+"2_rejected.json"),
		[]byte(`{"project":"shop","timestamp":1,"source":"pg_log","data":{"reject":true}}`), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(tx.bufferDir, spillPrefix+"3_good.json"),
		[]byte(`{"project":"shop","timestamp":1,"source":"pg_log","data":{"count":1}}`), 0o644))

	sent := tx.FlushSpills(context.Background())
	assert.Equal(t, 1, sent)
	assert.Empty(t, spillFiles(t, tx.bufferDir))
	assert.Equal(t, breaker.Closed, tx.BreakerState())
}

func TestFlushSpillsStopsOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tx, err := newTransmitter(testTransmitConfig(t, srv.URL))
	require.NoError(t, err)
	seedSpill(t, tx.bufferDir, 0)
	seedSpill(t, tx.bufferDir, 1)

	sent := tx.FlushSpills(context.Background())
	assert.Equal(t, 0, sent)
	assert.Len(t, spillFiles(t, tx.bufferDir), 2)
}
