// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reqprof/reqprof/pkg/breaker"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	// maxFlushPerCycle bounds how much backlog one collection cycle may
	// replay, so recovery after an outage cannot starve fresh data.
	maxFlushPerCycle = 50

	spillPrefix = "payload_"
)

// errRejected marks a payload the listener refused with a validation error.
// The listener is healthy in that case, only the payload is a lost cause.
var errRejected = errors.New("listener rejected payload")

// envelope is the wire format of POST /ingest/db.
type envelope struct {
	CorrelationID string      `json:"correlation_id"`
	Project       string      `json:"project"`
	Timestamp     float64     `json:"timestamp"`
	Source        string      `json:"source"`
	Data          interface{} `json:"data"`
}

// Transmitter delivers collector payloads to the listener, spilling to disk
// whenever delivery fails or the circuit breaker refuses the call.
type Transmitter struct {
	url       string
	apiKey    string
	project   string
	bufferDir string
	client    *http.Client
	brk       *breaker.Breaker
}

func newTransmitter(cfg Config) (*Transmitter, error) {
	if err := os.MkdirAll(cfg.BufferPath, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}
	return &Transmitter{
		url:       strings.TrimRight(cfg.ListenerURL, "/"),
		apiKey:    cfg.APIKey,
		project:   cfg.Project,
		bufferDir: cfg.BufferPath,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		brk: breaker.New(breaker.Settings{
			Name:             "pgagent.listener",
			FailureThreshold: 5,
			RetryTimeout:     cfg.RetryTimeout,
			StatePath:        filepath.Join(cfg.StatePath, "listener_breaker.json"),
		}),
	}, nil
}

// Send delivers one payload, buffering it on any transport failure. Payloads
// the listener rejects as invalid are dropped, buffering those would poison
// the replay loop.
func (t *Transmitter) Send(ctx context.Context, source, correlationID string, data interface{}) {
	body, err := json.Marshal(envelope{
		CorrelationID: correlationID,
		Project:       t.project,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		Source:        source,
		Data:          data,
	})
	if err != nil {
		log.Errorf("pg-agent: cannot serialize %s payload: %v", source, err)
		return
	}

	if err := t.brk.Allow(); err != nil {
		log.Debugf("pg-agent: circuit open, buffering %s payload", source)
		t.spill(body)
		return
	}
	err = t.post(ctx, body)
	switch {
	case err == nil:
		t.brk.Success()
	case errors.Is(err, errRejected):
		t.brk.Success()
		log.Errorf("pg-agent: dropping %s payload: %v", source, err)
	default:
		t.brk.Failure()
		log.Warnf("pg-agent: cannot deliver %s payload, buffering: %v", source, err)
		t.spill(body)
	}
}

func (t *Transmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/ingest/db", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", errRejected, strings.TrimSpace(string(reply)))
	default:
		return fmt.Errorf("listener returned %s", resp.Status)
	}
}

// spill persists one envelope under a time-ordered name with temp+rename
// atomicity.
func (t *Transmitter) spill(body []byte) {
	tmp, err := os.CreateTemp(t.bufferDir, "payload-*.tmp")
	if err != nil {
		log.Errorf("pg-agent: cannot create buffer file, payload lost: %v", err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(body)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		log.Errorf("pg-agent: cannot write buffer file, payload lost: %v", werr)
		return
	}

	final := filepath.Join(t.bufferDir, fmt.Sprintf("%s%d_%s.json", spillPrefix, time.Now().UnixMicro(), spillNonce()))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		log.Errorf("pg-agent: cannot finalize buffer file, payload lost: %v", err)
	}
}

// FlushSpills re-sends buffered payloads oldest first, stopping at the cycle
// cap, on the first delivery failure, or when the breaker refuses the call.
// Corrupt and rejected files are deleted so they cannot wedge the replay.
func (t *Transmitter) FlushSpills(ctx context.Context) int {
	entries, err := os.ReadDir(t.bufferDir)
	if err != nil {
		log.Warnf("pg-agent: cannot read buffer directory %s: %v", t.bufferDir, err)
		return 0
	}

	sent := 0
	for _, e := range entries {
		if sent >= maxFlushPerCycle {
			break
		}
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, spillPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if t.brk.Allow() != nil {
			break
		}
		path := filepath.Join(t.bufferDir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("pg-agent: cannot read buffered payload %s: %v", path, err)
			continue
		}
		if !json.Valid(body) {
			log.Warnf("pg-agent: deleting corrupt buffered payload %s", path)
			os.Remove(path)
			continue
		}

		err = t.post(ctx, body)
		switch {
		case err == nil:
			t.brk.Success()
			os.Remove(path)
			sent++
		case errors.Is(err, errRejected):
			t.brk.Success()
			log.Warnf("pg-agent: deleting buffered payload %s: %v", path, err)
			os.Remove(path)
		default:
			t.brk.Failure()
			log.Warnf("pg-agent: replay stopped after %d payloads: %v", sent, err)
			if sent > 0 {
				log.Infof("pg-agent: re-sent %d buffered payloads", sent)
			}
			return sent
		}
	}
	if sent > 0 {
		log.Infof("pg-agent: re-sent %d buffered payloads", sent)
	}
	return sent
}

// BreakerState exposes the delivery circuit state for logging.
func (t *Transmitter) BreakerState() breaker.State {
	return t.brk.State()
}

func spillNonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
