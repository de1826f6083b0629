// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pgagent implements the database-side agent. It samples
// pg_stat_activity, pg_stat_statements and host metrics on a fixed interval,
// tails the PostgreSQL log, and ships everything to the listener's db ingest
// endpoint with disk buffering across outages.
package pgagent

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const logPollInterval = 250 * time.Millisecond

// Agent owns the connection pool, the collectors and the delivery path.
type Agent struct {
	cfg        Config
	pool       *pgxpool.Pool
	collectors []Collector
	tx         *Transmitter
	tailer     *logTailer
	batch      logBatch
}

// New wires an agent from its configuration. The database is probed but an
// unreachable database is not fatal, collection retries every cycle.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tx, err := newTransmitter(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		log.Warnf("pg-agent: database not reachable yet: %v", err)
	}

	a := &Agent{
		cfg:  cfg,
		pool: pool,
		tx:   tx,
		collectors: []Collector{
			&activityCollector{pool: pool},
			&statementsCollector{pool: pool},
			newSystemCollector(),
		},
	}
	if cfg.LogPath != "" {
		a.tailer = newLogTailer(cfg.LogPath)
	}
	return a, nil
}

// Run executes collection cycles until ctx is cancelled, then drains the log
// batch and closes the pool.
func (a *Agent) Run(ctx context.Context) error {
	log.Infof("pg-agent: monitoring %s:%d/%s for project %q every %s",
		a.cfg.DBHost, a.cfg.DBPort, a.cfg.DBName, a.cfg.Project, a.cfg.CollectionInterval)

	var wg sync.WaitGroup
	if a.tailer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.tailLoop(ctx)
		}()
	}

	ticker := time.NewTicker(a.cfg.CollectionInterval)
	defer ticker.Stop()

	a.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			// The parent context is gone, the final drain gets its own.
			// The HTTP client timeout still bounds it.
			a.shipLogs(context.Background())
			a.pool.Close()
			log.Infof("pg-agent: stopped")
			return nil
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle runs every collector once. A failing collector is logged and skipped,
// one broken probe must not silence the others.
func (a *Agent) cycle(ctx context.Context) {
	for _, c := range a.collectors {
		payload, err := c.Collect(ctx)
		if err != nil {
			log.Errorf("pg-agent: %s collection failed: %v", c.Source(), err)
			continue
		}
		if emptyStatements(c.Source(), payload) {
			continue
		}
		a.tx.Send(ctx, c.Source(), "", payload)
	}
	a.shipLogs(ctx)
	a.tx.FlushSpills(ctx)
}

// emptyStatements reports whether a statements payload carries nothing worth
// shipping. Activity payloads always ship, they carry the lock picture.
func emptyStatements(source string, payload map[string]interface{}) bool {
	if source != record.DBSourceStatStatements {
		return false
	}
	n, _ := payload["count"].(int)
	return n == 0
}

func (a *Agent) tailLoop(ctx context.Context) {
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := a.tailer.Poll()
			if err != nil {
				log.Warnf("pg-agent: log tail: %v", err)
				continue
			}
			flush := false
			for _, e := range entries {
				if a.batch.Add(e) {
					flush = true
				}
			}
			if flush {
				a.shipLogs(ctx)
			}
		}
	}
}

// shipLogs drains the batch into one pg_log payload. The envelope correlation
// is the first one found among the entries, so an early flush triggered by a
// correlated statement lands next to its application-side profile.
func (a *Agent) shipLogs(ctx context.Context) {
	entries := a.batch.Drain()
	if len(entries) == 0 {
		return
	}
	correlationID := ""
	for _, e := range entries {
		if e.CorrelationID != "" {
			correlationID = e.CorrelationID
			break
		}
	}
	a.tx.Send(ctx, record.DBSourceLog, correlationID, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
