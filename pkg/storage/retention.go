// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	// retentionAge is how long records are kept.
	retentionAge = 7 * 24 * time.Hour
	// vacuumPages bounds how many freelist pages one sweep returns to the
	// filesystem, so retention never stalls ingest behind a long vacuum.
	vacuumPages = 1000
)

// SweepStatus reports the last retention run for the readiness endpoint.
type SweepStatus struct {
	LastRun     time.Time `json:"last_run"`
	LastDeleted int64     `json:"last_deleted"`
}

// Sweeper deletes expired records once at startup and then at the top of
// every hour.
type Sweeper struct {
	store *Store
	clk   clock.Clock

	stop chan struct{}
	done chan struct{}

	mu          sync.Mutex
	lastRun     time.Time
	lastDeleted int64
}

// NewSweeper builds a sweeper over store. A nil clk means wall clock.
func NewSweeper(store *Store, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		store: store,
		clk:   clk,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs one sweep immediately, then schedules hourly sweeps until
// Stop is called.
func (s *Sweeper) Start() {
	s.sweep()
	go s.loop()
}

// Stop ends the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Status returns when the last sweep ran and how many rows it removed.
func (s *Sweeper) Status() SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweepStatus{LastRun: s.lastRun, LastDeleted: s.lastDeleted}
}

func (s *Sweeper) loop() {
	defer close(s.done)
	for {
		timer := s.clk.Timer(nextSweepDelay(s.clk.Now()))
		select {
		case <-timer.C:
			s.sweep()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// nextSweepDelay returns the wait until the next top of the hour. A call
// exactly on the hour waits a full hour rather than firing again.
func nextSweepDelay(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	cutoff := s.clk.Now().Add(-retentionAge).Unix()

	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Errorf("retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Infof("retention removed %d records older than %s", n, retentionAge)
		if err := s.store.IncrementalVacuum(ctx, vacuumPages); err != nil {
			log.Warnf("incremental vacuum failed: %v", err)
		}
	}

	s.mu.Lock()
	s.lastRun = s.clk.Now()
	s.lastDeleted = n
	s.mu.Unlock()
}
