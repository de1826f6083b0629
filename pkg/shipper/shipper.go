// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package shipper mirrors stored records to a Graylog TCP input as GELF
// documents. Delivery is best effort on the live path: a record that cannot
// be shipped keeps forwarded = 0 in the store, and the replay worker picks
// it up once the aggregator is reachable again.
package shipper

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/reqprof/reqprof/pkg/breaker"
	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	connectTimeout  = 5 * time.Second
	writeTimeout    = 5 * time.Second
	queueSize       = 512
	replayBatchSize = 100
	// interBatchDelay paces replay so a large backlog does not starve live
	// traffic on the Graylog input.
	interBatchDelay = 100 * time.Millisecond
	replayInterval  = time.Minute
)

// Config selects the Graylog target. Enabled false yields an inert shipper.
type Config struct {
	Enabled   bool
	Host      string
	Port      int
	Facility  string
	StatePath string
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// recordStore is the slice of the storage API the shipper needs.
type recordStore interface {
	MarkForwarded(ctx context.Context, id int64) error
	PendingBatch(ctx context.Context, afterID int64, limit int) ([]record.Record, error)
}

// Status reports the shipper for the readiness endpoint.
type Status struct {
	Enabled      bool   `json:"enabled"`
	BreakerState string `json:"breaker_state"`
	QueueDepth   int    `json:"queue_depth"`
}

// Shipper forwards records over one shared TCP connection. Send order is
// serialized; GELF has no acknowledgement, so a write error is the only
// failure signal and it costs the connection.
type Shipper struct {
	cfg   Config
	store recordStore
	brk   *breaker.Breaker

	queue chan record.Record
	stop  chan struct{}
	wg    sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

// New builds a shipper. The breaker trips when half the recent sends fail
// and its state survives restarts via cfg.StatePath.
func New(cfg Config, store recordStore) *Shipper {
	return &Shipper{
		cfg:   cfg,
		store: store,
		brk: breaker.New(breaker.Settings{
			Name:         "shipper.graylog",
			FailureRate:  0.5,
			MinVolume:    5,
			RetryTimeout: 60 * time.Second,
			StatePath:    cfg.StatePath,
		}),
		queue: make(chan record.Record, queueSize),
		stop:  make(chan struct{}),
	}
}

// Start launches the live worker and the replay worker. A disabled shipper
// starts nothing.
func (s *Shipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(2)
	go s.liveWorker()
	go s.replayWorker()
	log.Infof("graylog shipper started, target %s", s.cfg.Addr())
}

// Stop ends both workers and closes the connection.
func (s *Shipper) Stop() {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.closeConn()
}

// ForwardAsync schedules one record for delivery. It never blocks the
// caller: with the queue full the record is skipped and left to replay.
func (s *Shipper) ForwardAsync(rec record.Record) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.queue <- rec:
	default:
		log.Debugf("shipper queue full, leaving record %d to replay", rec.ID)
	}
}

// Enabled reports whether shipping is configured.
func (s *Shipper) Enabled() bool { return s.cfg.Enabled }

// Status snapshots the shipper for /ready.
func (s *Shipper) Status() Status {
	return Status{
		Enabled:      s.cfg.Enabled,
		BreakerState: string(s.brk.State()),
		QueueDepth:   len(s.queue),
	}
}

func (s *Shipper) liveWorker() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			if err := s.ship(&rec); err != nil {
				log.Debugf("live ship of record %d failed: %v", rec.ID, err)
				continue
			}
			s.markForwarded(rec.ID)
		case <-s.stop:
			return
		}
	}
}

func (s *Shipper) replayWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	s.replayPass()
	for {
		select {
		case <-ticker.C:
			s.replayPass()
		case <-s.stop:
			return
		}
	}
}

// replayPass walks unforwarded rows in id order, batch by batch, until the
// backlog is drained or the breaker refuses. Rows that fail to send keep
// forwarded = 0 and are retried on the next pass.
func (s *Shipper) replayPass() {
	ctx := context.Background()
	var afterID int64
	shipped := 0

	for {
		if s.brk.Allow() != nil {
			break
		}
		batch, err := s.store.PendingBatch(ctx, afterID, replayBatchSize)
		if err != nil {
			log.Errorf("replay query failed: %v", err)
			return
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			if err := s.ship(rec); err != nil {
				log.Debugf("replay ship of record %d failed: %v", rec.ID, err)
				continue
			}
			s.markForwarded(rec.ID)
			shipped++
		}
		afterID = batch[len(batch)-1].ID
		if len(batch) < replayBatchSize {
			break
		}
		select {
		case <-time.After(interBatchDelay):
		case <-s.stop:
			return
		}
	}
	if shipped > 0 {
		log.Infof("replayed %d records to graylog", shipped)
	}
}

// ship frames and writes one record, recording the outcome on the breaker.
func (s *Shipper) ship(rec *record.Record) error {
	if err := s.brk.Allow(); err != nil {
		return err
	}
	data, err := Frame(Message(rec, s.cfg.Facility))
	if err != nil {
		// A record that cannot be serialized will never succeed; do not
		// charge the breaker for it.
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	if conn == nil {
		conn, err = net.DialTimeout("tcp", s.cfg.Addr(), connectTimeout)
		if err != nil {
			s.brk.Failure()
			return fmt.Errorf("cannot reach graylog at %s: %w", s.cfg.Addr(), err)
		}
		s.conn = conn
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		s.conn = nil
		s.brk.Failure()
		return fmt.Errorf("graylog write failed: %w", err)
	}
	s.brk.Success()
	return nil
}

func (s *Shipper) markForwarded(id int64) {
	if err := s.store.MarkForwarded(context.Background(), id); err != nil {
		log.Warnf("cannot mark record %d forwarded: %v", id, err)
	}
}

func (s *Shipper) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
