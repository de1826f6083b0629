// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package agent implements the host daemon. It accepts profiling records
// over a local socket, buffers them in a bounded memory queue with a disk
// spill, and forwards them to the central server through a circuit breaker.
//
// All daemon state (queue, spill directory, breaker, counters) is owned by
// the single goroutine running the event loop. Receivers and the in-flight
// HTTP send communicate with it exclusively through the event channel, so
// no state needs a lock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/reqprof/reqprof/pkg/breaker"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// ErrRestartRequested is returned by Run when a lifecycle limit is reached.
// The process should exit 0 and let the supervisor restart it.
var ErrRestartRequested = errors.New("lifecycle limit reached, restart requested")

const (
	// maxDrainPerCycle bounds how many records one flush tick may forward.
	maxDrainPerCycle = 50

	// eventBacklog absorbs receiver bursts while the loop is busy.
	eventBacklog = 512

	// maxLineBytes caps a single newline-framed record on the stream socket.
	maxLineBytes = 1 << 20
)

type eventKind int

const (
	evRecord eventKind = iota
	evSendDone
	evHealth
)

type event struct {
	kind  eventKind
	data  []byte
	err   error
	reply chan healthSnapshot
}

// Daemon is the host-side buffering process. Create with New, drive with
// Run.
type Daemon struct {
	cfg *Config
	brk *breaker.Breaker
	fwd *forwarder

	events chan event

	// loop-owned state
	queue     [][]byte
	received  int
	sinceGC   int
	inflight  bool
	drainLeft int

	stream net.Listener
	dgram  *net.UnixConn
	health *healthServer
	wg     sync.WaitGroup

	proc  *process.Process
	start time.Time
}

// New builds a daemon from cfg. The breaker state is restored from the
// state directory, so a restart during a central outage stays backed off.
func New(cfg *Config) *Daemon {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warnf("agent: cannot inspect own process, memory limit disabled: %v", err)
		proc = nil
	}
	return &Daemon{
		cfg: cfg,
		brk: breaker.New(breaker.Settings{
			Name:         "agent.central",
			RetryTimeout: cfg.RetryTimeout,
			StatePath:    filepath.Join(cfg.StatePath, "central_breaker.json"),
		}),
		fwd:    newForwarder(cfg.CentralURL, cfg.APIKey),
		events: make(chan event, eventBacklog),
		proc:   proc,
		start:  time.Now(),
	}
}

// Run sets up sockets, replays spilled records and runs the event loop until
// ctx is cancelled or a lifecycle limit fires. It returns
// ErrRestartRequested in the latter case and nil on graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.BufferPath, 0o755); err != nil {
		return fmt.Errorf("cannot create buffer directory %s: %w", d.cfg.BufferPath, err)
	}
	if err := d.startReceivers(); err != nil {
		return err
	}
	if err := d.startHealth(); err != nil {
		d.closeListeners()
		return err
	}
	log.Infof("agent: listening on %s, forwarding to %s", d.cfg.SocketPath, d.cfg.CentralURL)

	d.replaySpills()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("agent: shutdown requested")
			d.shutdown()
			return nil

		case ev := <-d.events:
			switch ev.kind {
			case evRecord:
				if d.admit(ev.data) {
					d.shutdown()
					return ErrRestartRequested
				}
			case evSendDone:
				d.sendDone(ev.data, ev.err)
			case evHealth:
				ev.reply <- d.snapshot()
			}

		case <-ticker.C:
			d.drainLeft = maxDrainPerCycle
			d.maybeSend()
		}
	}
}

// admit counts, garbage-collects, enqueues and checks the lifecycle limits.
// It reports whether the daemon must restart.
func (d *Daemon) admit(data []byte) bool {
	d.received++
	d.sinceGC++
	if d.cfg.GCInterval > 0 && d.sinceGC >= d.cfg.GCInterval {
		d.sinceGC = 0
		runtime.GC()
	}

	d.enqueue(data)

	if d.received >= d.cfg.MaxRequests {
		log.Infof("agent: received %d records, requesting restart", d.received)
		return true
	}
	if rss := d.rssMB(); rss >= d.cfg.MemoryLimitMB {
		log.Infof("agent: resident memory %dMB over the %dMB limit, requesting restart", rss, d.cfg.MemoryLimitMB)
		return true
	}
	return false
}

// enqueue admits one record. At capacity the whole queue is flushed to disk
// first, so admission never blocks and never drops.
func (d *Daemon) enqueue(data []byte) {
	if len(d.queue) >= d.cfg.MemLimit {
		d.spillQueue()
	}
	d.queue = append(d.queue, data)
}

// spillQueue writes the queue to a spill file and empties it. On write
// failure the queue is kept in memory, losing records is worse than
// overshooting the limit.
func (d *Daemon) spillQueue() {
	if len(d.queue) == 0 {
		return
	}
	if err := writeSpill(d.cfg.BufferPath, d.queue); err != nil {
		log.Errorf("agent: cannot spill %d records: %v", len(d.queue), err)
		return
	}
	log.Infof("agent: spilled %d records to disk", len(d.queue))
	d.queue = nil
}

// maybeSend starts one forward if the queue has work, nothing is in flight,
// the cycle budget is not spent and the breaker permits.
func (d *Daemon) maybeSend() {
	if d.inflight || len(d.queue) == 0 || d.drainLeft <= 0 {
		return
	}
	if err := d.brk.Allow(); err != nil {
		return
	}

	data := d.queue[0]
	d.queue = d.queue[1:]
	d.inflight = true
	d.drainLeft--

	go func() {
		err := d.fwd.send(data)
		d.events <- event{kind: evSendDone, data: data, err: err}
	}()
}

// sendDone folds a forward result back into the loop. Failures re-enqueue
// at the head so downstream order is preserved.
func (d *Daemon) sendDone(data []byte, err error) {
	d.inflight = false
	if err != nil {
		log.Warnf("agent: forward failed: %v", err)
		d.brk.Failure()
		d.queue = append([][]byte{data}, d.queue...)
		return
	}
	d.brk.Success()
	d.maybeSend()
}

// shutdown stops accepting, waits briefly for an in-flight send and spills
// whatever is left in memory.
func (d *Daemon) shutdown() {
	d.closeListeners()

	deadline := time.After(6 * time.Second)
	for d.inflight {
		select {
		case ev := <-d.events:
			switch ev.kind {
			case evSendDone:
				d.inflight = false
				if ev.err != nil {
					d.queue = append([][]byte{ev.data}, d.queue...)
				}
			case evRecord:
				d.queue = append(d.queue, ev.data)
			case evHealth:
				ev.reply <- d.snapshot()
			}
		case <-deadline:
			log.Warn("agent: abandoning in-flight forward at shutdown")
			d.inflight = false
		}
	}

drain:
	for {
		select {
		case ev := <-d.events:
			switch ev.kind {
			case evRecord:
				d.queue = append(d.queue, ev.data)
			case evHealth:
				ev.reply <- d.snapshot()
			}
		default:
			break drain
		}
	}

	d.spillQueue()
	d.stopHealth()
	log.Info("agent: stopped")
}

func (d *Daemon) closeListeners() {
	if d.stream != nil {
		d.stream.Close()
	}
	if d.dgram != nil {
		d.dgram.Close()
	}
}

func (d *Daemon) rssMB() int {
	if d.proc == nil {
		return 0
	}
	mi, err := d.proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return int(mi.RSS >> 20)
}

func (d *Daemon) snapshot() healthSnapshot {
	s := healthSnapshot{
		Status:       "ok",
		UptimeS:      time.Since(d.start).Seconds(),
		QueueDepth:   len(d.queue),
		SpillFiles:   d.countSpillFiles(),
		BreakerState: string(d.brk.State()),
		Received:     d.received,
	}
	if t := d.brk.LastFailure(); !t.IsZero() {
		s.LastFailureTS = float64(t.UnixNano()) / 1e9
	}
	return s
}
