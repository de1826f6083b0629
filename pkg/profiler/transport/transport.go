// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package transport delivers finished payloads from the in-process collector
// to the host daemon. The fast path is a single datagram on a local socket;
// any failure falls through to a crash-safe disk spill the daemon replays.
package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reqprof/reqprof/pkg/profiler"
	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// MaxDatagramSize is the largest payload sent over the datagram socket.
// Bigger payloads are truncated, then written to disk if still over.
const MaxDatagramSize = 64 << 10

const (
	// truncation ladder for oversize payloads, applied in order
	maxWireFunctionEntries = 50
	maxWireSQLQueries      = 100

	// spill files older than this are removed by the opportunistic cleanup
	maxSpillAge   = time.Hour
	cleanupPeriod = 5 * time.Minute
)

// Sender emits payloads to the daemon's datagram socket and spills them to
// disk when the datagram path fails. It implements profiler.Emitter.
type Sender struct {
	socketPath string
	timeout    time.Duration
	spillDir   string

	mu          sync.Mutex
	lastCleanup time.Time
}

var _ profiler.Emitter = (*Sender)(nil)

// New returns a sender for the daemon at cfg's socket path. The spill
// directory is resolved once, preferring cfg.DiskBufferPath.
func New(cfg *profiler.Config) *Sender {
	if cfg == nil {
		cfg = profiler.DefaultConfig()
	}
	return &Sender{
		socketPath: cfg.ListenerSocketPath + ".dgram",
		timeout:    cfg.ListenerTimeout,
		spillDir:   resolveSpillDir(cfg.DiskBufferPath),
	}
}

// Emit serializes and sends one payload. It never blocks past the configured
// send timeout and never lets a failure reach the caller.
func (s *Sender) Emit(p *record.Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("transport: recovered panic while emitting: %v", rec)
		}
	}()
	if p == nil {
		return
	}

	data, err := p.Marshal()
	if err != nil {
		log.Errorf("transport: cannot serialize payload %s: %v", p.CorrelationID, err)
		return
	}

	if len(data) > MaxDatagramSize {
		if p.TruncateFunctions(maxWireFunctionEntries) {
			if data, err = p.Marshal(); err != nil {
				log.Errorf("transport: cannot serialize payload %s: %v", p.CorrelationID, err)
				return
			}
		}
		if len(data) > MaxDatagramSize && p.TruncateSQL(maxWireSQLQueries) {
			if data, err = p.Marshal(); err != nil {
				log.Errorf("transport: cannot serialize payload %s: %v", p.CorrelationID, err)
				return
			}
		}
		if len(data) > MaxDatagramSize {
			log.Debugf("transport: payload %s is %d bytes after truncation, writing to disk", p.CorrelationID, len(data))
			s.spill(data)
			return
		}
	}

	if err := s.send(data); err != nil {
		log.Debugf("transport: datagram send failed, spilling to disk: %v", err)
		s.spill(data)
	}
}

// send writes one datagram under the configured deadline.
func (s *Sender) send(data []byte) error {
	start := time.Now()
	conn, err := net.DialTimeout("unixgram", s.socketPath, s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(start.Add(s.timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}

	if elapsed := time.Since(start); elapsed > s.timeout*4/5 {
		log.Warnf("transport: datagram send took %s of a %s budget", elapsed, s.timeout)
	}
	return nil
}

// spill writes data to a fresh temporary file and renames it into place, so
// a crash can never leave a partial record behind.
func (s *Sender) spill(data []byte) {
	dir := s.spillDir
	if dir == "" {
		log.Errorf("transport: no writable spill directory, dropping payload")
		return
	}

	tmp, err := os.CreateTemp(dir, "profile-*.tmp")
	if err != nil {
		log.Errorf("transport: cannot create spill file in %s: %v", dir, err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		log.Errorf("transport: cannot write spill file %s: %v", tmpName, werr)
		return
	}

	final := filepath.Join(dir, fmt.Sprintf("profile_%d_%s.json", time.Now().UnixMicro(), nonce()))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		log.Errorf("transport: cannot finalize spill file: %v", err)
		return
	}
	log.Debugf("transport: spilled payload to %s", final)

	s.maybeCleanup(dir)
}

// maybeCleanup removes spill files older than maxSpillAge. It is rate
// limited so a spill burst does not rescan the directory every time.
func (s *Sender) maybeCleanup(dir string) {
	s.mu.Lock()
	if time.Since(s.lastCleanup) < cleanupPeriod {
		s.mu.Unlock()
		return
	}
	s.lastCleanup = time.Now()
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxSpillAge)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "profile_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			log.Debugf("transport: removed stale spill file %s", name)
		}
	}
}

// resolveSpillDir returns the first writable candidate directory, creating
// it when needed. Empty string means nowhere to spill.
func resolveSpillDir(preferred string) string {
	candidates := make([]string, 0, 3)
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), "apm-buffer"), os.TempDir())

	for _, dir := range candidates {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		if isWritable(dir) {
			return dir
		}
	}
	return ""
}

func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".reqprof-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func nonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
