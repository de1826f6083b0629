// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package breaker implements the three-state circuit breaker guarding every
// remote call in the pipeline. A breaker trips on consecutive failures or on
// a failure rate over a minimum volume, waits out a retry timeout, then lets
// a single probe through. State survives process restarts through an atomic
// JSON file, so a restart during an upstream outage does not turn into a
// retry storm.
package breaker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// State is one of the three breaker states.
type State string

// Breaker states. The string values are part of the persisted file format
// and of the health endpoint output.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker refuses a call. Callers must not
// retry in-line; the protected operation stays owed to its queue.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures a breaker. FailureRate > 0 selects rate mode over a
// window of MinVolume outcomes; otherwise FailureThreshold consecutive
// failures trip the breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	FailureRate      float64
	MinVolume        int
	RetryTimeout     time.Duration
	StatePath        string
	Clock            clock.Clock
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name         string
	threshold    int
	rate         float64
	retryTimeout time.Duration
	statePath    string
	clk          clock.Clock

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool

	// rate mode ring of outcomes, true marks a failure
	window     []bool
	windowPos  int
	windowN    int
	windowFail int
}

// persistedState is the on-disk format. Timestamps are unix seconds with a
// fractional part, zero when unset.
type persistedState struct {
	State           State   `json:"state"`
	FailureCount    int     `json:"failure_count"`
	LastFailureTime float64 `json:"last_failure_time"`
	OpenedAt        float64 `json:"opened_at"`
}

// New returns a breaker in the closed state, or in whatever state the file
// at Settings.StatePath recorded before the last shutdown.
func New(s Settings) *Breaker {
	if s.Name == "" {
		s.Name = "breaker"
	}
	if s.FailureThreshold <= 0 && s.FailureRate <= 0 {
		s.FailureThreshold = 5
	}
	if s.FailureRate > 0 && s.MinVolume <= 0 {
		s.MinVolume = 5
	}
	if s.RetryTimeout <= 0 {
		s.RetryTimeout = 60 * time.Second
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}

	b := &Breaker{
		name:         s.Name,
		threshold:    s.FailureThreshold,
		rate:         s.FailureRate,
		retryTimeout: s.RetryTimeout,
		statePath:    s.StatePath,
		clk:          s.Clock,
		state:        Closed,
	}
	if b.rate > 0 {
		b.window = make([]bool, s.MinVolume)
	}
	if b.statePath != "" {
		if err := os.MkdirAll(filepath.Dir(b.statePath), 0o755); err != nil {
			log.Warnf("%s: cannot create state directory: %v", b.name, err)
		}
		b.load()
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the retry timeout has elapsed and grants exactly one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.clk.Now().Sub(b.openedAt) > b.retryTimeout {
			b.setState(HalfOpen)
			b.probing = true
			return nil
		}
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.failures = 0
		b.resetWindow()
		b.setState(Closed)
	case Closed:
		if b.rate > 0 {
			b.observe(false)
			return
		}
		if b.failures != 0 {
			b.failures = 0
			b.persist()
		}
	}
}

// Failure records a failed call, tripping the breaker when the configured
// limit is reached. A failed half-open probe reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clk.Now()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.openedAt = b.lastFailure
		b.setState(Open)
	case Closed:
		b.failures++
		if b.rate > 0 {
			b.observe(true)
			if b.tripped() {
				b.openedAt = b.lastFailure
				b.resetWindow()
				b.setState(Open)
				return
			}
		} else if b.failures >= b.threshold {
			b.openedAt = b.lastFailure
			b.setState(Open)
			return
		}
		b.persist()
	}
}

// Do runs fn through the breaker, recording its outcome. It returns ErrOpen
// without invoking fn when the breaker refuses the call.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the failures recorded since the last reset.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent recorded failure, zero
// when none has been seen.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

func (b *Breaker) observe(fail bool) {
	if len(b.window) == 0 {
		return
	}
	if b.windowN == len(b.window) {
		if b.window[b.windowPos] {
			b.windowFail--
		}
	} else {
		b.windowN++
	}
	b.window[b.windowPos] = fail
	if fail {
		b.windowFail++
	}
	b.windowPos = (b.windowPos + 1) % len(b.window)
}

// tripped reports whether the rate window is full and over the limit.
func (b *Breaker) tripped() bool {
	return b.windowN == len(b.window) &&
		float64(b.windowFail) >= b.rate*float64(len(b.window))
}

func (b *Breaker) resetWindow() {
	b.windowPos = 0
	b.windowN = 0
	b.windowFail = 0
}

// setState changes state, logs the transition and persists it. The caller
// holds the lock.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	old := b.state
	b.state = s
	log.Infof("%s: circuit %s -> %s", b.name, old, s)
	b.persist()
}

// persist writes the state file with temp+rename atomicity. Failures are
// logged and swallowed, a broken disk must not take the breaker down.
func (b *Breaker) persist() {
	if b.statePath == "" {
		return
	}
	data, err := json.Marshal(persistedState{
		State:           b.state,
		FailureCount:    b.failures,
		LastFailureTime: unixFloat(b.lastFailure),
		OpenedAt:        unixFloat(b.openedAt),
	})
	if err != nil {
		log.Warnf("%s: cannot serialize state: %v", b.name, err)
		return
	}

	dir := filepath.Dir(b.statePath)
	tmp, err := os.CreateTemp(dir, ".breaker-*.tmp")
	if err != nil {
		log.Warnf("%s: cannot create state file in %s: %v", b.name, dir, err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpName, b.statePath)
	}
	if werr != nil {
		os.Remove(tmpName)
		log.Warnf("%s: cannot persist state: %v", b.name, werr)
	}
}

// load restores state from disk. Missing or corrupt files leave the breaker
// closed.
func (b *Breaker) load() {
	data, err := os.ReadFile(b.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("%s: cannot read state file: %v", b.name, err)
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warnf("%s: discarding corrupt state file %s: %v", b.name, b.statePath, err)
		return
	}
	switch st.State {
	case Closed, Open, HalfOpen:
	default:
		log.Warnf("%s: discarding state file with unknown state %q", b.name, st.State)
		return
	}

	b.failures = st.FailureCount
	b.lastFailure = fromUnixFloat(st.LastFailureTime)
	b.openedAt = fromUnixFloat(st.OpenedAt)
	b.state = st.State
	if b.state == HalfOpen {
		// a probe that never reported counts as failed
		b.state = Open
	}
	log.Infof("%s: restored %s state from %s", b.name, b.state, b.statePath)
}

func unixFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixFloat(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
