// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package profiler is the in-process collector. It captures one request's
// worth of profiling detail (timing, SQL, function summary, metadata) and
// hands it to a transport at request end. Nothing in this package may ever
// block, fail or panic into the host request: every outward-facing path is
// wrapped in a failure sink that logs and swallows.
package profiler

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/reqprof/reqprof/pkg/correlation"
	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// maxSQLQueries is the hard cap of captured statements per request. Excess
// statements are dropped and flagged in the payload summary.
const maxSQLQueries = 500

// hotspotShare is the minimum share of request wall time for a function to
// be listed as a hotspot.
const hotspotShare = 0.05

// maxFunctionEntries bounds the function summary at build time. The local
// transport may truncate it further to fit the datagram budget.
const maxFunctionEntries = 100

// Emitter delivers a finished payload off the request path. Implementations
// must be non-blocking within their configured deadline.
type Emitter interface {
	Emit(p *record.Payload)
}

// FunctionProfiler abstracts an optional call-graph profiler capability. A
// nil profiler disables function profiling cleanly.
type FunctionProfiler interface {
	Start() error
	Stop()
	Snapshot() []record.FunctionEntry
}

// SQLAfterEvent describes one finished statement, reported by the host's
// database layer.
type SQLAfterEvent struct {
	Query      string
	Duration   time.Duration
	Connection string
	Err        error
}

// SQLEventListener receives before/after query events. OnBefore returns the
// statement text to run, which may carry a prepended correlation comment.
type SQLEventListener interface {
	OnBefore(query string) string
	OnAfter(ev SQLAfterEvent)
}

// SQLEventSource is the contract the host's database layer implements so the
// collector can observe queries without naming any concrete library.
type SQLEventSource interface {
	Subscribe(l SQLEventListener)
}

// Profiler is the per-process collector handle. One instance serves all
// requests; per-request state lives on the Request object.
type Profiler struct {
	cfg       *Config
	emitter   Emitter
	fpFactory func() FunctionProfiler
	hostname  string
}

// New returns a collector using cfg and delivering payloads through emitter.
func New(cfg *Config, emitter Emitter) *Profiler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	hostname, _ := os.Hostname()
	return &Profiler{
		cfg:      cfg,
		emitter:  emitter,
		hostname: hostname,
	}
}

// SetFunctionProfiler installs a factory producing a per-request call-graph
// profiler. Absence of the capability disables function profiling silently.
func (p *Profiler) SetFunctionProfiler(f func() FunctionProfiler) {
	p.fpFactory = f
}

// RequestMeta is what the host knows about the inbound request at start.
type RequestMeta struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]interface{}
	Form    map[string]interface{}
}

// Request tracks one host request from start to end.
type Request struct {
	p  *Profiler
	id string

	disabled bool

	start   time.Time
	startTs float64
	meta    RequestMeta

	fp  FunctionProfiler
	sql *sqlCollector

	mu    sync.Mutex
	resp  *record.ResponseInfo
	ctx   map[string]interface{}
	fatal *record.FatalError
	ended bool
}

// StartRequest assigns a correlation ID, starts the wall-clock timer and the
// function profiler when available. When profiling is disabled it returns an
// inert request whose methods are all no-ops.
func (p *Profiler) StartRequest(meta RequestMeta) *Request {
	if p == nil || p.cfg == nil || !p.cfg.ProfilingEnabled || p.emitter == nil {
		return &Request{disabled: true}
	}

	now := time.Now()
	r := &Request{
		p:       p,
		id:      correlation.NewID(),
		start:   now,
		startTs: float64(now.UnixNano()) / 1e9,
		meta:    meta,
	}

	if p.cfg.SQLCaptureEnabled {
		r.sql = &sqlCollector{
			comment:    correlation.FormatComment(r.id),
			redact:     p.cfg.SQLRedactSensitive,
			stackLimit: p.cfg.SQLStackTraceLimit,
		}
	}

	if p.cfg.FunctionProfilingEnabled && p.fpFactory != nil {
		fp := p.fpFactory()
		if fp != nil {
			if err := fp.Start(); err != nil {
				// the capability is unavailable, continue without it
				log.Debugf("profiler: function profiler unavailable: %v", err)
			} else {
				r.fp = fp
			}
		}
	}

	return r
}

// CorrelationID returns the request's correlation identifier. Empty for
// inert requests.
func (r *Request) CorrelationID() string {
	if r == nil || r.disabled {
		return ""
	}
	return r.id
}

// SQLComment returns the comment to prepend to statements issued by this
// request.
func (r *Request) SQLComment() string {
	if r == nil || r.disabled {
		return ""
	}
	return correlation.FormatComment(r.id)
}

// AppName returns the value to set as the database connection's
// application_name for database-side correlation.
func (r *Request) AppName() string {
	if r == nil || r.disabled {
		return ""
	}
	return correlation.AppName(r.id)
}

// SQLListener exposes the request's query listener. It is always non-nil and
// inert when SQL capture is off.
func (r *Request) SQLListener() SQLEventListener {
	if r == nil || r.disabled || r.sql == nil {
		return noopListener{}
	}
	return r.sql
}

// AttachSQL subscribes the request's listener to the host's database layer.
func (r *Request) AttachSQL(src SQLEventSource) {
	if r == nil || src == nil {
		return
	}
	src.Subscribe(r.SQLListener())
}

// SetContext records a custom context value carried in the payload.
func (r *Request) SetContext(key string, value interface{}) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		r.ctx = make(map[string]interface{})
	}
	r.ctx[key] = value
}

// SetResponse records the host response status and headers.
func (r *Request) SetResponse(status int, headers map[string]string) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resp = &record.ResponseInfo{Status: status, Headers: headers}
}

// SetFatal records a fatal error that ended the request.
func (r *Request) SetFatal(f record.FatalError) {
	if r == nil || r.disabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = &f
}

// End finishes the request. Below the configured threshold the whole capture
// is discarded; otherwise a payload is built and emitted. Any failure in
// here is logged out-of-band and swallowed: the host request has already
// been served and must never observe the collector.
func (r *Request) End() {
	if r == nil || r.disabled {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("profiler: recovered panic in end hook: %v", rec)
		}
	}()

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()

	// the function profiler is stopped unconditionally, even when the
	// capture is about to be discarded
	if r.fp != nil {
		r.fp.Stop()
	}

	elapsed := time.Since(r.start)
	if elapsed < r.p.cfg.Threshold {
		return
	}

	r.p.emitter.Emit(r.buildPayload(elapsed))
}

func (r *Request) buildPayload(elapsed time.Duration) *record.Payload {
	durationMs := float64(elapsed) / float64(time.Millisecond)
	endTs := r.startTs + elapsed.Seconds()
	cfg := r.p.cfg

	p := &record.Payload{
		CorrelationID: r.id,
		Project:       cfg.ProjectName,
		Source:        record.SourceAppAgent,
		Timestamp:     r.startTs,
		DurationMs:    durationMs,
		Timing: &record.Timing{
			StartTs:    r.startTs,
			EndTs:      endTs,
			DurationMs: durationMs,
		},
		Server: &record.ServerInfo{Hostname: r.p.hostname, PID: os.Getpid()},
	}

	if cfg.RequestMetadataEnabled {
		p.Request = &record.RequestInfo{
			Method:  r.meta.Method,
			URL:     r.meta.URL,
			Headers: RedactHeaders(r.meta.Headers),
			Query:   RedactMap(r.meta.Query),
			Form:    RedactMap(r.meta.Form),
		}
	}

	r.mu.Lock()
	if r.resp != nil {
		p.Response = &record.ResponseInfo{
			Status:  r.resp.Status,
			Headers: RedactHeaders(r.resp.Headers),
		}
	}
	if r.ctx != nil {
		p.Context = RedactMap(r.ctx)
	}
	if r.fatal != nil {
		p.Error = r.fatal
	}
	r.mu.Unlock()

	if cfg.MemoryTrackingEnabled {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		p.Memory = &record.MemoryInfo{PeakBytes: ms.HeapAlloc}
	}

	if r.fp != nil {
		p.Functions = buildFunctionSummary(r.fp.Snapshot(), durationMs)
	}

	if r.sql != nil {
		p.SQL = r.sql.summary()
	}

	return p
}

func buildFunctionSummary(entries []record.FunctionEntry, requestMs float64) *record.FunctionSummary {
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].WallTimeMs > entries[j].WallTimeMs
	})

	s := &record.FunctionSummary{}
	for _, e := range entries {
		if requestMs > 0 && e.WallTimeMs >= requestMs*hotspotShare {
			s.Hotspots = append(s.Hotspots, e)
		}
	}
	if len(entries) > maxFunctionEntries {
		entries = entries[:maxFunctionEntries]
		s.Truncated = true
	}
	s.Top = entries
	return s
}

// sqlCollector accumulates query events for one request.
type sqlCollector struct {
	comment    string
	redact     bool
	stackLimit int

	mu      sync.Mutex
	queries []record.SQLQuery
	count   int
	totalMs float64
	dropped int
}

func (c *sqlCollector) OnBefore(query string) (out string) {
	out = query
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("profiler: recovered panic in sql before hook: %v", rec)
			out = query
		}
	}()
	return c.comment + " " + query
}

func (c *sqlCollector) OnAfter(ev SQLAfterEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("profiler: recovered panic in sql after hook: %v", rec)
		}
	}()

	ms := float64(ev.Duration) / float64(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.totalMs += ms
	if len(c.queries) >= maxSQLQueries {
		c.dropped++
		return
	}

	text := ev.Query
	if c.redact {
		text = RedactSQL(text)
	}
	q := record.SQLQuery{
		Query:      text,
		DurationMs: ms,
		Connection: ev.Connection,
	}
	if c.stackLimit > 0 {
		q.Stack = captureStack(c.stackLimit)
	}
	c.queries = append(c.queries, q)
}

func (c *sqlCollector) summary() *record.SQLSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return nil
	}
	return &record.SQLSummary{
		Queries:          c.queries,
		Count:            c.count,
		TotalDurationMs:  c.totalMs,
		QueriesTruncated: c.dropped > 0,
	}
}

// captureStack records up to limit frames above the database layer. Frames
// carry no argument values.
func captureStack(limit int) []string {
	pcs := make([]uintptr, limit+4)
	// skip runtime.Callers, this function and the collector hook
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, limit)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
			if len(out) >= limit {
				break
			}
		}
		if !more {
			break
		}
	}
	return out
}

type noopListener struct{}

func (noopListener) OnBefore(query string) string { return query }
func (noopListener) OnAfter(SQLAfterEvent)        {}
