// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package record

import (
	"encoding/json"
	"sort"
)

// Payload is the full profiling detail captured for one host request by the
// application-side collector. Serialized as JSON it is the body sent to the
// host daemon and then to the central ingest, and the string stored in the
// payload column.
type Payload struct {
	CorrelationID string                 `json:"correlation_id"`
	Project       string                 `json:"project,omitempty"`
	Source        string                 `json:"source"`
	Timestamp     float64                `json:"timestamp"`
	DurationMs    float64                `json:"duration_ms"`
	Request       *RequestInfo           `json:"request,omitempty"`
	Response      *ResponseInfo          `json:"response,omitempty"`
	Timing        *Timing                `json:"timing,omitempty"`
	Memory        *MemoryInfo            `json:"memory,omitempty"`
	Functions     *FunctionSummary       `json:"functions,omitempty"`
	SQL           *SQLSummary            `json:"sql,omitempty"`
	Server        *ServerInfo            `json:"server,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Error         *FatalError            `json:"error,omitempty"`
}

// RequestInfo describes the inbound host request, after redaction.
type RequestInfo struct {
	Method  string                 `json:"method,omitempty"`
	URL     string                 `json:"url,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Query   map[string]interface{} `json:"query,omitempty"`
	Form    map[string]interface{} `json:"form,omitempty"`
}

// ResponseInfo describes the host response, after redaction.
type ResponseInfo struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Timing carries the request wall-clock bounds in epoch seconds.
type Timing struct {
	StartTs    float64 `json:"start_ts"`
	EndTs      float64 `json:"end_ts"`
	DurationMs float64 `json:"duration_ms"`
}

// MemoryInfo carries the peak memory observed for the request.
type MemoryInfo struct {
	PeakBytes uint64 `json:"peak_bytes"`
}

// FunctionEntry is one aggregated function from the call-graph profiler.
type FunctionEntry struct {
	Name       string  `json:"name"`
	Calls      int64   `json:"calls"`
	WallTimeMs float64 `json:"wall_time_ms"`
}

// FunctionSummary is the function-profiling section of the payload. Hotspots
// are functions taking at least 5% of the request wall time.
type FunctionSummary struct {
	Top       []FunctionEntry `json:"top,omitempty"`
	Hotspots  []FunctionEntry `json:"hotspots,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// SQLQuery is one captured statement, redacted.
type SQLQuery struct {
	Query      string   `json:"query"`
	DurationMs float64  `json:"duration_ms"`
	Stack      []string `json:"stack,omitempty"`
	Connection string   `json:"connection,omitempty"`
}

// SQLSummary is the SQL section of the payload.
type SQLSummary struct {
	Queries          []SQLQuery `json:"queries"`
	Count            int        `json:"count"`
	TotalDurationMs  float64    `json:"total_duration_ms"`
	QueriesTruncated bool       `json:"queries_truncated,omitempty"`
}

// ServerInfo identifies the host that produced the payload.
type ServerInfo struct {
	Hostname string `json:"hostname,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// FatalError captures a fatal error that ended the request, when one exists.
type FatalError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Marshal serializes the payload to its wire JSON form.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// TruncateFunctions keeps at most max entries of the function summary,
// dropping hotspots beyond the same bound. Returns true when anything was
// removed.
func (p *Payload) TruncateFunctions(max int) bool {
	if p.Functions == nil {
		return false
	}
	changed := false
	if len(p.Functions.Top) > max {
		p.Functions.Top = p.Functions.Top[:max]
		changed = true
	}
	if len(p.Functions.Hotspots) > max {
		p.Functions.Hotspots = p.Functions.Hotspots[:max]
		changed = true
	}
	if changed {
		p.Functions.Truncated = true
	}
	return changed
}

// TruncateSQL keeps at most max captured queries, preferring the slowest.
// Count and TotalDurationMs keep describing the full original set. Returns
// true when anything was removed.
func (p *Payload) TruncateSQL(max int) bool {
	if p.SQL == nil || len(p.SQL.Queries) <= max {
		return false
	}
	sort.SliceStable(p.SQL.Queries, func(i, j int) bool {
		return p.SQL.Queries[i].DurationMs > p.SQL.Queries[j].DurationMs
	})
	p.SQL.Queries = p.SQL.Queries[:max]
	p.SQL.QueriesTruncated = true
	return true
}

// Summary is the set of fields a shipper opportunistically extracts from a
// stored payload for the log aggregator.
type Summary struct {
	URL        string
	Method     string
	StatusCode int
	SQLCount   int
	SQLTotalMs float64
	MemoryMB   float64
	Hostname   string
}

// Summarize extracts a Summary from a raw payload JSON string. Payloads from
// other sources simply yield zero fields; extraction never fails.
func Summarize(raw string) Summary {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Summary{}
	}
	var s Summary
	if p.Request != nil {
		s.URL = p.Request.URL
		if len(s.URL) > 500 {
			s.URL = s.URL[:500]
		}
		s.Method = p.Request.Method
	}
	if p.Response != nil {
		s.StatusCode = p.Response.Status
	}
	if p.SQL != nil {
		s.SQLCount = p.SQL.Count
		s.SQLTotalMs = p.SQL.TotalDurationMs
	}
	if p.Memory != nil {
		s.MemoryMB = float64(p.Memory.PeakBytes) / (1024 * 1024)
	}
	if p.Server != nil {
		s.Hostname = p.Server.Hostname
	}
	return s
}
