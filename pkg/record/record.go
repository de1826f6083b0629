// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package record defines the profiling record and payload shapes exchanged
// between the in-process collector, the host daemon, the central server and
// the log-aggregator shipper.
package record

// Source values carried by stored records.
const (
	SourceAppAgent = "app_agent"
	SourceDBAgent  = "db_agent"
)

// Database-agent payload sources accepted on the db ingest route.
const (
	DBSourceStatActivity   = "pg_stat_activity"
	DBSourceStatStatements = "pg_stat_statements"
	DBSourceLog            = "pg_log"
	DBSourceSystemMetrics  = "system_metrics"
)

// Record is the unit stored, forwarded and queried by the central server.
// URL, HTTPMethod and StatusCode are virtual columns derived from the
// payload; they are never written directly.
type Record struct {
	ID            int64    `db:"id" json:"id"`
	CorrelationID string   `db:"correlation_id" json:"correlation_id"`
	Project       string   `db:"project" json:"project"`
	Source        string   `db:"source" json:"source"`
	Timestamp     float64  `db:"timestamp" json:"timestamp"`
	DurationMs    *float64 `db:"duration_ms" json:"duration_ms"`
	Payload       string   `db:"payload" json:"payload"`
	CreatedAt     int64    `db:"created_at" json:"created_at"`
	Forwarded     int      `db:"forwarded" json:"forwarded"`
	URL           *string  `db:"url" json:"url,omitempty"`
	HTTPMethod    *string  `db:"http_method" json:"http_method,omitempty"`
	StatusCode    *int64   `db:"status_code" json:"status_code,omitempty"`
}
