// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package shipper

import (
	"encoding/json"

	"github.com/reqprof/reqprof/pkg/record"
)

// levelInformational is the syslog severity Graylog shows for these
// messages.
const levelInformational = 6

// Message builds the GELF 1.1 document for one stored record. Custom fields
// carry the underscore prefix GELF requires; everything a dashboard may
// want to filter on is promoted out of the payload when present.
func Message(rec *record.Record, facility string) map[string]interface{} {
	m := map[string]interface{}{
		"version":         "1.1",
		"host":            rec.Source,
		"short_message":   rec.Source + " - " + rec.Project,
		"timestamp":       rec.Timestamp,
		"level":           levelInformational,
		"full_message":    rec.Payload,
		"_correlation_id": rec.CorrelationID,
		"_project":        rec.Project,
		"_source":         rec.Source,
		"_row_id":         rec.ID,
	}
	if facility != "" {
		m["_facility"] = facility
	}
	if rec.DurationMs != nil {
		m["_duration_ms"] = *rec.DurationMs
	}

	sum := record.Summarize(rec.Payload)
	if sum.URL != "" {
		m["_url"] = sum.URL
	}
	if sum.Method != "" {
		m["_http_method"] = sum.Method
	}
	if sum.StatusCode != 0 {
		m["_status_code"] = sum.StatusCode
	}
	if sum.SQLCount != 0 {
		m["_sql_count"] = sum.SQLCount
		m["_sql_total_ms"] = sum.SQLTotalMs
	}
	if sum.MemoryMB > 0 {
		m["_memory_mb"] = sum.MemoryMB
	}
	if sum.Hostname != "" {
		m["_server_hostname"] = sum.Hostname
	}
	return m
}

// Frame serializes a GELF document for the TCP input: the JSON bytes
// followed by a single zero byte. JSON escapes control characters, so the
// delimiter cannot appear inside the document.
func Frame(msg map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, 0), nil
}
