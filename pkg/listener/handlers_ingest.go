// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package listener

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// appIngest is the envelope validated out of an application-agent payload.
// The rest of the body stays opaque and is stored verbatim.
type appIngest struct {
	CorrelationID string   `json:"correlation_id" validate:"required,uuid4"`
	Timestamp     float64  `json:"timestamp" validate:"required,gt=0"`
	DurationMs    *float64 `json:"duration_ms" validate:"required,gte=0"`
}

// dbIngest is the database-agent envelope. Correlation is optional because
// most database records cannot be tied to one request.
type dbIngest struct {
	CorrelationID string          `json:"correlation_id" validate:"omitempty,uuid4"`
	Timestamp     float64         `json:"timestamp" validate:"required,gt=0"`
	Source        string          `json:"source" validate:"required,oneof=pg_stat_activity pg_stat_statements pg_log system_metrics"`
	Data          json.RawMessage `json:"data" validate:"required"`
	DurationMs    *float64        `json:"duration_ms" validate:"omitempty,gte=0"`
}

// udpIngest is the trusted-segment packet shape. With no authentication on
// this path, project comes from the payload.
type udpIngest struct {
	CorrelationID string          `json:"correlation_id" validate:"omitempty,uuid4"`
	Project       string          `json:"project" validate:"required"`
	Timestamp     float64         `json:"timestamp" validate:"required,gt=0"`
	Source        string          `json:"source" validate:"required,oneof=pg_stat_activity pg_stat_statements pg_log system_metrics"`
	Data          json.RawMessage `json:"data" validate:"required"`
	DurationMs    *float64        `json:"duration_ms" validate:"omitempty,gte=0"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeValidationError(w, map[string]string{"body": "unreadable or too large"})
		return nil, false
	}
	return body, true
}

func (s *Server) handleIngestApp(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in appIngest
	if err := json.Unmarshal(body, &in); err != nil {
		writeValidationError(w, map[string]string{"body": "must be valid JSON"})
		return
	}
	if err := validate.Struct(&in); err != nil {
		writeValidationError(w, fieldErrors(err))
		return
	}

	// The authenticated project wins over anything the payload claims.
	rec := record.Record{
		CorrelationID: in.CorrelationID,
		Project:       authedProject(r),
		Source:        record.SourceAppAgent,
		Timestamp:     in.Timestamp,
		DurationMs:    in.DurationMs,
		Payload:       string(body),
	}
	s.insertAndRespond(w, r, &rec, "app")
}

func (s *Server) handleIngestDB(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in dbIngest
	if err := json.Unmarshal(body, &in); err != nil {
		writeValidationError(w, map[string]string{"body": "must be valid JSON"})
		return
	}
	if err := validate.Struct(&in); err != nil {
		writeValidationError(w, fieldErrors(err))
		return
	}

	rec := record.Record{
		CorrelationID: in.CorrelationID,
		Project:       authedProject(r),
		Source:        record.SourceDBAgent,
		Timestamp:     in.Timestamp,
		DurationMs:    in.DurationMs,
		Payload:       string(body),
	}
	s.insertAndRespond(w, r, &rec, "db")
}

func (s *Server) insertAndRespond(w http.ResponseWriter, r *http.Request, rec *record.Record, route string) {
	if err := s.store.Insert(r.Context(), rec); err != nil {
		log.Errorf("ingest insert failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.metrics.ingested.WithLabelValues(route).Inc()
	// Shipping happens after the response; a slow aggregator must never
	// slow down ingest.
	s.ship.ForwardAsync(*rec)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"row_id":         rec.ID,
		"correlation_id": rec.CorrelationID,
	})
}

// ingestUDPPacket stores one fire-and-forget packet.
func (s *Server) ingestUDPPacket(data []byte) error {
	var in udpIngest
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if err := validate.Struct(&in); err != nil {
		return err
	}

	rec := record.Record{
		CorrelationID: in.CorrelationID,
		Project:       strings.ToLower(in.Project),
		Source:        record.SourceDBAgent,
		Timestamp:     in.Timestamp,
		DurationMs:    in.DurationMs,
		Payload:       string(data),
	}
	if err := s.store.Insert(context.Background(), &rec); err != nil {
		return err
	}
	s.metrics.ingested.WithLabelValues("udp").Inc()
	s.ship.ForwardAsync(rec)
	return nil
}
