// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package listener

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/storage"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// parseSearchQuery coerces and validates /api/search parameters. The
// returned field map is empty when everything parsed.
func parseSearchQuery(values url.Values) (storage.SearchQuery, map[string]string) {
	fields := map[string]string{}

	if values.Has("offset") {
		fields["offset"] = "offset pagination is not supported, use the after cursor"
	}

	sq := storage.SearchQuery{
		Project:       values.Get("project"),
		Source:        values.Get("source"),
		CorrelationID: values.Get("correlation_id"),
		URL:           values.Get("url"),
		Limit:         50,
	}
	if sq.Source != "" && sq.Source != record.SourceAppAgent && sq.Source != record.SourceDBAgent {
		fields["source"] = "must be one of app_agent db_agent"
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			fields["limit"] = "must be an integer"
		case n < 1 || n > 100:
			fields["limit"] = "must be between 1 and 100"
		default:
			sq.Limit = n
		}
	}

	floatParam := func(name string, dest **float64) {
		raw := values.Get(name)
		if raw == "" {
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			fields[name] = "must be a number"
			return
		}
		*dest = &v
	}
	floatParam("duration_min", &sq.DurationMin)
	floatParam("duration_max", &sq.DurationMax)
	floatParam("timestamp_start", &sq.TimestampStart)
	floatParam("timestamp_end", &sq.TimestampEnd)
	floatParam("after", &sq.After)

	return sq, fields
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sq, fields := parseSearchQuery(r.URL.Query())
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	rows, hasMore, err := s.store.Search(r.Context(), sq)
	if err != nil {
		log.Errorf("search failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if rows == nil {
		rows = []record.Record{}
	}

	var cursor *float64
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1].Timestamp
		cursor = &last
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":  rows,
		"has_more": hasMore,
		"cursor":   cursor,
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects(r.Context())
	if err != nil {
		log.Errorf("projects query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeValidationError(w, map[string]string{"project": "is required"})
		return
	}

	if url := r.URL.Query().Get("url"); url != "" {
		stats, err := s.store.StatsURL(r.Context(), project, url)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no records for url")
			return
		}
		if err != nil {
			log.Errorf("url stats failed: %v", err)
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := s.store.StatsProject(r.Context(), project)
	if err != nil {
		log.Errorf("project stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeValidationError(w, map[string]string{"correlation_id": "is required"})
		return
	}

	cmp, err := s.store.Compare(r.Context(), correlationID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no comparable request found")
		return
	}
	if err != nil {
		log.Errorf("compare failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	bundle, err := s.store.Correlation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown correlation id")
		return
	}
	if err != nil {
		log.Errorf("correlation query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
