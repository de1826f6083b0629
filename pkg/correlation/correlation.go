// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package correlation generates per-request correlation identifiers and
// round-trips them through SQL comments, so that application-side profiles
// and database-side records can be joined later.
package correlation

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// AppNamePrefix is prepended to the correlation ID when the host sets the
// database connection's application_name. The database-side agent matches
// this prefix to recover the ID from pg_stat_activity.
const AppNamePrefix = "reqprof-"

var commentRe = regexp.MustCompile(`/\* correlation:([0-9a-fA-F][0-9a-fA-F-]{7,}) \*/`)

var fallbackCounter = atomic.NewUint64(0)

// NewID returns a fresh v4 UUID in canonical form. It never fails: if the
// entropy source is exhausted a unique timestamp-based token is returned
// instead, so the host request is never affected.
func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fallbackID()
	}
	return id.String()
}

func fallbackID() string {
	return fmt.Sprintf("%016x-%04x-%08x", time.Now().UnixNano(), os.Getpid()&0xffff, fallbackCounter.Inc())
}

// FormatComment renders the SQL comment carrying id, suitable for prepending
// to a statement.
func FormatComment(id string) string {
	return fmt.Sprintf("/* correlation:%s */", id)
}

// ParseComment recovers the correlation ID from a SQL statement carrying a
// FormatComment marker. The second return is false when no marker is found.
func ParseComment(sql string) (string, bool) {
	m := commentRe.FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AppName returns the value a host should set as the database connection's
// application_name so the database-side agent can correlate its records.
func AppName(id string) string {
	return AppNamePrefix + id
}

// ParseAppName recovers the correlation ID from an application_name value
// produced by AppName. The second return is false for foreign names.
func ParseAppName(name string) (string, bool) {
	if !strings.HasPrefix(name, AppNamePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, AppNamePrefix)
	if id == "" {
		return "", false
	}
	return id, true
}
