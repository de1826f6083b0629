// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package profiler

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	redactedMarker     = "[REDACTED]"
	cardRedactedMarker = "[CARD-REDACTED]"
	maxDepthMarker     = "[MAX_DEPTH_EXCEEDED]"
	truncatedMarker    = "...[truncated]"

	maxRedactDepth    = 5
	maxStringLen      = 1000
	maxHeaderValueLen = 500
)

// sensitivePatterns are the key names whose values must never appear in
// plaintext, in SQL text or request metadata.
var sensitivePatterns = []string{
	"password", "passwd", "pwd", "pass",
	"token", "auth_token", "access_token", "refresh_token",
	"api_key", "secret", "private_key",
	"credit_card", "card_number", "cvv", "cvc", "ssn",
}

var sensitiveKeySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(sensitivePatterns))
	for _, p := range sensitivePatterns {
		m[p] = struct{}{}
	}
	return m
}()

// alwaysRedactedHeaders are redacted regardless of the pattern set.
var alwaysRedactedHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"x-auth-token":  {},
	"cookie":        {},
}

var (
	// 16-digit sequences, allowing the single space or dash separators of
	// formatted card numbers. Runs before the key=value rules so formatted
	// card values keep their dedicated marker.
	cardRe = regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)

	// key='value' and key=value forms, case-insensitive. Longer alternatives
	// first so compound names win over their suffixes.
	sqlKeyAlt      = `(?:access_token|refresh_token|auth_token|api_key|private_key|credit_card|card_number|password|passwd|pwd|pass|token|secret|cvv|cvc|ssn)`
	sqlQuotedRe    = regexp.MustCompile(`(?i)\b(` + sqlKeyAlt + `)(\s*=\s*)'[^']*'`)
	sqlUnquotedRe  = regexp.MustCompile(`(?i)\b(` + sqlKeyAlt + `)(\s*=\s*)([^\s'",;()]+)`)
	quotedMarkerRe = regexp.MustCompile(`^'?\[`)
)

// RedactSQL masks sensitive values in a SQL statement: 16-digit card-shaped
// sequences first, then the values of key='value' and key=value pairs whose
// key matches the sensitive pattern set.
func RedactSQL(sql string) string {
	out := cardRe.ReplaceAllString(sql, cardRedactedMarker)

	out = sqlQuotedRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := sqlQuotedRe.FindStringSubmatch(m)
		val := m[len(sub[1])+len(sub[2]):]
		if quotedMarkerRe.MatchString(val) {
			// already carries a redaction marker
			return m
		}
		return sub[1] + sub[2] + "'" + redactedMarker + "'"
	})

	out = sqlUnquotedRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := sqlUnquotedRe.FindStringSubmatch(m)
		if strings.HasPrefix(sub[3], "'") || strings.HasPrefix(sub[3], "[") {
			return m
		}
		return sub[1] + sub[2] + redactedMarker
	})

	return out
}

// RedactMap walks a mapping-shaped value and masks every value whose key
// matches the sensitive pattern set. Recursion is bounded: anything nested
// deeper than five levels is replaced by a marker. Long strings are
// truncated.
func RedactMap(m map[string]interface{}) map[string]interface{} {
	return redactMapDepth(m, 1)
}

func redactMapDepth(m map[string]interface{}, depth int) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, sensitive := sensitiveKeySet[strings.ToLower(k)]; sensitive {
			out[k] = redactedMarker
			continue
		}
		out[k] = redactValue(v, depth)
	}
	return out
}

func redactValue(v interface{}, depth int) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		if depth >= maxRedactDepth {
			return maxDepthMarker
		}
		return redactMapDepth(tv, depth+1)
	case []interface{}:
		if depth >= maxRedactDepth {
			return maxDepthMarker
		}
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = redactValue(e, depth+1)
		}
		return out
	case string:
		if len(tv) > maxStringLen {
			return tv[:maxStringLen] + truncatedMarker
		}
		return tv
	default:
		return v
	}
}

// RedactHeaders masks the always-sensitive headers plus any header whose
// name matches the pattern set, and truncates oversized values.
func RedactHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		lower := strings.ToLower(k)
		if _, always := alwaysRedactedHeaders[lower]; always {
			out[k] = redactedMarker
			continue
		}
		if _, sensitive := sensitiveKeySet[strings.ReplaceAll(lower, "-", "_")]; sensitive {
			out[k] = redactedMarker
			continue
		}
		if len(v) > maxHeaderValueLen {
			v = v[:maxHeaderValueLen] + truncatedMarker
		}
		out[k] = v
	}
	return out
}

// ContainsSensitive reports whether text still carries one of the sensitive
// key=value shapes in plaintext. It is a helper for tests and debug
// assertions, not a scrubber.
func ContainsSensitive(text string) bool {
	for _, p := range sensitivePatterns {
		re := regexp.MustCompile(fmt.Sprintf(`(?i)\b%s\s*=\s*'?[^'\s\[]`, p))
		if re.MatchString(text) {
			return true
		}
	}
	return cardRe.MatchString(text)
}
