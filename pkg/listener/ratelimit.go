// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package listener

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// rateWindow is the sliding interval the request limit applies to.
const rateWindow = time.Minute

// rateLimiter keeps one timestamp list per client IP. Idle clients age out
// of the cache on their own.
type rateLimiter struct {
	limit int
	store *cache.Cache
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit: limit,
		store: cache.New(2*rateWindow, 5*rateWindow),
	}
}

// allow records one request from ip and reports whether it fits the window.
// When denied, retryAfter says how long until the oldest request slides out.
func (l *rateLimiter) allow(ip string, now time.Time) (ok bool, retryAfter time.Duration, remaining int) {
	cutoff := now.Add(-rateWindow)

	var times []time.Time
	if v, found := l.store.Get(ip); found {
		times = v.([]time.Time)
	}
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.store.Set(ip, kept, cache.DefaultExpiration)
		return false, kept[0].Add(rateWindow).Sub(now), 0
	}
	kept = append(kept, now)
	l.store.Set(ip, kept, cache.DefaultExpiration)
	return true, 0, l.limit - len(kept)
}

// clientIP prefers the first X-Forwarded-For entry so limits follow the
// origin client through a reverse proxy, falling back to the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
