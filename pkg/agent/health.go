// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// healthSnapshot is the health endpoint response. It is produced by the
// event loop so every field is a consistent point-in-time view.
type healthSnapshot struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	QueueDepth    int     `json:"queue_depth"`
	SpillFiles    int     `json:"spill_files"`
	BreakerState  string  `json:"breaker_state"`
	LastFailureTS float64 `json:"last_failure_ts"`
	Received      int     `json:"received"`
}

type healthServer struct {
	srv *http.Server
	ln  net.Listener
}

// startHealth binds the loopback-only health listener.
func (d *Daemon) startHealth() error {
	addr := fmt.Sprintf("127.0.0.1:%d", d.cfg.HealthPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind health endpoint %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.health = &healthServer{srv: srv, ln: ln}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("agent: health endpoint failed: %v", err)
		}
	}()
	log.Debugf("agent: health endpoint on %s", addr)
	return nil
}

func (d *Daemon) stopHealth() {
	if d.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.health.srv.Shutdown(ctx)
}

// handleHealth asks the event loop for a snapshot. It runs on the HTTP
// serving goroutine, never touching loop state directly.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	reply := make(chan healthSnapshot, 1)

	select {
	case d.events <- event{kind: evHealth, reply: reply}:
	case <-time.After(2 * time.Second):
		http.Error(w, `{"status":"stalled"}`, http.StatusServiceUnavailable)
		return
	}

	select {
	case snap := <-reply:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	case <-time.After(2 * time.Second):
		http.Error(w, `{"status":"stalled"}`, http.StatusServiceUnavailable)
	}
}
