// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package listener is the central ingest and query server. It accepts
// records from host daemons and database agents, persists them in the
// embedded store, schedules delivery to the log aggregator and serves the
// read API.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reqprof/reqprof/pkg/shipper"
	"github.com/reqprof/reqprof/pkg/storage"
	"github.com/reqprof/reqprof/pkg/util/log"
)

const (
	// maxBodyBytes caps an ingest body; anything larger than this never
	// came from a well-behaved agent.
	maxBodyBytes = 1 << 20
	// shutdownGrace bounds how long in-flight requests may drain.
	shutdownGrace = 5 * time.Second
	// maxUDPPacket matches the local transport datagram budget.
	maxUDPPacket = 64 << 10
)

type ctxKey int

const ctxKeyProject ctxKey = iota

type serverMetrics struct {
	ingested    *prometheus.CounterVec
	rateLimited prometheus.Counter
	udpPackets  prometheus.Counter
	udpErrors   prometheus.Counter
}

func newServerMetrics(reg *prometheus.Registry) serverMetrics {
	f := promauto.With(reg)
	return serverMetrics{
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqprof_ingested_records_total",
			Help: "Records accepted, by ingest route.",
		}, []string{"route"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "reqprof_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limit.",
		}),
		udpPackets: f.NewCounter(prometheus.CounterOpts{
			Name: "reqprof_udp_packets_total",
			Help: "UDP ingest packets received.",
		}),
		udpErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "reqprof_udp_errors_total",
			Help: "UDP ingest packets dropped as invalid.",
		}),
	}
}

// Server owns the storage engine, the shipper, the retention sweeper and
// both ingest surfaces.
type Server struct {
	cfg     Config
	store   *storage.Store
	ship    *shipper.Shipper
	sweeper *storage.Sweeper
	limiter *rateLimiter
	router  *mux.Router
	reg     *prometheus.Registry
	metrics serverMetrics
	start   time.Time

	udpConn *net.UDPConn
	wg      sync.WaitGroup
}

// New opens the store and assembles the server. The caller owns Run.
func New(cfg Config) (*Server, error) {
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:     cfg,
		store:   store,
		ship:    shipper.New(cfg.Graylog, store),
		sweeper: storage.NewSweeper(store, nil),
		limiter: newRateLimiter(cfg.RateLimit),
		reg:     reg,
		metrics: newServerMetrics(reg),
		start:   time.Now(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the routing tree.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	ingest := r.PathPrefix("/ingest").Subrouter()
	ingest.Use(s.rateLimitMiddleware, s.authMiddleware)
	ingest.HandleFunc("/app", s.handleIngestApp).Methods(http.MethodPost)
	ingest.HandleFunc("/db", s.handleIngestDB).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/compare", s.handleCompare).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/correlation/{id}", s.handleCorrelation).Methods(http.MethodGet, http.MethodOptions)
	return r
}

// Run serves until ctx is cancelled, then drains and closes everything.
func (s *Server) Run(ctx context.Context) error {
	s.sweeper.Start()
	s.ship.Start()
	if s.cfg.UDPPort > 0 {
		if err := s.startUDP(); err != nil {
			s.stopBackground()
			return err
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			log.Infof("central listening on :%d with TLS", s.cfg.Port)
			errCh <- srv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
			return
		}
		log.Infof("central listening on :%d", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.stopBackground()
		return err
	}

	log.Infof("central shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.stopBackground()
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warnf("shutdown grace expired with requests still in flight")
		err = nil
	}
	return err
}

func (s *Server) stopBackground() {
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
	s.ship.Stop()
	s.sweeper.Stop()
	if err := s.store.Close(); err != nil {
		log.Warnf("cannot close storage: %v", err)
	}
}

func (s *Server) startUDP() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.UDPPort})
	if err != nil {
		return fmt.Errorf("cannot bind udp port %d: %w", s.cfg.UDPPort, err)
	}
	s.udpConn = conn
	s.wg.Add(1)
	go s.udpLoop()
	log.Infof("udp ingest listening on %s", conn.LocalAddr())
	return nil
}

// udpLoop ingests fire-and-forget packets. The sender gets no reply, so
// failures only move counters.
func (s *Server) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxUDPPacket+1)
	for {
		n, _, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("udp read failed: %v", err)
			}
			return
		}
		s.metrics.udpPackets.Inc()
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := s.ingestUDPPacket(data); err != nil {
			s.metrics.udpErrors.Inc()
			log.Debugf("udp packet dropped: %v", err)
		}
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter, remaining := s.limiter.allow(clientIP(r), time.Now())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			s.metrics.rateLimited.Inc()
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		project, ok := s.cfg.APIKeys[token]
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown api key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyProject, project)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

// authedProject reads the project the auth middleware resolved.
func authedProject(r *http.Request) string {
	p, _ := r.Context().Value(ctxKeyProject).(string)
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingCount(r.Context())
	if err != nil {
		log.Debugf("pending count failed: %v", err)
	}
	ready := len(s.cfg.APIKeys) > 0
	body := map[string]interface{}{
		"ready":           ready,
		"storage_open":    true,
		"api_keys_loaded": len(s.cfg.APIKeys),
		"uptime_s":        time.Since(s.start).Seconds(),
		"retention":       s.sweeper.Status(),
		"shipper":         s.ship.Status(),
		"pending_records": pending,
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
