// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/pkg/errutil"
)

// ReadinessChecker reports why the service cannot serve decisions yet, or
// nil when it can.
type ReadinessChecker func() error

// Bus directions for Metrics.BusEvents.
const (
	DirectionPublished = "published"
	DirectionReceived  = "received"
)

// Metrics holds process-level metrics that sit outside the engine.
type Metrics struct {
	BuildInfo  *prometheus.GaugeVec
	BusEvents  *prometheus.CounterVec
	BusErrors  *prometheus.CounterVec
	WALReplays prometheus.Counter
}

// NewMetrics creates and registers the process metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulsar_build_info",
				Help: "Build information, always 1",
			},
			[]string{"version"},
		),
		BusEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_bus_events_total",
				Help: "Cache invalidation events by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		BusErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_bus_errors_total",
				Help: "Cache invalidation events that could not be published or subscribed",
			},
			[]string{"direction"},
		),
		WALReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsar_audit_wal_replayed_total",
			Help: "Audit records recovered from the write-ahead log at startup",
		}),
	}

	reg.MustRegister(m.BuildInfo, m.BusEvents, m.BusErrors, m.WALReplays)
	return m
}

// Server serves metrics and health probes.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	metrics  *Metrics
	isReady  ReadinessChecker

	running    atomic.Bool
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a server for addr ("127.0.0.1:9100", or ":9100" for
// all interfaces). /metrics serves the server's own registry merged with the
// default one, which carries the Go and process collectors and the engine
// metrics.
func NewServer(addr, version string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.BuildInfo.WithLabelValues(version).Set(1)

	return &Server{
		addr:     addr,
		gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, registry},
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the process metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP routes: /metrics, /healthz/liveness and
// /healthz/readiness.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}))
	mux.HandleFunc("GET /healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /healthz/readiness", s.handleReadiness)
	return mux
}

// Start listens on the configured address and serves Handler in the
// background. Errors after startup arrive on the returned channel, which is
// closed once the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener
	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		// Serve on the local copy; a later Start replaces s.httpServer.
		err := httpSrv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errutil.LogError(context.Background(), nil, "observability server error", err, "addr", s.addr)
			errCh <- err
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a server that is not running is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.running.Store(true)
		return oops.In("observability").With("operation", "shutdown").Wrap(err)
	}
	slog.Info("observability server stopped")
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleReadiness returns 200 once the engine is hydrated and its catalog
// frozen, and 503 with the reason otherwise.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady == nil {
		writeText(w, http.StatusOK, "ok")
		return
	}
	if err := s.isReady(); err != nil {
		writeText(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	io.WriteString(w, body+"\n")
}
