// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/observability"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a rules engine replica",
		Long: `Hydrate the engine from PostgreSQL, replay any audit records left in
the write-ahead log, follow cache invalidations from other replicas over
Redis, and serve metrics and health probes until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, deps)
		},
	}
}

func runServe(cmd *cobra.Command, deps *Deps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var live atomic.Pointer[rules.Engine]
	readiness := func() error {
		e := live.Load()
		if e == nil {
			return errors.New("engine starting")
		}
		return e.Ready()
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	var obsErrCh <-chan error
	if cfg.Metrics.Addr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, version, readiness)
		obsErrCh, err = obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				errutil.LogWarn(shutdownCtx, nil, "error stopping observability server", stopErr)
			}
		}()
		metrics = obsServer.Metrics()
	}

	bus, client := openBus(cfg, deps)
	var opts []rules.Option
	if bus != nil {
		defer func() { _ = client.Close() }()
		opts = append(opts, rules.WithPublisher(meteredPublisher{next: bus, metrics: metrics}))
	}

	a, err := openApp(ctx, cfg, deps, true, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	replayed, err := a.audit.ReplayWAL(ctx)
	if err != nil {
		errutil.LogWarn(ctx, nil, "audit WAL replay incomplete", err, "replayed", replayed)
	}
	if replayed > 0 {
		metrics.WALReplays.Add(float64(replayed))
		slog.Info("replayed audit records from WAL", "records", replayed)
	}

	// Subscribe before hydrating so that no change made in between is lost.
	var sub *decision.Subscription
	if bus != nil {
		sub, err = bus.Listen(ctx, remoteInvalidation(ctx, a.engine, metrics))
		if err != nil {
			metrics.BusErrors.WithLabelValues(observability.DirectionReceived).Inc()
			return oops.With("operation", "subscribe to invalidation bus").Wrap(err)
		}
		defer func() { _ = sub.Close() }()
	}

	if err := a.engine.Hydrate(ctx); err != nil {
		return err
	}
	a.engine.FreezeCatalog()
	live.Store(a.engine)

	cmd.Println("Rules engine ready")
	slog.Info("rules engine ready",
		"permissions", a.engine.Catalog().Len(),
		"roles", a.engine.Hierarchy().Len(),
		"bus", bus != nil,
		"audit_mode", string(cfg.AuditMode()),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr, ok := <-obsErrCh:
		if ok && serveErr != nil {
			return oops.With("operation", "observability server").Wrap(serveErr)
		}
	}
	return nil
}
