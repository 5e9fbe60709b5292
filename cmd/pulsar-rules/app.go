// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/config"
	"github.com/pulsarhq/pulsar/internal/logging"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

const serviceName = "pulsar-rules"

// loadConfig reads the layered configuration for cmd and installs the
// default logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, oops.Code(config.CodeInvalid).Wrap(err)
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.LogLevel(),
		Writer:  cmd.ErrOrStderr(),
	})
	return cfg, nil
}

// app is an engine wired to its backend. The engine is not hydrated yet so
// that callers can subscribe to invalidations first.
type app struct {
	cfg     *config.Config
	backend *Backend
	audit   *audit.Logger
	engine  *rules.Engine
}

// openApp opens the backend and builds an engine over it. With audited
// false the engine writes no audit records, which suits read-only
// diagnostics.
func openApp(ctx context.Context, cfg *config.Config, deps *Deps, audited bool, opts ...rules.Option) (*app, error) {
	backend, err := deps.BackendFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, backend: backend}
	if audited {
		a.audit = audit.NewLogger(cfg.AuditMode(), backend.Audit, cfg.Audit.WALPath)
	} else if err := backend.Audit.Close(); err != nil {
		slog.Debug("closing unused audit writer", "error", err)
	}

	opts = append([]rules.Option{
		rules.WithCacheOptions(cfg.CacheOptions()),
		rules.WithResolverOptions(cfg.ResolverOptions()),
		rules.WithLockedPermissions(cfg.LockedPermissions),
	}, opts...)
	a.engine = rules.NewEngine(backend.Store, a.audit, opts...)
	return a, nil
}

// openHydrated is openApp followed by Hydrate.
func openHydrated(ctx context.Context, cfg *config.Config, deps *Deps, audited bool, opts ...rules.Option) (*app, error) {
	a, err := openApp(ctx, cfg, deps, audited, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Hydrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close flushes the audit logger and releases the backend.
func (a *app) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errutil.LogWarn(context.Background(), nil, "error closing audit logger", err)
		}
	}
	if a.backend.Close != nil {
		a.backend.Close()
	}
}
