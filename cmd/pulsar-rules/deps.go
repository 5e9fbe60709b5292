// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	rulesstore "github.com/pulsarhq/pulsar/internal/access/rules/store"
	"github.com/pulsarhq/pulsar/internal/config"
	"github.com/pulsarhq/pulsar/internal/observability"
	"github.com/pulsarhq/pulsar/internal/store"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// BackendFactory opens the rules store and the audit writer.
	// Default: PostgreSQL at cfg.Database.URL.
	BackendFactory func(ctx context.Context, cfg *config.Config) (*Backend, error)

	// RedisFactory creates the client behind the invalidation bus.
	// Default: redis.NewClient
	RedisFactory func(addr string) redis.UniversalClient

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr, version string, ready observability.ReadinessChecker) ObservabilityServer

	// MigratorFactory opens a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// Hostname names this replica on the invalidation bus.
	// Default: os.Hostname
	Hostname func() (string, error)
}

// Backend is an opened persistence layer.
type Backend struct {
	Store rulesstore.Store
	Audit audit.Writer
	// Close releases connections. The audit writer is closed by the audit
	// logger that owns it.
	Close func()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Status() (store.Status, error)
	Close() error
}

func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.BackendFactory == nil {
		out.BackendFactory = openPostgresBackend
	}
	if out.RedisFactory == nil {
		out.RedisFactory = func(addr string) redis.UniversalClient {
			return redis.NewClient(&redis.Options{Addr: addr})
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr, version string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, version, ready)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.Hostname == nil {
		out.Hostname = os.Hostname
	}
	return out
}

func requireDatabaseURL(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return oops.Code(config.CodeInvalid).Errorf("database.url (or DATABASE_URL) is required")
	}
	return nil
}

func openPostgresBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if err := requireDatabaseURL(cfg); err != nil {
		return nil, err
	}
	pool, err := store.OpenPool(ctx, cfg.Database.URL, store.PoolOptions{
		ConnectRetries: cfg.Store.Retries,
		ConnectBackoff: cfg.Store.Backoff,
	})
	if err != nil {
		return nil, oops.With("operation", "connect to database").Wrap(err)
	}
	return &Backend{
		Store: rulesstore.NewPostgresStore(pool),
		Audit: audit.NewPostgresWriter(pool),
		Close: pool.Close,
	}, nil
}
