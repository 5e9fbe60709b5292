// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package store owns the PostgreSQL connection pool and the schema
// migrations for the rules engine tables.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// PoolOptions tunes OpenPool.
type PoolOptions struct {
	// MaxConns caps the pool size; zero keeps the pgxpool default.
	MaxConns int32
	// ConnectRetries is how many times a failed ping is retried.
	ConnectRetries uint64
	// ConnectBackoff is the first retry delay; later delays double.
	ConnectBackoff time.Duration
}

// OpenPool connects to databaseURL and pings it, retrying with exponential
// backoff while the database comes up.
func OpenPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.In("store").Code("DB_CONFIG_INVALID").Wrap(err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrap(err)
	}

	backoff := opts.ConnectBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	b := retry.WithMaxRetries(opts.ConnectRetries, retry.NewExponential(backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.In("store").Code("DB_CONNECT_FAILED").
			With("retries", opts.ConnectRetries).
			Wrap(err)
	}
	return pool, nil
}
