// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/internal/config"
	"github.com/pulsarhq/pulsar/internal/observability"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

// openBus connects the invalidation bus, or returns nils when Redis is not
// configured. The returned client must be closed by the caller.
func openBus(cfg *config.Config, deps *Deps) (*decision.RedisBus, redis.UniversalClient) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	client := deps.RedisFactory(cfg.Redis.Addr)
	return decision.NewRedisBus(client, cfg.Redis.Channel, replicaOrigin(deps)), client
}

// replicaOrigin is unique per process so a replica can tell its own events
// apart even when several run on one host.
func replicaOrigin(deps *Deps) string {
	host, err := deps.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "/" + ulid.Make().String()
}

// meteredPublisher counts published invalidations.
type meteredPublisher struct {
	next    decision.Publisher
	metrics *observability.Metrics
}

func (p meteredPublisher) Publish(ctx context.Context, ev decision.Event) error {
	if err := p.next.Publish(ctx, ev); err != nil {
		p.metrics.BusErrors.WithLabelValues(observability.DirectionPublished).Inc()
		return err
	}
	p.metrics.BusEvents.WithLabelValues(observability.DirectionPublished, string(ev.Kind)).Inc()
	return nil
}

// remoteInvalidation applies events from other replicas to engine. A role
// event first reloads the role graph, which the event does not carry.
func remoteInvalidation(ctx context.Context, engine *rules.Engine, metrics *observability.Metrics) func(decision.Event) {
	return func(ev decision.Event) {
		metrics.BusEvents.WithLabelValues(observability.DirectionReceived, string(ev.Kind)).Inc()
		if ev.Kind == decision.EventRoles {
			if err := engine.ReloadRoles(ctx); err != nil {
				if !types.HasCode(err, types.CodeInvalidRequest) {
					metrics.BusErrors.WithLabelValues(observability.DirectionReceived).Inc()
					errutil.LogWarn(ctx, nil, "failed to reload roles after remote change", err,
						"origin", ev.Origin,
					)
				}
			}
		}
		n := engine.ApplyInvalidation(ev)
		slog.DebugContext(ctx, "applied remote invalidation",
			"kind", string(ev.Kind),
			"origin", ev.Origin,
			"entries", n,
		)
	}
}
