// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package access

import "context"

type actorKey struct{}

// SystemActor is recorded when a mutation runs without an acting principal,
// e.g. seeding at startup.
const SystemActor = "system"

// WithActor returns a context carrying the principal on whose behalf
// administrative calls and evaluations run. The rules engine records it in
// the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting principal, or SystemActor when none
// was attached.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
