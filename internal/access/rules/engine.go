// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package rules is the authorization engine of the community platform.
//
// Content plugins call Engine.Evaluate before every gated action. The engine
// answers from the decision cache when it can; otherwise it resolves the
// subject's roles and grants, walks the role hierarchy and applies a fixed
// precedence: deny grants, locked accounts, allow grants, roles, then a
// default deny. Administrative mutations go through the same Engine so that
// persistence, cache invalidation and the audit trail stay in step.
package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/access/rules/catalog"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/hierarchy"
	"github.com/pulsarhq/pulsar/internal/access/rules/resolver"
	"github.com/pulsarhq/pulsar/internal/access/rules/store"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

var tracer = otel.Tracer("pulsar/rules")

// Engine evaluates permissions and owns the administrative surface.
type Engine struct {
	catalog   *catalog.Catalog
	hierarchy *hierarchy.Hierarchy
	resolver  *resolver.Resolver
	cache     *decision.Cache
	store     store.Store
	audit     *audit.Logger
	bus       decision.Publisher
	locked    map[string]struct{}

	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string

	// mu serializes administrative mutations.
	mu       sync.Mutex
	hydrated atomic.Bool
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	cache    decision.Options
	resolver resolver.Options
	bus      decision.Publisher
	locked   []string
	now      func() time.Time
	newID    func() string
}

// WithCacheOptions sizes the decision cache.
func WithCacheOptions(opts decision.Options) Option {
	return func(c *engineConfig) { c.cache = opts }
}

// WithResolverOptions bounds store calls. The timeout also applies to
// administrative writes.
func WithResolverOptions(opts resolver.Options) Option {
	return func(c *engineConfig) { c.resolver = opts }
}

// WithPublisher broadcasts invalidations to other replicas.
func WithPublisher(p decision.Publisher) Option {
	return func(c *engineConfig) { c.bus = p }
}

// WithLockedPermissions sets the permissions a locked subject keeps.
func WithLockedPermissions(ids []string) Option {
	return func(c *engineConfig) { c.locked = ids }
}

// WithClock overrides the engine clock, used for grant expiry and stamps.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// WithIDGenerator overrides grant and role id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *engineConfig) { c.newID = gen }
}

// NewEngine creates an Engine over st. The engine is empty until Hydrate
// loads the catalog and roles.
func NewEngine(st store.Store, auditLogger *audit.Logger, opts ...Option) *Engine {
	cfg := engineConfig{
		resolver: resolver.DefaultOptions(),
		bus:      decision.NopPublisher{},
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cache.Now == nil {
		cfg.cache.Now = cfg.now
	}

	res := resolver.New(st, cfg.resolver)
	res.SetClock(cfg.now)

	locked := make(map[string]struct{}, len(cfg.locked))
	for _, id := range cfg.locked {
		locked[id] = struct{}{}
	}

	storeTimeout := cfg.resolver.Timeout
	if storeTimeout <= 0 {
		storeTimeout = resolver.DefaultOptions().Timeout
	}

	newID := cfg.newID
	return &Engine{
		catalog: catalog.New(),
		hierarchy: hierarchy.New(
			hierarchy.WithClock(cfg.now),
			hierarchy.WithIDGenerator(func() types.RoleID { return types.RoleID(newID()) }),
		),
		resolver:     res,
		cache:        decision.New(cfg.cache),
		store:        st,
		audit:        auditLogger,
		bus:          cfg.bus,
		locked:       locked,
		storeTimeout: storeTimeout,
		now:          cfg.now,
		newID:        newID,
	}
}

// Evaluate decides whether subjectID holds permission at resource.
//
// The returned Decision is always usable: every failure path returns a deny.
// A STORAGE error comes with a fail_closed deny that is never cached but is
// audited like any other decision; if that audit write also fails the
// STORAGE code is kept and the audit failure is attached as audit_error. An
// AUDIT_WRITE error (see IsAuditFailure) comes with the real decision, which
// the caller should honour while raising the audit failure.
func (e *Engine) Evaluate(ctx context.Context, subjectID string, resource types.ResourceKey, permission string) (d types.Decision, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "rules.evaluate",
		trace.WithAttributes(
			attribute.String("rules.subject", subjectID),
			attribute.String("rules.resource", resource.String()),
			attribute.String("rules.permission", permission),
		),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("rules.effect", d.Effect.String()),
			attribute.String("rules.rationale", d.Rationale.Kind.String()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		RecordEvaluationMetrics(time.Since(start), d)
	}()

	deny := e.defaultDeny(subjectID, resource, permission)

	if err := ctx.Err(); err != nil {
		return e.failClosed(subjectID, resource, permission), oops.In("rules").
			Code(types.CodeStorage).
			With("subject", subjectID).
			Wrapf(err, "context done before evaluation")
	}
	if subjectID == "" {
		return deny, oops.In("rules").Code(types.CodeInvalidRequest).Errorf("subject must not be empty")
	}
	if err := resource.Validate(); err != nil {
		return deny, err
	}
	perm, ok := e.catalog.Get(permission)
	if !ok {
		return deny, oops.In("rules").Code(types.CodeUnknownPermission).
			With("permission", permission).
			Errorf("permission not registered")
	}

	key := decision.Key{Subject: subjectID, Resource: resource, Permission: permission}
	if cached, hit := e.cache.Get(key); hit {
		cacheLookups.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("rules.cache_hit", true))
		d = cached
	} else {
		var shared bool
		d, shared, err = e.cache.Do(ctx, key, func(ctx context.Context, _ uint64) (decision.Result, error) {
			return e.compute(ctx, subjectID, resource, permission)
		})
		if shared {
			cacheLookups.WithLabelValues("shared").Inc()
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
		if err != nil {
			if types.IsValidation(err) {
				return deny, err
			}
			if !types.HasCode(err, types.CodeStorage) {
				err = oops.In("rules").
					Code(types.CodeStorage).
					With("subject", subjectID).
					Wrap(err)
			}
			closed := e.failClosed(subjectID, resource, permission)
			if auditErr := e.auditDecision(ctx, closed, perm.Moderation); auditErr != nil {
				err = oops.With("audit_error", auditErr.Error()).Wrap(err)
			}
			return closed, err
		}
	}

	if auditErr := e.auditDecision(ctx, d, perm.Moderation); auditErr != nil {
		return d, auditErr
	}
	return d, nil
}

// compute resolves the subject and applies the precedence rules. It runs at
// most once per key and cache generation.
func (e *Engine) compute(ctx context.Context, subjectID string, resource types.ResourceKey, permission string) (decision.Result, error) {
	ec, err := e.resolver.Resolve(ctx, subjectID, resource)
	if err != nil {
		return decision.Result{NoStore: true}, err
	}

	rationale, tags := decide(e.hierarchy.Snapshot(), ec, permission, e.locked)
	d := types.NewDecision(rationale, subjectID, resource, permission)
	d.EvaluatedAt = e.now().UTC()
	if err := d.Validate(); err != nil {
		return decision.Result{NoStore: true}, oops.In("rules").Wrapf(err, "decision validation failed")
	}
	return decision.Result{Decision: d, Tags: tags, Expiry: ec.Expiry}, nil
}

func (e *Engine) defaultDeny(subjectID string, resource types.ResourceKey, permission string) types.Decision {
	d := types.NewDecision(types.Rationale{Kind: types.RationaleDefaultDeny, Level: types.LevelGlobal}, subjectID, resource, permission)
	d.EvaluatedAt = e.now().UTC()
	return d
}

func (e *Engine) failClosed(subjectID string, resource types.ResourceKey, permission string) types.Decision {
	d := types.NewDecision(types.Rationale{Kind: types.RationaleFailClosed, Level: types.LevelGlobal}, subjectID, resource, permission)
	d.EvaluatedAt = e.now().UTC()
	return d
}

// auditDecision hands the decision to the audit logger, which keeps or drops
// it by mode. Moderation decisions are always written synchronously.
func (e *Engine) auditDecision(ctx context.Context, d types.Decision, moderation bool) error {
	if e.audit == nil {
		return nil
	}
	rationale := d.Rationale
	err := e.audit.Log(ctx, audit.Record{
		Kind:       audit.KindDecision,
		Action:     "evaluate",
		Subject:    d.Subject,
		Resource:   d.Resource.String(),
		Permission: d.Permission,
		Effect:     d.Effect,
		Rationale:  &rationale,
		Actor:      access.ActorFromContext(ctx),
		Moderation: moderation,
		Timestamp:  e.now().UTC(),
	})
	if err != nil {
		errutil.LogError(ctx, nil, "moderation decision not audited", err,
			"subject", d.Subject,
			"permission", d.Permission,
		)
	}
	return err
}

// IsAuditFailure reports whether err only says that the audit record could
// not be persisted. The decision returned alongside it is valid.
func IsAuditFailure(err error) bool {
	return types.HasCode(err, types.CodeAuditWrite)
}

// ApplyInvalidation applies an invalidation received from another replica.
func (e *Engine) ApplyInvalidation(ev decision.Event) int {
	n := e.cache.Apply(ev)
	cacheInvalidations.WithLabelValues(string(ev.Kind)).Add(float64(n))
	return n
}

// invalidate drops affected cache entries and tells the other replicas to
// do the same. A publish failure is logged; other replicas fall back to
// their cache TTL.
func (e *Engine) invalidate(ctx context.Context, ev decision.Event) {
	e.ApplyInvalidation(ev)
	if err := e.bus.Publish(ctx, ev); err != nil {
		errutil.LogWarn(ctx, nil, "failed to publish cache invalidation", err,
			"kind", string(ev.Kind),
		)
	}
}

// Catalog returns the permission catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Hierarchy returns the current role graph snapshot.
func (e *Engine) Hierarchy() *hierarchy.Snapshot {
	return e.hierarchy.Snapshot()
}

// CacheLen reports the number of cached decisions.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}
