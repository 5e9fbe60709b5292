// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package rules

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// The administrative surface does not check permissions itself. Callers
// evaluate an admin permission first and attach the acting principal with
// access.WithActor so the audit trail names them.

// Hydrate loads permissions and roles from the store. It may run only once,
// before the catalog is frozen.
func (e *Engine) Hydrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hydrated.Load() {
		return oops.In("rules").Code(types.CodeInvalidRequest).Errorf("engine already hydrated")
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout*4)
	defer cancel()

	perms, err := e.store.LoadPermissions(ctx)
	if err != nil {
		return storageFailure("load permissions", err)
	}
	for _, p := range perms {
		if err := e.catalog.Register(p); err != nil {
			return oops.In("rules").With("permission", p.ID).Wrapf(err, "hydrate catalog")
		}
	}

	roles, err := e.store.LoadRoles(ctx)
	if err != nil {
		return storageFailure("load roles", err)
	}
	if err := e.hierarchy.Load(roles); err != nil {
		return oops.In("rules").Wrapf(err, "hydrate hierarchy")
	}
	hierarchyVersion.Set(float64(e.hierarchy.Snapshot().Version()))

	e.hydrated.Store(true)
	slog.InfoContext(ctx, "rules engine hydrated",
		"permissions", len(perms),
		"roles", len(roles),
	)
	return nil
}

// ReloadRoles replaces the role graph with the one in the store. Replicas
// call it when another replica announces a role change, since the event
// carries only the affected ids.
func (e *Engine) ReloadRoles(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hydrated.Load() {
		return oops.In("rules").Code(types.CodeInvalidRequest).Errorf("engine not hydrated")
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout*4)
	defer cancel()

	roles, err := e.store.LoadRoles(ctx)
	if err != nil {
		return storageFailure("load roles", err)
	}
	if err := e.hierarchy.Load(roles); err != nil {
		return oops.In("rules").Wrapf(err, "reload hierarchy")
	}
	version := e.hierarchy.Snapshot().Version()
	hierarchyVersion.Set(float64(version))
	slog.DebugContext(ctx, "role hierarchy reloaded", "roles", len(roles), "version", version)
	return nil
}

// Ready reports whether the engine may serve traffic: hydrated and with a
// frozen catalog.
func (e *Engine) Ready() error {
	if !e.hydrated.Load() {
		return oops.In("rules").Errorf("engine not hydrated")
	}
	if !e.catalog.Frozen() {
		return oops.In("rules").Errorf("permission catalog not frozen")
	}
	return nil
}

// RegisterPermission adds a permission to the catalog and the store.
func (e *Engine) RegisterPermission(ctx context.Context, p types.Permission) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.catalog.RegisterWith(p, func(p types.Permission) error {
		wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		if err := e.store.PersistPermission(wctx, p); err != nil {
			return storageFailure("persist permission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.auditMutation(ctx, "permission.register", audit.Record{Permission: p.ID, Moderation: p.Moderation})
}

// FreezeCatalog closes the catalog to further registration.
func (e *Engine) FreezeCatalog() {
	e.catalog.Freeze()
}

// CreateRole adds a role. Every permission must be registered and every
// parent must exist.
func (e *Engine) CreateRole(ctx context.Context, name string, permissions []string, parents []types.RoleID) (types.Role, error) {
	if err := e.checkPermissions(permissions); err != nil {
		return types.Role{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	role, err := e.hierarchy.CreateRole(name, permissions, parents, e.persistRole(ctx))
	if err != nil {
		return types.Role{}, err
	}
	hierarchyVersion.Set(float64(e.hierarchy.Snapshot().Version()))
	// No cached decision can depend on a new role; the event only tells
	// other replicas to reload their role graph.
	e.invalidate(ctx, decision.Event{Kind: decision.EventRoles, Roles: []types.RoleID{role.ID}})
	return role, e.auditMutation(ctx, "role.create", audit.Record{Resource: "role:" + string(role.ID)})
}

// AddParent makes child inherit from parent. It fails with CYCLE if parent
// already inherits from child.
func (e *Engine) AddParent(ctx context.Context, child, parent types.RoleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mutateRole(ctx, child, "role.add_parent", func() error {
		return e.hierarchy.AddParent(child, parent, e.persistRole(ctx))
	})
}

// RemoveParent drops an inheritance edge. Removing an absent edge is a no-op.
func (e *Engine) RemoveParent(ctx context.Context, child, parent types.RoleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mutateRole(ctx, child, "role.remove_parent", func() error {
		return e.hierarchy.RemoveParent(child, parent, e.persistRole(ctx))
	})
}

// SetRolePermissions replaces the permissions a role declares directly.
func (e *Engine) SetRolePermissions(ctx context.Context, id types.RoleID, permissions []string) error {
	if err := e.checkPermissions(permissions); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mutateRole(ctx, id, "role.set_permissions", func() error {
		return e.hierarchy.SetPermissions(id, permissions, e.persistRole(ctx))
	})
}

// DeleteRole removes a role. It fails with ROLE_IN_USE while another role
// inherits from it or any subject or grant references it.
func (e *Engine) DeleteRole(ctx context.Context, id types.RoleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inUse := func(id types.RoleID) (bool, error) {
		rctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		used, err := e.store.RoleInUse(rctx, id)
		if err != nil {
			return false, storageFailure("check role usage", err)
		}
		return used, nil
	}
	persist := func(id types.RoleID) error {
		wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		if err := e.store.DeleteRole(wctx, id); err != nil {
			return storageFailure("delete role", err)
		}
		return nil
	}
	return e.mutateRole(ctx, id, "role.delete", func() error {
		return e.hierarchy.DeleteRole(id, inUse, persist)
	})
}

// mutateRole runs a hierarchy mutation on role and invalidates every cached
// decision that consulted role or any of its descendants, in the graph both
// before and after the change. A mutation that leaves the graph unchanged
// is neither published nor audited.
func (e *Engine) mutateRole(ctx context.Context, role types.RoleID, action string, mutate func() error) error {
	before := e.hierarchy.Snapshot()
	affected := append([]types.RoleID{role}, before.Descendants(role)...)
	if err := mutate(); err != nil {
		return err
	}
	snap := e.hierarchy.Snapshot()
	if snap.Version() == before.Version() {
		return nil
	}
	hierarchyVersion.Set(float64(snap.Version()))
	for _, d := range snap.Descendants(role) {
		if !slices.Contains(affected, d) {
			affected = append(affected, d)
		}
	}

	e.invalidate(ctx, decision.Event{Kind: decision.EventRoles, Roles: affected})
	return e.auditMutation(ctx, action, audit.Record{Resource: "role:" + string(role)})
}

func (e *Engine) persistRole(ctx context.Context) func(types.Role) error {
	return func(r types.Role) error {
		wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		if err := e.store.PersistRoleChange(wctx, r); err != nil {
			return storageFailure("persist role", err)
		}
		return nil
	}
}

func (e *Engine) checkPermissions(ids []string) error {
	for _, id := range ids {
		if !e.catalog.Exists(id) {
			return oops.In("rules").Code(types.CodeUnknownPermission).
				With("permission", id).
				Errorf("permission not registered")
		}
	}
	return nil
}

// GrantRequest describes a grant to create. Exactly one of Role and
// Permission must be set.
type GrantRequest struct {
	Subject    string
	Resource   types.ResourceKey
	Role       types.RoleID
	Permission string
	Polarity   types.Polarity
	ExpiresAt  *time.Time
}

// Grant creates a grant for the acting principal in ctx.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (types.Grant, error) {
	g := types.Grant{
		ID:         e.newID(),
		Subject:    strings.TrimSpace(req.Subject),
		Resource:   req.Resource,
		Role:       req.Role,
		Permission: req.Permission,
		Polarity:   req.Polarity,
		ExpiresAt:  req.ExpiresAt,
		CreatedBy:  access.ActorFromContext(ctx),
		CreatedAt:  e.now().UTC(),
	}
	if err := g.Validate(); err != nil {
		return types.Grant{}, err
	}
	if g.Expired(g.CreatedAt) {
		return types.Grant{}, oops.In("rules").Code(types.CodeInvalidGrant).
			With("expires_at", *g.ExpiresAt).
			Errorf("grant expires before it is created")
	}
	if g.Permission != "" {
		if err := e.checkPermissions([]string{g.Permission}); err != nil {
			return types.Grant{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if g.Role != "" {
		if _, ok := e.hierarchy.Snapshot().Role(g.Role); !ok {
			return types.Grant{}, oops.In("rules").Code(types.CodeUnknownRole).
				With("role", string(g.Role)).
				Errorf("role not found")
		}
	}

	wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.PersistGrant(wctx, g); err != nil {
		return types.Grant{}, storageFailure("persist grant", err)
	}

	res := g.Resource
	e.invalidate(ctx, decision.Event{Kind: decision.EventGrant, Subject: g.Subject, Resource: &res, Grant: g.ID})
	return g, e.auditMutation(ctx, "grant.create", audit.Record{
		Subject:    g.Subject,
		Resource:   g.Resource.String(),
		Permission: g.Permission,
		Moderation: g.Polarity == types.PolarityDeny,
	})
}

// Revoke deletes a grant. Revoking an unknown or already revoked grant is a
// no-op.
func (e *Engine) Revoke(ctx context.Context, grantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	existed, err := e.store.RevokeGrant(wctx, grantID)
	if err != nil {
		return storageFailure("revoke grant", err)
	}
	if !existed {
		return nil
	}

	e.invalidate(ctx, decision.Event{Kind: decision.EventGrant, Grant: grantID})
	return e.auditMutation(ctx, "grant.revoke", audit.Record{Resource: "grant:" + grantID})
}

// PutSubject creates or replaces a subject's global roles and lock state.
func (e *Engine) PutSubject(ctx context.Context, s types.Subject) error {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return oops.In("rules").Code(types.CodeInvalidRequest).Errorf("subject id must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.hierarchy.Snapshot()
	for _, r := range s.Roles {
		if _, ok := snap.Role(r); !ok {
			return oops.In("rules").Code(types.CodeUnknownRole).
				With("role", string(r)).
				With("subject", s.ID).
				Errorf("role not found")
		}
	}

	wctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.PersistSubject(wctx, s); err != nil {
		return storageFailure("persist subject", err)
	}

	e.invalidate(ctx, decision.Event{Kind: decision.EventSubject, Subject: s.ID})
	return e.auditMutation(ctx, "subject.put", audit.Record{Subject: s.ID})
}

// QueryAuditLog returns audit records matching f, newest first.
func (e *Engine) QueryAuditLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if e.audit == nil {
		return nil, oops.In("rules").Code(types.CodeInvalidRequest).Errorf("audit log not configured")
	}
	return e.audit.Query(ctx, f)
}

// EffectivePermissions lists every registered permission subjectID holds at
// resource. It bypasses the decision cache and is not audited.
func (e *Engine) EffectivePermissions(ctx context.Context, subjectID string, resource types.ResourceKey) ([]string, error) {
	if err := resource.Validate(); err != nil {
		return nil, err
	}
	ec, err := e.resolver.Resolve(ctx, subjectID, resource)
	if err != nil {
		return nil, err
	}

	snap := e.hierarchy.Snapshot()
	var out []string
	for _, p := range e.catalog.List() {
		rationale, _ := decide(snap, ec, p.ID, e.locked)
		if rationale.Kind.Effect() == types.EffectAllow {
			out = append(out, p.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// auditMutation records an administrative change. The change has already
// been applied; a failure only means the record was lost.
func (e *Engine) auditMutation(ctx context.Context, action string, rec audit.Record) error {
	if e.audit == nil {
		return nil
	}
	rec.Kind = audit.KindMutation
	rec.Action = action
	rec.Actor = access.ActorFromContext(ctx)
	rec.Timestamp = e.now().UTC()
	return e.audit.Log(ctx, rec)
}

// storageFailure makes sure a store error carries the STORAGE code, keeping
// validation codes the store reported itself.
func storageFailure(op string, err error) error {
	if types.ErrorCode(err) != "" {
		return err
	}
	return oops.In("rules").Code(types.CodeStorage).With("operation", op).Wrap(err)
}
