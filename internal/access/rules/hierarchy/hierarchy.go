// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package hierarchy maintains the role inheritance graph.
//
// Roles form a directed acyclic graph through their parent links. Every
// mutation builds a new Snapshot off to the side, runs the caller's persist
// hook and only then publishes the snapshot, so readers always observe either
// the old graph or the new one. A rejected mutation leaves the published
// snapshot untouched.
package hierarchy

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// PersistFunc is invoked with the role as it will appear after a mutation.
// Returning an error aborts the mutation.
type PersistFunc func(types.Role) error

// Option configures a Hierarchy.
type Option func(*Hierarchy)

// WithClock overrides the clock used for role creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hierarchy) { h.now = now }
}

// WithIDGenerator overrides role ID generation.
func WithIDGenerator(gen func() types.RoleID) Option {
	return func(h *Hierarchy) { h.newID = gen }
}

// Hierarchy owns the role graph. Mutations are serialized; reads go through
// Snapshot and never block.
type Hierarchy struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	now     func() time.Time
	newID   func() types.RoleID
}

// New creates an empty hierarchy.
func New(opts ...Option) *Hierarchy {
	h := &Hierarchy{
		now:   time.Now,
		newID: func() types.RoleID { return types.RoleID(ulid.Make().String()) },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.current.Store(emptySnapshot())
	return h
}

// Snapshot returns the currently published graph.
func (h *Hierarchy) Snapshot() *Snapshot {
	return h.current.Load()
}

// CreateRole adds a role. Names are unique ignoring case; every parent must
// already exist.
func (h *Hierarchy) CreateRole(name string, permissions []string, parents []types.RoleID, persist PersistFunc) (types.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Role{}, oops.In("hierarchy").Code(types.CodeInvalidRequest).Errorf("role name must not be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if _, taken := cur.byName[nameKey(name)]; taken {
		return types.Role{}, oops.In("hierarchy").Code(types.CodeDuplicateName).
			With("name", name).
			Errorf("role name already in use")
	}
	parents = dedupe(parents)
	for _, p := range parents {
		if _, ok := cur.roles[p]; !ok {
			return types.Role{}, unknownRole(p)
		}
	}

	role := types.Role{
		ID:          h.newID(),
		Name:        name,
		Permissions: dedupe(permissions),
		Parents:     parents,
		Order:       cur.nextOrder,
		CreatedAt:   h.now().UTC(),
	}
	if _, exists := cur.roles[role.ID]; exists {
		return types.Role{}, oops.In("hierarchy").Code(types.CodeDuplicateName).
			With("role", string(role.ID)).
			Errorf("role id already in use")
	}

	// A brand new role has no children, so it cannot close a cycle.
	roles := cur.cloneRoles()
	roles[role.ID] = role
	if err := h.commit(cur, cur.nextOrder+1, roles, role, persist); err != nil {
		return types.Role{}, err
	}
	return role.Clone(), nil
}

// AddParent makes child inherit from parent. Adding an existing edge is a
// no-op. The edge is rejected with CYCLE if parent already inherits from
// child, directly or transitively.
func (h *Hierarchy) AddParent(child, parent types.RoleID, persist PersistFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	role, ok := cur.roles[child]
	if !ok {
		return unknownRole(child)
	}
	if _, ok := cur.roles[parent]; !ok {
		return unknownRole(parent)
	}
	if slices.Contains(role.Parents, parent) {
		return nil
	}
	if cur.reaches(parent, child) {
		return oops.In("hierarchy").Code(types.CodeCycle).
			With("role", string(child)).
			With("parent", string(parent)).
			Errorf("adding parent would create a cycle")
	}

	roles := cur.cloneRoles()
	updated := roles[child]
	updated.Parents = append(updated.Parents, parent)
	roles[child] = updated
	return h.commit(cur, cur.nextOrder, roles, updated, persist)
}

// RemoveParent drops the child to parent edge. Removing an absent edge is a
// no-op.
func (h *Hierarchy) RemoveParent(child, parent types.RoleID, persist PersistFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	role, ok := cur.roles[child]
	if !ok {
		return unknownRole(child)
	}
	idx := slices.Index(role.Parents, parent)
	if idx < 0 {
		return nil
	}

	roles := cur.cloneRoles()
	updated := roles[child]
	updated.Parents = slices.Delete(updated.Parents, idx, idx+1)
	roles[child] = updated
	return h.commit(cur, cur.nextOrder, roles, updated, persist)
}

// SetPermissions replaces the directly declared permissions of a role.
func (h *Hierarchy) SetPermissions(id types.RoleID, permissions []string, persist PersistFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if _, ok := cur.roles[id]; !ok {
		return unknownRole(id)
	}

	roles := cur.cloneRoles()
	updated := roles[id]
	updated.Permissions = dedupe(permissions)
	roles[id] = updated
	return h.commit(cur, cur.nextOrder, roles, updated, persist)
}

// DeleteRole removes a role. It fails with ROLE_IN_USE while another role
// inherits from it. inUse, when non-nil, lets the caller veto deletion for
// references the graph does not know about, such as subject assignments.
func (h *Hierarchy) DeleteRole(id types.RoleID, inUse func(types.RoleID) (bool, error), persist func(types.RoleID) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if _, ok := cur.roles[id]; !ok {
		return unknownRole(id)
	}
	if children := cur.children[id]; len(children) > 0 {
		return oops.In("hierarchy").Code(types.CodeRoleInUse).
			With("role", string(id)).
			With("children", len(children)).
			Errorf("role has inheriting roles")
	}
	if inUse != nil {
		used, err := inUse(id)
		if err != nil {
			return err
		}
		if used {
			return oops.In("hierarchy").Code(types.CodeRoleInUse).
				With("role", string(id)).
				Errorf("role is assigned")
		}
	}
	if persist != nil {
		if err := persist(id); err != nil {
			return err
		}
	}

	roles := cur.cloneRoles()
	delete(roles, id)
	h.current.Store(build(cur.version+1, cur.nextOrder, roles))
	return nil
}

// Load replaces the graph with roles read from storage. The whole set is
// validated first: missing parents fail with UNKNOWN_ROLE, cycles with CYCLE
// and repeated names with DUPLICATE_NAME.
func (h *Hierarchy) Load(roles []types.Role) error {
	table := make(map[types.RoleID]types.Role, len(roles))
	names := make(map[string]types.RoleID, len(roles))
	var nextOrder uint64 = 1
	for _, r := range roles {
		key := nameKey(r.Name)
		if prev, dup := names[key]; dup || table[r.ID].ID != "" {
			return oops.In("hierarchy").Code(types.CodeDuplicateName).
				With("role", string(r.ID)).
				With("conflicts_with", string(prev)).
				Errorf("duplicate role in load set")
		}
		names[key] = r.ID
		r = r.Clone()
		r.Parents = dedupe(r.Parents)
		table[r.ID] = r
		if r.Order >= nextOrder {
			nextOrder = r.Order + 1
		}
	}
	for _, r := range table {
		for _, p := range r.Parents {
			if _, ok := table[p]; !ok {
				return unknownRole(p)
			}
		}
	}
	if id, cyclic := findCycle(table); cyclic {
		return oops.In("hierarchy").Code(types.CodeCycle).
			With("role", string(id)).
			Errorf("stored role graph contains a cycle")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.current.Load()
	h.current.Store(build(cur.version+1, nextOrder, table))
	return nil
}

func (h *Hierarchy) commit(cur *Snapshot, nextOrder uint64, roles map[types.RoleID]types.Role, changed types.Role, persist PersistFunc) error {
	if persist != nil {
		if err := persist(changed.Clone()); err != nil {
			return err
		}
	}
	h.current.Store(build(cur.version+1, nextOrder, roles))
	return nil
}

// findCycle runs a three-color depth-first search over parent links.
func findCycle(roles map[types.RoleID]types.Role) (types.RoleID, bool) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[types.RoleID]int, len(roles))
	var visit func(types.RoleID) (types.RoleID, bool)
	visit = func(id types.RoleID) (types.RoleID, bool) {
		color[id] = grey
		for _, p := range roles[id].Parents {
			switch color[p] {
			case grey:
				return p, true
			case white:
				if at, found := visit(p); found {
					return at, true
				}
			}
		}
		color[id] = black
		return "", false
	}
	for id := range roles {
		if color[id] == white {
			if at, found := visit(id); found {
				return at, true
			}
		}
	}
	return "", false
}

func dedupe[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	seen := make(map[T]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
