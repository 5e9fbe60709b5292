// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// diagnostic CLI when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[string]types.Permission
	roles       map[types.RoleID]types.Role
	subjects    map[string]types.Subject
	grants      map[string]types.Grant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[string]types.Permission),
		roles:       make(map[types.RoleID]types.Role),
		subjects:    make(map[string]types.Subject),
		grants:      make(map[string]types.Grant),
	}
}

var _ Store = (*MemoryStore)(nil)

// LoadPermissions returns all permissions sorted by id.
func (m *MemoryStore) LoadPermissions(_ context.Context) ([]types.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadRoles returns all roles in creation order.
func (m *MemoryStore) LoadRoles(_ context.Context) ([]types.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// LoadGrants returns grants ordered by creation time.
func (m *MemoryStore) LoadGrants(_ context.Context, subject string) ([]types.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Grant
	for _, g := range m.grants {
		if subject == "" || g.Subject == subject {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LoadSubject returns the stored subject.
func (m *MemoryStore) LoadSubject(_ context.Context, id string) (types.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return types.Subject{}, unknownSubject(id)
	}
	s.Roles = slices.Clone(s.Roles)
	return s, nil
}

// PersistPermission stores a permission.
func (m *MemoryStore) PersistPermission(_ context.Context, p types.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[p.ID]; ok {
		return oops.In("store").Code(types.CodeDuplicatePermission).
			With("permission", p.ID).
			Errorf("permission already stored")
	}
	m.permissions[p.ID] = p
	return nil
}

// PersistRoleChange inserts or replaces a role.
func (m *MemoryStore) PersistRoleChange(_ context.Context, r types.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.ID] = r.Clone()
	return nil
}

// DeleteRole removes a role. Deleting a missing role is a no-op.
func (m *MemoryStore) DeleteRole(_ context.Context, id types.RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, id)
	return nil
}

// RoleInUse reports whether a subject or grant references id.
func (m *MemoryStore) RoleInUse(_ context.Context, id types.RoleID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subjects {
		if slices.Contains(s.Roles, id) {
			return true, nil
		}
	}
	for _, g := range m.grants {
		if g.Role == id {
			return true, nil
		}
	}
	return false, nil
}

// PersistGrant stores a grant.
func (m *MemoryStore) PersistGrant(_ context.Context, g types.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = cloneGrant(g)
	return nil
}

// RevokeGrant removes a grant and reports whether it was present.
func (m *MemoryStore) RevokeGrant(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.grants[id]
	delete(m.grants, id)
	return ok, nil
}

// PersistSubject inserts or replaces a subject.
func (m *MemoryStore) PersistSubject(_ context.Context, s types.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Roles = slices.Clone(s.Roles)
	m.subjects[s.ID] = s
	return nil
}

func cloneGrant(g types.Grant) types.Grant {
	if g.ExpiresAt != nil {
		exp := *g.ExpiresAt
		g.ExpiresAt = &exp
	}
	return g
}
