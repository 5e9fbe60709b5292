// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package hierarchy

import (
	"sort"
	"strings"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Contribution explains how a role reaches a permission: which role declares
// it and how many parent edges away that role is.
type Contribution struct {
	Source      types.RoleID
	SourceOrder uint64
	Distance    int
}

// better reports whether c should replace cur as the recorded contribution.
func (c Contribution) better(cur Contribution) bool {
	if c.Distance != cur.Distance {
		return c.Distance < cur.Distance
	}
	return c.SourceOrder < cur.SourceOrder
}

// Snapshot is an immutable view of the role graph. Closures are computed when
// the snapshot is built, so readers never lock.
type Snapshot struct {
	version   uint64
	nextOrder uint64
	roles     map[types.RoleID]types.Role
	byName    map[string]types.RoleID
	children  map[types.RoleID][]types.RoleID
	closures  map[types.RoleID]map[string]Contribution
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		nextOrder: 1,
		roles:     make(map[types.RoleID]types.Role),
		byName:    make(map[string]types.RoleID),
		children:  make(map[types.RoleID][]types.RoleID),
		closures:  make(map[types.RoleID]map[string]Contribution),
	}
}

// build indexes roles and computes every closure by depth-first traversal with
// memoization. Callers must have verified that the graph is acyclic.
func build(version, nextOrder uint64, roles map[types.RoleID]types.Role) *Snapshot {
	s := &Snapshot{
		version:   version,
		nextOrder: nextOrder,
		roles:     roles,
		byName:    make(map[string]types.RoleID, len(roles)),
		children:  make(map[types.RoleID][]types.RoleID),
		closures:  make(map[types.RoleID]map[string]Contribution, len(roles)),
	}
	for id, r := range roles {
		s.byName[nameKey(r.Name)] = id
		for _, p := range r.Parents {
			s.children[p] = append(s.children[p], id)
		}
	}
	for id := range roles {
		s.closure(id)
	}
	return s
}

func (s *Snapshot) closure(id types.RoleID) map[string]Contribution {
	if memo, ok := s.closures[id]; ok {
		return memo
	}
	role := s.roles[id]
	out := make(map[string]Contribution, len(role.Permissions))
	for _, perm := range role.Permissions {
		out[perm] = Contribution{Source: id, SourceOrder: role.Order}
	}
	for _, parent := range role.Parents {
		for perm, c := range s.closure(parent) {
			cand := Contribution{Source: c.Source, SourceOrder: c.SourceOrder, Distance: c.Distance + 1}
			if cur, ok := out[perm]; !ok || cand.better(cur) {
				out[perm] = cand
			}
		}
	}
	s.closures[id] = out
	return out
}

// Version increases by one with every committed mutation.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of roles.
func (s *Snapshot) Len() int {
	return len(s.roles)
}

// Role returns the role with the given id.
func (s *Snapshot) Role(id types.RoleID) (types.Role, bool) {
	r, ok := s.roles[id]
	if !ok {
		return types.Role{}, false
	}
	return r.Clone(), true
}

// RoleByName looks a role up by case-insensitive name.
func (s *Snapshot) RoleByName(name string) (types.Role, bool) {
	id, ok := s.byName[nameKey(name)]
	if !ok {
		return types.Role{}, false
	}
	return s.Role(id)
}

// Roles returns every role in creation order.
func (s *Snapshot) Roles() []types.Role {
	out := make([]types.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Closure returns the permissions reachable from id with their contributions.
// The returned map is shared and must not be modified.
func (s *Snapshot) Closure(id types.RoleID) (map[string]Contribution, error) {
	c, ok := s.closures[id]
	if !ok {
		return nil, unknownRole(id)
	}
	return c, nil
}

// EffectivePermissions returns the sorted transitive permission set of id.
func (s *Snapshot) EffectivePermissions(id types.RoleID) ([]string, error) {
	c, err := s.Closure(id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(c))
	for perm := range c {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out, nil
}

// Descendants returns every role that inherits from id, directly or not.
func (s *Snapshot) Descendants(id types.RoleID) []types.RoleID {
	seen := map[types.RoleID]bool{id: true}
	queue := []types.RoleID{id}
	var out []types.RoleID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range s.children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// reaches reports whether target is from or one of its ancestors.
func (s *Snapshot) reaches(from, target types.RoleID) bool {
	seen := make(map[types.RoleID]bool)
	stack := []types.RoleID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, s.roles[cur].Parents...)
	}
	return false
}

// cloneRoles copies the role table for a copy-on-write mutation.
func (s *Snapshot) cloneRoles() map[types.RoleID]types.Role {
	out := make(map[types.RoleID]types.Role, len(s.roles)+1)
	for id, r := range s.roles {
		out[id] = r.Clone()
	}
	return out
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func unknownRole(id types.RoleID) error {
	return oops.In("hierarchy").Code(types.CodeUnknownRole).
		With("role", string(id)).
		Errorf("role does not exist")
}
