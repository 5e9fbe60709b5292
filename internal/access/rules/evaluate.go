// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package rules

import (
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/hierarchy"
	"github.com/pulsarhq/pulsar/internal/access/rules/resolver"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// decide applies the precedence rules to an assembled context:
//
//  1. an applicable deny grant naming the permission, or naming a role whose
//     closure holds it;
//  2. a locked subject requesting a permission outside the locked set;
//  3. an applicable allow grant naming the permission;
//  4. the best role contribution across all assigned roles;
//  5. default deny.
//
// Grants in ec are ordered most specific first, so the first match at each
// step is the one reported. The returned tags list every role and grant the
// outcome could depend on.
func decide(snap *hierarchy.Snapshot, ec resolver.EffectiveContext, permission string, locked map[string]struct{}) (types.Rationale, decision.Tags) {
	tags := tagsFor(ec)

	for _, g := range ec.Grants {
		if g.Polarity == types.PolarityDeny && grantCovers(snap, g, permission) {
			return types.Rationale{
				Kind:    types.RationaleGrantDeny,
				GrantID: g.ID,
				Role:    g.Role,
				Level:   g.Level(),
			}, tags
		}
	}

	if ec.Subject.Locked {
		if _, ok := locked[permission]; !ok {
			return types.Rationale{Kind: types.RationaleLocked, Level: types.LevelGlobal}, tags
		}
	}

	for _, g := range ec.Grants {
		if g.Polarity == types.PolarityAllow && g.Permission == permission {
			return types.Rationale{
				Kind:    types.RationaleGrantAllow,
				GrantID: g.ID,
				Level:   g.Level(),
			}, tags
		}
	}

	if best, ok := bestRole(snap, ec.Roles, permission); ok {
		return best, tags
	}

	return types.Rationale{Kind: types.RationaleDefaultDeny, Level: types.LevelGlobal}, tags
}

// grantCovers reports whether g speaks about permission, either directly or
// through the closure of the role it names.
func grantCovers(snap *hierarchy.Snapshot, g types.Grant, permission string) bool {
	if g.Permission != "" {
		return g.Permission == permission
	}
	closure, err := snap.Closure(g.Role)
	if err != nil {
		return false
	}
	_, ok := closure[permission]
	return ok
}

type roleCandidate struct {
	rationale types.Rationale
	roleOrder uint64
	contrib   hierarchy.Contribution
}

func (c roleCandidate) better(cur roleCandidate) bool {
	if c.rationale.Level != cur.rationale.Level {
		return c.rationale.Level < cur.rationale.Level
	}
	if c.contrib.Distance != cur.contrib.Distance {
		return c.contrib.Distance < cur.contrib.Distance
	}
	if c.roleOrder != cur.roleOrder {
		return c.roleOrder < cur.roleOrder
	}
	return c.contrib.SourceOrder < cur.contrib.SourceOrder
}

// bestRole picks the most specific role contributing permission: lowest
// assignment level, then shortest inheritance distance, then oldest role.
func bestRole(snap *hierarchy.Snapshot, roles []resolver.RoleAssignment, permission string) (types.Rationale, bool) {
	var (
		best  roleCandidate
		found bool
	)
	for _, a := range roles {
		closure, err := snap.Closure(a.Role)
		if err != nil {
			continue
		}
		contrib, ok := closure[permission]
		if !ok {
			continue
		}
		role, _ := snap.Role(a.Role)
		cand := roleCandidate{
			rationale: types.Rationale{
				Kind:       types.RationaleRoleAllow,
				GrantID:    a.GrantID,
				Role:       a.Role,
				SourceRole: contrib.Source,
				Distance:   contrib.Distance,
				Level:      a.Level,
			},
			roleOrder: role.Order,
			contrib:   contrib,
		}
		if !found || cand.better(best) {
			best, found = cand, true
		}
	}
	return best.rationale, found
}

func tagsFor(ec resolver.EffectiveContext) decision.Tags {
	var tags decision.Tags
	seen := make(map[types.RoleID]struct{}, len(ec.Roles))
	addRole := func(id types.RoleID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		tags.Roles = append(tags.Roles, id)
	}
	for _, a := range ec.Roles {
		addRole(a.Role)
	}
	for _, g := range ec.Grants {
		tags.Grants = append(tags.Grants, g.ID)
		if g.Role != "" {
			addRole(g.Role)
		}
	}
	return tags
}
