// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package seed loads permission catalogs and role graphs from YAML.
package seed

import (
	"context"
	_ "embed"
	"log/slog"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/pulsarhq/pulsar/internal/access/rules/catalog"
	"github.com/pulsarhq/pulsar/internal/access/rules/hierarchy"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

//go:embed default.yaml
var defaultSeed []byte

// File represents a seed YAML document.
type File struct {
	Permissions []types.Permission `yaml:"permissions"`
	Roles       []Role             `yaml:"roles"`
	Subjects    []Subject          `yaml:"subjects,omitempty"`
}

// Role is a role declaration. Parents are role names declared earlier in
// the same file or already present in the target.
type Role struct {
	Name        string   `yaml:"name" jsonschema:"required"`
	Permissions []string `yaml:"permissions,omitempty"`
	Parents     []string `yaml:"parents,omitempty"`
}

// Subject assigns global roles by name.
type Subject struct {
	ID     string   `yaml:"id" jsonschema:"required"`
	Roles  []string `yaml:"roles,omitempty"`
	Locked bool     `yaml:"locked,omitempty"`
}

// Target is what a seed is applied to. *rules.Engine satisfies it.
type Target interface {
	RegisterPermission(ctx context.Context, p types.Permission) error
	CreateRole(ctx context.Context, name string, permissions []string, parents []types.RoleID) (types.Role, error)
	PutSubject(ctx context.Context, s types.Subject) error
	Catalog() *catalog.Catalog
	Hierarchy() *hierarchy.Snapshot
}

// Report counts what Apply created.
type Report struct {
	Permissions int
	Roles       int
	Subjects    int
}

// Default returns the built-in seed.
func Default() (*File, error) {
	return Parse(defaultSeed)
}

// Parse parses and validates a seed document.
func Parse(data []byte) (*File, error) {
	if len(data) == 0 {
		return nil, oops.In("seed").Code(types.CodeInvalidRequest).Errorf("seed data is empty")
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, oops.In("seed").Code(types.CodeInvalidRequest).Wrapf(err, "invalid YAML")
	}
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that ids are unique and that every reference resolves
// within the file. References to roles outside the file are checked by
// Apply.
func (f *File) Validate() error {
	perms := make(map[string]struct{}, len(f.Permissions))
	for _, p := range f.Permissions {
		if p.ID == "" {
			return oops.In("seed").Code(types.CodeInvalidRequest).Errorf("permission id is required")
		}
		if _, dup := perms[p.ID]; dup {
			return oops.In("seed").Code(types.CodeDuplicatePermission).
				With("permission", p.ID).
				Errorf("permission declared twice")
		}
		perms[p.ID] = struct{}{}
	}

	roles := make(map[string]struct{}, len(f.Roles))
	for _, r := range f.Roles {
		if r.Name == "" {
			return oops.In("seed").Code(types.CodeInvalidRequest).Errorf("role name is required")
		}
		if _, dup := roles[r.Name]; dup {
			return oops.In("seed").Code(types.CodeDuplicateName).
				With("role", r.Name).
				Errorf("role declared twice")
		}
		for _, parent := range r.Parents {
			if _, ok := roles[parent]; !ok {
				return oops.In("seed").Code(types.CodeUnknownRole).
					With("role", r.Name).
					With("parent", parent).
					Errorf("parent must be declared before the role that inherits from it")
			}
		}
		roles[r.Name] = struct{}{}
	}

	for _, s := range f.Subjects {
		if s.ID == "" {
			return oops.In("seed").Code(types.CodeInvalidRequest).Errorf("subject id is required")
		}
	}
	return nil
}

// Apply registers the seed's permissions, creates its roles and stores its
// subjects. Permissions and roles that already exist are left alone, so
// applying the same seed twice creates nothing the second time. Subjects
// are always replaced.
func (f *File) Apply(ctx context.Context, t Target) (Report, error) {
	var rep Report

	for _, p := range f.Permissions {
		if t.Catalog().Exists(p.ID) {
			continue
		}
		if err := t.RegisterPermission(ctx, p); err != nil {
			return rep, oops.In("seed").With("permission", p.ID).Wrapf(err, "register permission")
		}
		rep.Permissions++
	}

	for _, r := range f.Roles {
		if _, ok := t.Hierarchy().RoleByName(r.Name); ok {
			continue
		}
		parents, err := roleIDs(t.Hierarchy(), r.Parents)
		if err != nil {
			return rep, oops.In("seed").With("role", r.Name).Wrap(err)
		}
		if _, err := t.CreateRole(ctx, r.Name, r.Permissions, parents); err != nil {
			return rep, oops.In("seed").With("role", r.Name).Wrapf(err, "create role")
		}
		rep.Roles++
	}

	for _, s := range f.Subjects {
		ids, err := roleIDs(t.Hierarchy(), s.Roles)
		if err != nil {
			return rep, oops.In("seed").With("subject", s.ID).Wrap(err)
		}
		if err := t.PutSubject(ctx, types.Subject{ID: s.ID, Roles: ids, Locked: s.Locked}); err != nil {
			return rep, oops.In("seed").With("subject", s.ID).Wrapf(err, "put subject")
		}
		rep.Subjects++
	}

	slog.InfoContext(ctx, "seed applied",
		"permissions", rep.Permissions,
		"roles", rep.Roles,
		"subjects", rep.Subjects,
	)
	return rep, nil
}

func roleIDs(snap *hierarchy.Snapshot, names []string) ([]types.RoleID, error) {
	ids := make([]types.RoleID, 0, len(names))
	for _, name := range names {
		role, ok := snap.RoleByName(name)
		if !ok {
			return nil, oops.Code(types.CodeUnknownRole).
				With("role_name", name).
				Errorf("role not found")
		}
		ids = append(ids, role.ID)
	}
	return ids, nil
}
