// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package catalog holds the registry of permission identifiers.
//
// The catalog is written during initialization and frozen before the engine
// serves traffic. Readers load an immutable map through an atomic pointer and
// never block on writers.
package catalog

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Catalog is the permission registry.
type Catalog struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[map[string]types.Permission]
	frozen  atomic.Bool
}

// New creates an empty, unfrozen catalog.
func New() *Catalog {
	c := &Catalog{}
	empty := make(map[string]types.Permission)
	c.current.Store(&empty)
	return c
}

// Register adds a permission. It fails with DUPLICATE_PERMISSION if the id is
// taken and with FROZEN_CATALOG once Freeze has been called.
func (c *Catalog) Register(p types.Permission) error {
	return c.RegisterWith(p, nil)
}

// RegisterWith is Register with a persistence hook. The hook runs before the
// new table is published; if it fails the catalog is left unchanged.
func (c *Catalog) RegisterWith(p types.Permission, persist func(types.Permission) error) error {
	if strings.TrimSpace(p.ID) == "" {
		return oops.In("catalog").Code(types.CodeInvalidRequest).Errorf("permission id must not be empty")
	}
	if p.Scope < types.ScopeGlobal || p.Scope > types.ScopeAdmin {
		return oops.In("catalog").Code(types.CodeUnknownResource).
			With("permission", p.ID).
			Errorf("permission has unknown scope category")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen.Load() {
		return oops.In("catalog").Code(types.CodeFrozenCatalog).
			With("permission", p.ID).
			Errorf("permission catalog is frozen")
	}

	old := *c.current.Load()
	if _, exists := old[p.ID]; exists {
		return oops.In("catalog").Code(types.CodeDuplicatePermission).
			With("permission", p.ID).
			Errorf("permission already registered")
	}

	if persist != nil {
		if err := persist(p); err != nil {
			return err
		}
	}

	next := make(map[string]types.Permission, len(old)+1)
	for id, perm := range old {
		next[id] = perm
	}
	next[p.ID] = p
	c.current.Store(&next)
	return nil
}

// Freeze ends the initialization phase. It is idempotent.
func (c *Catalog) Freeze() {
	c.mu.Lock()
	c.frozen.Store(true)
	c.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (c *Catalog) Frozen() bool {
	return c.frozen.Load()
}

// Exists reports whether id is registered.
func (c *Catalog) Exists(id string) bool {
	_, ok := (*c.current.Load())[id]
	return ok
}

// Get returns the permission registered under id.
func (c *Catalog) Get(id string) (types.Permission, bool) {
	p, ok := (*c.current.Load())[id]
	return p, ok
}

// ScopeOf returns the scope category of id.
func (c *Catalog) ScopeOf(id string) (types.Scope, error) {
	p, ok := c.Get(id)
	if !ok {
		return types.ScopeGlobal, oops.In("catalog").Code(types.CodeUnknownPermission).
			With("permission", id).
			Errorf("permission not registered")
	}
	return p.Scope, nil
}

// List returns all permissions sorted by id.
func (c *Catalog) List() []types.Permission {
	table := *c.current.Load()
	out := make([]types.Permission, 0, len(table))
	for _, p := range table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered permissions.
func (c *Catalog) Len() int {
	return len(*c.current.Load())
}
