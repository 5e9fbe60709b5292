// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package accesstest provides test helpers for access control.
package accesstest

import (
	"context"
	"sync"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// AllowAll is a Checker that allows everything.
type AllowAll struct{}

// Allowed always returns true.
func (AllowAll) Allowed(context.Context, string, types.ResourceKey, string) (bool, error) {
	return true, nil
}

// DenyAll is a Checker that denies everything.
type DenyAll struct{}

// Allowed always returns false.
func (DenyAll) Allowed(context.Context, string, types.ResourceKey, string) (bool, error) {
	return false, nil
}

// MockChecker is a Checker for testing with selective grants. A grant at a
// category or global key covers the instances beneath it.
type MockChecker struct {
	mu     sync.RWMutex
	grants map[string]map[string][]types.ResourceKey // subject -> permission -> resources
	err    error
}

// NewMockChecker creates an empty MockChecker.
func NewMockChecker() *MockChecker {
	return &MockChecker{grants: make(map[string]map[string][]types.ResourceKey)}
}

// Grant allows subject to use permission at resource.
func (m *MockChecker) Grant(subject, permission string, resource types.ResourceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[subject] == nil {
		m.grants[subject] = make(map[string][]types.ResourceKey)
	}
	m.grants[subject][permission] = append(m.grants[subject][permission], resource)
}

// FailWith makes every later call return err.
func (m *MockChecker) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Allowed implements access.Checker.
func (m *MockChecker) Allowed(_ context.Context, subject string, resource types.ResourceKey, permission string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return false, m.err
	}
	for _, at := range m.grants[subject][permission] {
		if at.Covers(resource) {
			return true, nil
		}
	}
	return false, nil
}

// Verify interfaces are satisfied.
var (
	_ access.Checker = AllowAll{}
	_ access.Checker = DenyAll{}
	_ access.Checker = (*MockChecker)(nil)
)
