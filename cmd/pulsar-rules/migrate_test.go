// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"sync"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/internal/config"
	"github.com/pulsarhq/pulsar/internal/store"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

type fakeMigrator struct {
	mu     sync.Mutex
	calls  []string
	status store.Status
	err    error
}

func (m *fakeMigrator) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *fakeMigrator) Up() error   { return m.record("up") }
func (m *fakeMigrator) Down() error { return m.record("down") }
func (m *fakeMigrator) Steps(n int) error {
	if n > 0 {
		return m.record("steps+")
	}
	return m.record("steps-")
}
func (m *fakeMigrator) Close() error { return m.record("close") }

func (m *fakeMigrator) Status() (store.Status, error) {
	if err := m.record("status"); err != nil {
		return store.Status{}, err
	}
	return m.status, nil
}

func (m *fakeMigrator) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

const testDatabaseURL = "postgres://rules@localhost/rules"

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(context.Background(), "migrate", "up")
	errutil.AssertErrorCode(t, err, config.CodeInvalid)
	assert.Empty(t, h.mig.recorded())
}

func TestMigrate_UpPrintsStatus(t *testing.T) {
	h := newHarness(t)
	h.mig.status = store.Status{Version: 1, Applied: []uint{1}}

	out := h.mustRun(t, "migrate", "up", "--database-url", testDatabaseURL)

	assert.Equal(t, []string{"up", "status", "close"}, h.mig.recorded())
	assert.Contains(t, out, "Migrations applied")
	assert.Contains(t, out, "000001")
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "Current version: 1")
}

func TestMigrate_DatabaseURLFromEnvironment(t *testing.T) {
	h := newHarness(t)
	t.Setenv("DATABASE_URL", testDatabaseURL)

	out := h.mustRun(t, "migrate", "status")
	assert.Contains(t, out, "Current version: 0")
	assert.Equal(t, []string{"status", "close"}, h.mig.recorded())
}

func TestMigrate_StatusMarksPendingAndDirty(t *testing.T) {
	h := newHarness(t)
	h.mig.status = store.Status{Version: 1, Dirty: true, Applied: []uint{1}}

	out := h.mustRun(t, "migrate", "status", "--database-url", testDatabaseURL)
	assert.Contains(t, out, "dirty")

	h.mig.status = store.Status{Pending: []uint{1}}
	out = h.mustRun(t, "migrate", "status", "--database-url", testDatabaseURL)
	assert.Contains(t, out, "pending")
}

func TestMigrate_DownNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.run(ctx, "migrate", "down", "--database-url", testDatabaseURL)
	errutil.AssertErrorCode(t, err, "CONFIRMATION_REQUIRED")
	assert.Empty(t, h.mig.recorded())

	out := h.mustRun(t, "migrate", "down", "--yes", "--database-url", testDatabaseURL)
	assert.Contains(t, out, "Migrations reverted")
	assert.Equal(t, []string{"down", "close"}, h.mig.recorded())
}

func TestMigrate_Steps(t *testing.T) {
	h := newHarness(t)

	h.mustRun(t, "migrate", "steps", "--database-url", testDatabaseURL, "--", "-1")
	assert.Equal(t, []string{"steps-", "status", "close"}, h.mig.recorded())

	_, err := h.run(context.Background(), "migrate", "steps", "0", "--database-url", testDatabaseURL)
	errutil.AssertErrorCode(t, err, "INVALID_STEPS")
}

func TestMigrate_FailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.mig.err = oops.Code("MIGRATION_UP_FAILED").Errorf("boom")

	_, err := h.run(context.Background(), "migrate", "up", "--database-url", testDatabaseURL)
	errutil.AssertErrorCode(t, err, "MIGRATION_UP_FAILED")
}

func TestParseSteps(t *testing.T) {
	n, err := parseSteps(" 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, bad := range []string{"", "0", "x", "1.5"} {
		_, err := parseSteps(bad)
		errutil.AssertErrorCode(t, err, "INVALID_STEPS")
	}
}
