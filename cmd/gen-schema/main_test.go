// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/internal/access/rules/seed"
)

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "seed.schema.json")
	require.NoError(t, write(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := seed.GenerateSchema()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}
