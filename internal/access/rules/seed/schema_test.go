// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package seed_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/internal/access/rules/seed"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

func TestGenerateSchema(t *testing.T) {
	data, err := seed.GenerateSchema()
	require.NoError(t, err)

	var doc struct {
		ID         string `json:"$id"`
		Title      string `json:"title"`
		Properties map[string]struct {
			Items struct {
				Required   []string                   `json:"required"`
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"items"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, seed.SchemaID, doc.ID)
	assert.NotEmpty(t, doc.Title)
	assert.ElementsMatch(t, []string{"permissions", "roles", "subjects"}, keys(doc.Properties))

	perms := doc.Properties["permissions"].Items
	assert.ElementsMatch(t, []string{"id", "scope"}, perms.Required)
	assert.JSONEq(t, `{"type":"string","enum":["global","forum","wiki","message","admin"]}`, string(perms.Properties["scope"]))

	assert.Equal(t, []string{"name"}, doc.Properties["roles"].Items.Required)
	assert.Equal(t, []string{"id"}, doc.Properties["subjects"].Items.Required)
}

func TestValidateSchema(t *testing.T) {
	require.NoError(t, seed.ValidateSchema(defaultYAML(t)))
	require.NoError(t, seed.ValidateSchema([]byte("subjects:\n  - {id: alice, roles: [member], locked: true}\n")))

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "grants: []\n"},
		{"unknown scope", "permissions:\n  - {id: x, scope: gallery}\n"},
		{"moderation not a bool", "permissions:\n  - {id: x, scope: forum, moderation: sometimes}\n"},
		{"role without name", "roles:\n  - permissions: [forum.view]\n"},
		{"parents not a list", "roles:\n  - name: a\n    parents: b\n"},
		{"malformed", "roles: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errutil.AssertErrorCode(t, seed.ValidateSchema([]byte(tt.yaml)), types.CodeInvalidRequest)
		})
	}
}

func defaultYAML(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("default.yaml")
	require.NoError(t, err)
	return data
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
