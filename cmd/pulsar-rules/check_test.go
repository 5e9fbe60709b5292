// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

func TestCheck_ExplainsDecisions(t *testing.T) {
	h := seeded(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "inherited moderator power",
			args: []string{"alice", "forum:1", "forum.post.delete"},
			want: []string{"ALLOW  alice forum.post.delete at forum:1", "role: moderator (inherited from forum-moderator, distance 1)"},
		},
		{
			name: "direct member power",
			args: []string{"bob", "wiki:home", "wiki.view"},
			want: []string{"ALLOW", "role: member"},
		},
		{
			name: "default deny",
			args: []string{"bob", "forum:1", "forum.post.delete"},
			want: []string{"DENY", types.DefaultDenyReason},
		},
		{
			name: "locked subject",
			args: []string{"carol", "forum:1", "forum.post.create"},
			want: []string{"DENY", "locked"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.mustRun(t, append([]string{"check"}, tt.args...)...)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestCheck_JSON(t *testing.T) {
	h := seeded(t)
	out := h.mustRun(t, "check", "alice", "forum:1", "forum.post.delete", "--json")

	start := strings.Index(out, "{")
	require.GreaterOrEqual(t, start, 0, out)
	var res checkResult
	require.NoError(t, json.NewDecoder(strings.NewReader(out[start:])).Decode(&res))

	assert.Equal(t, types.EffectAllow, res.Effect)
	assert.Equal(t, types.RationaleRoleAllow, res.Rationale.Kind)
	assert.Equal(t, "moderator", res.Role)
	assert.Equal(t, "forum-moderator", res.SourceRole)
	assert.Equal(t, "forum:1", res.Resource)
}

func TestCheck_IsNotAudited(t *testing.T) {
	h := seeded(t)
	before := h.writer.Len()
	h.mustRun(t, "check", "alice", "forum:1", "forum.post.delete")
	assert.Equal(t, before, h.writer.Len())
}

func TestCheck_Errors(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()

	_, err := h.run(ctx, "check", "alice", "gallery:1", "forum.view")
	errutil.AssertErrorCode(t, err, types.CodeUnknownResource)

	_, err = h.run(ctx, "check", "alice", "forum:1", "forum.fly")
	errutil.AssertErrorCode(t, err, types.CodeUnknownPermission)

	_, err = h.run(ctx, "check", "alice", "forum:1")
	require.Error(t, err)
}

func TestPermissions_ListsEffectiveSet(t *testing.T) {
	h := seeded(t)

	out := h.mustRun(t, "permissions", "bob", "wiki:home")
	lines := strings.Fields(out)
	assert.Contains(t, lines, "wiki.view")
	assert.Contains(t, lines, "forum.view")
	assert.NotContains(t, lines, "wiki.edit")

	_, err := h.run(context.Background(), "permissions", "bob", "nowhere")
	errutil.AssertErrorCode(t, err, types.CodeUnknownResource)
}
