// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package audit

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Kind distinguishes evaluation records from administrative ones.
type Kind string

// Record kinds.
const (
	KindDecision Kind = "decision"
	KindMutation Kind = "mutation"
)

// Record is one append-only audit log entry.
//
// Decision records carry Permission, Effect and Rationale. Mutation records
// carry Action and Actor; Effect is meaningless for them and is not stored.
type Record struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Action     string           `json:"action"`
	Subject    string           `json:"subject,omitempty"`
	Resource   string           `json:"resource,omitempty"`
	Permission string           `json:"permission,omitempty"`
	Effect     types.Effect     `json:"effect"`
	Rationale  *types.Rationale `json:"rationale,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	Moderation bool             `json:"moderation"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	Subject  string
	Resource string
	// Permission is a glob with '.' as separator: "forum.*" matches
	// "forum.post" but not "forum.post.delete"; "forum.**" matches both.
	Permission     string
	Effect         *types.Effect
	Kind           Kind
	ModerationOnly bool
	Since          time.Time
	Until          time.Time
	// Limit caps the result size. Zero means unlimited.
	Limit int
}

type matcher struct {
	Filter
	permission glob.Glob
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{Filter: f}
	if f.Permission != "" {
		g, err := glob.Compile(f.Permission, '.')
		if err != nil {
			return nil, oops.In("audit").Code(types.CodeInvalidRequest).
				With("pattern", f.Permission).
				Wrapf(err, "invalid permission pattern")
		}
		m.permission = g
	}
	if f.Limit < 0 {
		return nil, oops.In("audit").Code(types.CodeInvalidRequest).
			With("limit", f.Limit).
			Errorf("limit must not be negative")
	}
	return m, nil
}

func (m *matcher) match(r Record) bool {
	switch {
	case m.Subject != "" && r.Subject != m.Subject:
		return false
	case m.Resource != "" && r.Resource != m.Resource:
		return false
	case m.Kind != "" && r.Kind != m.Kind:
		return false
	case m.ModerationOnly && !r.Moderation:
		return false
	case !m.Since.IsZero() && r.Timestamp.Before(m.Since):
		return false
	case !m.Until.IsZero() && !r.Timestamp.Before(m.Until):
		return false
	}
	if m.Effect != nil && (r.Kind != KindDecision || r.Effect != *m.Effect) {
		return false
	}
	if m.permission != nil && !m.permission.Match(r.Permission) {
		return false
	}
	return true
}

// full reports whether n results already satisfy the limit.
func (m *matcher) full(n int) bool {
	return m.Limit > 0 && n >= m.Limit
}
