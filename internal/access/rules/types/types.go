// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package types defines the core types for the rules engine.
package types

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Scope is the category a permission or resource belongs to.
type Scope int

// Scope constants, ordered from broadest to the content categories.
const (
	ScopeGlobal  Scope = iota // global
	ScopeForum                // forum
	ScopeWiki                 // wiki
	ScopeMessage              // message
	ScopeAdmin                // admin
)

var scopeStrings = [...]string{
	"global",
	"forum",
	"wiki",
	"message",
	"admin",
}

func (s Scope) String() string {
	if s >= 0 && int(s) < len(scopeStrings) {
		return scopeStrings[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseScope converts a scope name into a Scope.
func ParseScope(name string) (Scope, error) {
	for i, s := range scopeStrings {
		if s == name {
			return Scope(i), nil
		}
	}
	return ScopeGlobal, oops.
		Code(CodeUnknownResource).
		With("scope", name).
		Errorf("unknown scope category %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Level is the specificity of a grant or role assignment. Lower is more specific.
type Level int

// Level constants.
const (
	LevelResource Level = iota // resource
	LevelCategory              // category
	LevelGlobal                // global
)

var levelStrings = [...]string{
	"resource",
	"category",
	"global",
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelStrings) {
		return levelStrings[l]
	}
	return fmt.Sprintf("unknown(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	for i, name := range levelStrings {
		if name == string(text) {
			*l = Level(i)
			return nil
		}
	}
	return oops.Code(CodeInvalidRequest).With("level", string(text)).Errorf("unknown level")
}

// Wildcard is the instance id that addresses a whole category.
const Wildcard = "*"

// ResourceKey addresses the target of a gated action.
type ResourceKey struct {
	Category Scope
	ID       string
}

// GlobalResource returns the key for the whole platform.
func GlobalResource() ResourceKey {
	return ResourceKey{Category: ScopeGlobal}
}

// CategoryResource returns the key covering every instance of a category.
func CategoryResource(category Scope) ResourceKey {
	if category == ScopeGlobal {
		return GlobalResource()
	}
	return ResourceKey{Category: category, ID: Wildcard}
}

// NewResource returns the key for a single instance.
func NewResource(category Scope, id string) ResourceKey {
	return ResourceKey{Category: category, ID: id}
}

// Level reports how specific the key is.
func (r ResourceKey) Level() Level {
	switch {
	case r.Category == ScopeGlobal:
		return LevelGlobal
	case r.ID == Wildcard:
		return LevelCategory
	default:
		return LevelResource
	}
}

// String renders the key as "global", "forum:*" or "forum:12".
func (r ResourceKey) String() string {
	if r.Category == ScopeGlobal {
		return "global"
	}
	return r.Category.String() + ":" + r.ID
}

// Validate checks that the key is well formed.
func (r ResourceKey) Validate() error {
	if r.Category < ScopeGlobal || r.Category > ScopeAdmin {
		return oops.Code(CodeUnknownResource).
			With("category", int(r.Category)).
			Errorf("unknown resource category")
	}
	if r.Category == ScopeGlobal && r.ID != "" {
		return oops.Code(CodeUnknownResource).
			With("resource", r.String()).
			Errorf("global resource cannot carry an instance id")
	}
	if r.Category != ScopeGlobal && strings.TrimSpace(r.ID) == "" {
		return oops.Code(CodeUnknownResource).
			With("category", r.Category.String()).
			Errorf("resource instance id must not be empty")
	}
	return nil
}

// Covers reports whether a grant at r applies to target.
func (r ResourceKey) Covers(target ResourceKey) bool {
	switch r.Level() {
	case LevelGlobal:
		return true
	case LevelCategory:
		return target.Category == r.Category
	default:
		return r == target
	}
}

// ParseResourceKey parses "global", "forum:*" or "forum:12".
func ParseResourceKey(s string) (ResourceKey, error) {
	if s == "global" {
		return GlobalResource(), nil
	}
	category, id, found := strings.Cut(s, ":")
	if !found {
		return ResourceKey{}, oops.Code(CodeUnknownResource).
			With("resource", s).
			Errorf("resource must be 'global' or 'category:id'")
	}
	scope, err := ParseScope(category)
	if err != nil {
		return ResourceKey{}, err
	}
	key := ResourceKey{Category: scope, ID: id}
	if scope == ScopeGlobal {
		key.ID = ""
	}
	if err := key.Validate(); err != nil {
		return ResourceKey{}, err
	}
	return key, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r ResourceKey) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ResourceKey) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceKey(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Permission is an atomic capability identifier.
type Permission struct {
	ID          string `yaml:"id" json:"id" jsonschema:"required"`
	Scope       Scope  `yaml:"scope" json:"scope" jsonschema:"required"`
	Moderation  bool   `yaml:"moderation" json:"moderation"`
	Description string `yaml:"description" json:"description"`
}

// RoleID identifies a role. IDs are ULID strings.
type RoleID string

// Role is a named set of permissions with optional parent roles.
type Role struct {
	ID          RoleID
	Name        string
	Permissions []string
	Parents     []RoleID
	Order       uint64
	CreatedAt   time.Time
}

// Clone returns a deep copy so snapshots never share slices.
func (r Role) Clone() Role {
	r.Permissions = slices.Clone(r.Permissions)
	r.Parents = slices.Clone(r.Parents)
	return r
}

// Polarity is the direction of a grant.
type Polarity string

// Polarity constants.
const (
	PolarityAllow Polarity = "allow"
	PolarityDeny  Polarity = "deny"
)

// Grant ties a subject to a role or a single permission at a resource.
type Grant struct {
	ID         string
	Subject    string
	Resource   ResourceKey
	Role       RoleID
	Permission string
	Polarity   Polarity
	ExpiresAt  *time.Time
	CreatedBy  string
	CreatedAt  time.Time
}

// Level reports the specificity of the grant.
func (g Grant) Level() Level {
	return g.Resource.Level()
}

// Expired reports whether the grant has lapsed at now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Validate checks the structural invariants of a grant.
func (g Grant) Validate() error {
	if strings.TrimSpace(g.Subject) == "" {
		return oops.Code(CodeInvalidGrant).Errorf("grant subject must not be empty")
	}
	if (g.Role == "") == (g.Permission == "") {
		return oops.Code(CodeInvalidGrant).
			With("subject", g.Subject).
			Errorf("grant must name exactly one of role or permission")
	}
	if g.Polarity != PolarityAllow && g.Polarity != PolarityDeny {
		return oops.Code(CodeInvalidGrant).
			With("polarity", string(g.Polarity)).
			Errorf("grant polarity must be allow or deny")
	}
	if err := g.Resource.Validate(); err != nil {
		return err
	}
	return nil
}

// Subject is an authenticated identity with its global role assignments.
type Subject struct {
	ID     string
	Roles  []RoleID
	Locked bool
}

// Effect is the outcome of an evaluation.
type Effect int

// Effect constants. The zero value denies.
const (
	EffectDeny  Effect = iota // deny
	EffectAllow               // allow
)

var effectStrings = [...]string{
	"deny",
	"allow",
}

func (e Effect) String() string {
	if e >= 0 && int(e) < len(effectStrings) {
		return effectStrings[e]
	}
	return fmt.Sprintf("unknown(%d)", int(e))
}

// ParseEffect converts "allow" or "deny" into an Effect.
func ParseEffect(s string) (Effect, error) {
	switch s {
	case "allow":
		return EffectAllow, nil
	case "deny":
		return EffectDeny, nil
	default:
		return EffectDeny, oops.Code(CodeInvalidRequest).With("effect", s).Errorf("unknown effect")
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Effect) UnmarshalText(text []byte) error {
	parsed, err := ParseEffect(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// RationaleKind tags which rule produced a decision.
type RationaleKind int

// RationaleKind constants.
const (
	RationaleDefaultDeny RationaleKind = iota // default_deny
	RationaleGrantDeny                        // grant_deny
	RationaleGrantAllow                       // grant_allow
	RationaleRoleAllow                        // role_allow
	RationaleLocked                           // locked
	RationaleFailClosed                       // fail_closed
)

var rationaleStrings = [...]string{
	"default_deny",
	"grant_deny",
	"grant_allow",
	"role_allow",
	"locked",
	"fail_closed",
}

func (k RationaleKind) String() string {
	if k >= 0 && int(k) < len(rationaleStrings) {
		return rationaleStrings[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseRationaleKind converts a rationale name back into its kind.
func ParseRationaleKind(s string) (RationaleKind, error) {
	for i, name := range rationaleStrings {
		if name == s {
			return RationaleKind(i), nil
		}
	}
	return RationaleDefaultDeny, oops.Code(CodeInvalidRequest).With("rationale", s).Errorf("unknown rationale kind")
}

// Effect returns the outcome the kind implies.
func (k RationaleKind) Effect() Effect {
	if k == RationaleGrantAllow || k == RationaleRoleAllow {
		return EffectAllow
	}
	return EffectDeny
}

// MarshalText implements encoding.TextMarshaler.
func (k RationaleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RationaleKind) UnmarshalText(text []byte) error {
	parsed, err := ParseRationaleKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Rationale records which grant or role produced a decision.
type Rationale struct {
	Kind       RationaleKind `json:"kind"`
	GrantID    string        `json:"grant_id,omitempty"`
	Role       RoleID        `json:"role,omitempty"`
	SourceRole RoleID        `json:"source_role,omitempty"`
	Distance   int           `json:"distance,omitempty"`
	Level      Level         `json:"level"`
}

// DefaultDenyReason is the message attached to default denials.
const DefaultDenyReason = "no matching grant or role"

func (r Rationale) String() string {
	switch r.Kind {
	case RationaleGrantDeny, RationaleGrantAllow:
		return fmt.Sprintf("%s(grant=%s, level=%s)", r.Kind, r.GrantID, r.Level)
	case RationaleRoleAllow:
		if r.SourceRole != "" && r.SourceRole != r.Role {
			return fmt.Sprintf("%s(role=%s, via=%s, distance=%d, level=%s)", r.Kind, r.Role, r.SourceRole, r.Distance, r.Level)
		}
		return fmt.Sprintf("%s(role=%s, level=%s)", r.Kind, r.Role, r.Level)
	case RationaleDefaultDeny:
		return r.Kind.String() + ": " + DefaultDenyReason
	default:
		return r.Kind.String()
	}
}

// Decision is the evaluator's output.
// The allowed field is unexported to prevent invariant bypass.
type Decision struct {
	allowed     bool
	Effect      Effect
	Subject     string
	Resource    ResourceKey
	Permission  string
	Rationale   Rationale
	Generation  uint64
	EvaluatedAt time.Time
}

// NewDecision creates a Decision whose effect follows from the rationale.
func NewDecision(rationale Rationale, subject string, resource ResourceKey, permission string) Decision {
	effect := rationale.Kind.Effect()
	return Decision{
		allowed:    effect == EffectAllow,
		Effect:     effect,
		Subject:    subject,
		Resource:   resource,
		Permission: permission,
		Rationale:  rationale,
	}
}

// IsAllowed returns whether the decision grants access.
func (d Decision) IsAllowed() bool {
	return d.allowed
}

// Validate checks that the allowed flag agrees with the effect and rationale.
func (d Decision) Validate() error {
	expectAllowed := d.Effect == EffectAllow
	if d.allowed != expectAllowed || d.Rationale.Kind.Effect() != d.Effect {
		return fmt.Errorf(
			"decision invariant violated: allowed=%v effect=%s rationale=%s",
			d.allowed, d.Effect, d.Rationale.Kind,
		)
	}
	return nil
}
