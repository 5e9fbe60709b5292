// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package rules_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/resolver"
	"github.com/pulsarhq/pulsar/internal/access/rules/store"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

var (
	forum1 = types.NewResource(types.ScopeForum, "1")
	forum2 = types.NewResource(types.ScopeForum, "2")
	wiki1  = types.NewResource(types.ScopeWiki, "1")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// env is an engine over an in-memory store with the forum scenario loaded:
// member grants forum.view and forum.post.create, moderator inherits member
// and adds the moderation-sensitive forum.post.delete. Subject "alice" is a
// moderator, "bob" a member.
type env struct {
	e      *rules.Engine
	st     store.Store
	mem    *store.MemoryStore
	writer *audit.MemoryWriter
	clock  *clock

	member    types.Role
	moderator types.Role
}

func newEnv(t *testing.T, opts ...rules.Option) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	return newEnvWithStore(t, mem, mem, opts...)
}

func newEnvWithStore(t *testing.T, st store.Store, mem *store.MemoryStore, opts ...rules.Option) *env {
	t.Helper()
	ctx := context.Background()

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	writer := audit.NewMemoryWriter()
	logger := audit.NewLogger(audit.ModeModeration, writer, filepath.Join(t.TempDir(), "wal.jsonl"),
		audit.WithClock(clk.Now))
	t.Cleanup(func() { _ = logger.Close() })

	opts = append([]rules.Option{
		rules.WithClock(clk.Now),
		rules.WithResolverOptions(resolver.Options{Timeout: time.Second, Retries: 1, Backoff: time.Millisecond}),
	}, opts...)
	e := rules.NewEngine(st, logger, opts...)
	require.NoError(t, e.Hydrate(ctx))

	for _, p := range []types.Permission{
		{ID: "forum.view", Scope: types.ScopeForum},
		{ID: "forum.post.create", Scope: types.ScopeForum},
		{ID: "forum.post.delete", Scope: types.ScopeForum, Moderation: true},
		{ID: "wiki.edit", Scope: types.ScopeWiki},
	} {
		require.NoError(t, e.RegisterPermission(ctx, p))
	}

	member, err := e.CreateRole(ctx, "member", []string{"forum.view", "forum.post.create"}, nil)
	require.NoError(t, err)
	moderator, err := e.CreateRole(ctx, "moderator", []string{"forum.post.delete"}, []types.RoleID{member.ID})
	require.NoError(t, err)

	require.NoError(t, e.PutSubject(ctx, types.Subject{ID: "alice", Roles: []types.RoleID{moderator.ID}}))
	require.NoError(t, e.PutSubject(ctx, types.Subject{ID: "bob", Roles: []types.RoleID{member.ID}}))

	return &env{e: e, st: st, mem: mem, writer: writer, clock: clk, member: member, moderator: moderator}
}

func (v *env) eval(t *testing.T, subject string, res types.ResourceKey, perm string) types.Decision {
	t.Helper()
	d, err := v.e.Evaluate(context.Background(), subject, res, perm)
	require.NoError(t, err)
	return d
}

func (v *env) grant(t *testing.T, req rules.GrantRequest) types.Grant {
	t.Helper()
	g, err := v.e.Grant(context.Background(), req)
	require.NoError(t, err)
	return g
}

func TestEvaluate_ModeratorInheritsMember(t *testing.T) {
	v := newEnv(t)

	d := v.eval(t, "alice", forum1, "forum.post.delete")
	assert.True(t, d.IsAllowed())
	assert.Equal(t, types.RationaleRoleAllow, d.Rationale.Kind)
	assert.Equal(t, v.moderator.ID, d.Rationale.Role)
	assert.Equal(t, v.moderator.ID, d.Rationale.SourceRole)
	assert.Equal(t, types.LevelGlobal, d.Rationale.Level)

	d = v.eval(t, "alice", forum1, "forum.post.create")
	assert.True(t, d.IsAllowed())
	assert.Equal(t, v.moderator.ID, d.Rationale.Role)
	assert.Equal(t, v.member.ID, d.Rationale.SourceRole)
	assert.Equal(t, 1, d.Rationale.Distance)

	d = v.eval(t, "bob", forum1, "forum.post.delete")
	assert.False(t, d.IsAllowed())
	assert.Equal(t, types.RationaleDefaultDeny, d.Rationale.Kind)
}

func TestEvaluate_BanGrantBeatsMemberRole(t *testing.T) {
	v := newEnv(t)
	ban := v.grant(t, rules.GrantRequest{
		Subject:  "bob",
		Resource: forum1,
		Role:     v.member.ID,
		Polarity: types.PolarityDeny,
	})

	d := v.eval(t, "bob", forum1, "forum.post.create")
	assert.False(t, d.IsAllowed())
	assert.Equal(t, types.RationaleGrantDeny, d.Rationale.Kind)
	assert.Equal(t, ban.ID, d.Rationale.GrantID)
	assert.Equal(t, types.LevelResource, d.Rationale.Level)

	d = v.eval(t, "bob", forum2, "forum.post.create")
	assert.True(t, d.IsAllowed(), "ban is scoped to forum 1")
}

func TestEvaluate_NoMatchingGrantOrRole(t *testing.T) {
	v := newEnv(t)

	d := v.eval(t, "bob", wiki1, "wiki.edit")
	assert.False(t, d.IsAllowed())
	assert.Equal(t, types.RationaleDefaultDeny, d.Rationale.Kind)
	assert.Contains(t, d.Rationale.String(), types.DefaultDenyReason)
}

func TestRegisterPermission_DuplicateLeavesCatalogUnchanged(t *testing.T) {
	v := newEnv(t)
	before := v.e.Catalog().List()

	err := v.e.RegisterPermission(context.Background(), types.Permission{ID: "wiki.edit", Scope: types.ScopeAdmin})
	errutil.AssertErrorCode(t, err, types.CodeDuplicatePermission)

	assert.Equal(t, before, v.e.Catalog().List())
	perms, err := v.mem.LoadPermissions(context.Background())
	require.NoError(t, err)
	assert.Len(t, perms, len(before))
}

func TestRegisterPermission_FrozenCatalog(t *testing.T) {
	v := newEnv(t)
	require.Error(t, v.e.Ready())
	v.e.FreezeCatalog()
	require.NoError(t, v.e.Ready())

	err := v.e.RegisterPermission(context.Background(), types.Permission{ID: "late", Scope: types.ScopeGlobal})
	errutil.AssertErrorCode(t, err, types.CodeFrozenCatalog)
}

func TestReady_RequiresHydration(t *testing.T) {
	e := rules.NewEngine(store.NewMemoryStore(), nil)
	e.FreezeCatalog()
	require.Error(t, e.Ready())
}

func TestHydrate_RestoresState(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	restarted := rules.NewEngine(v.mem, nil)
	require.NoError(t, restarted.Hydrate(ctx))
	restarted.FreezeCatalog()
	require.NoError(t, restarted.Ready())

	assert.Equal(t, v.e.Catalog().Len(), restarted.Catalog().Len())
	role, ok := restarted.Hierarchy().RoleByName("moderator")
	require.True(t, ok)
	assert.Equal(t, v.moderator.ID, role.ID)

	d, err := restarted.Evaluate(ctx, "alice", forum1, "forum.post.create")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())

	err = restarted.Hydrate(ctx)
	errutil.AssertErrorCode(t, err, types.CodeInvalidRequest)
}

func TestReloadRoles_PicksUpPeerChanges(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	peer := rules.NewEngine(v.mem, nil)
	err := peer.ReloadRoles(ctx)
	errutil.AssertErrorCode(t, err, types.CodeInvalidRequest)
	require.NoError(t, peer.Hydrate(ctx))
	peer.FreezeCatalog()

	d, err := peer.Evaluate(ctx, "bob", forum1, "forum.post.delete")
	require.NoError(t, err)
	assert.False(t, d.IsAllowed())

	require.NoError(t, v.e.SetRolePermissions(ctx, v.member.ID, []string{"forum.view", "forum.post.create", "forum.post.delete"}))

	require.NoError(t, peer.ReloadRoles(ctx))
	peer.ApplyInvalidation(decision.Event{Kind: decision.EventRoles, Roles: []types.RoleID{v.member.ID, v.moderator.ID}})

	d, err = peer.Evaluate(ctx, "bob", forum1, "forum.post.delete")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())
	assert.Greater(t, peer.Hierarchy().Version(), uint64(0))
}

func TestAddParent_CycleIsRejectedAtomically(t *testing.T) {
	v := newEnv(t)
	snap := v.e.Hierarchy()
	memberBefore, err := snap.EffectivePermissions(v.member.ID)
	require.NoError(t, err)
	modBefore, err := snap.EffectivePermissions(v.moderator.ID)
	require.NoError(t, err)

	err = v.e.AddParent(context.Background(), v.member.ID, v.moderator.ID)
	errutil.AssertErrorCode(t, err, types.CodeCycle)

	after := v.e.Hierarchy()
	assert.Equal(t, snap.Version(), after.Version())
	memberAfter, err := after.EffectivePermissions(v.member.ID)
	require.NoError(t, err)
	modAfter, err := after.EffectivePermissions(v.moderator.ID)
	require.NoError(t, err)
	assert.Equal(t, memberBefore, memberAfter)
	assert.Equal(t, modBefore, modAfter)

	roles, err := v.mem.LoadRoles(context.Background())
	require.NoError(t, err)
	for _, r := range roles {
		if r.ID == v.member.ID {
			assert.Empty(t, r.Parents)
		}
	}
}

func TestEvaluate_DenyGrantWinsAtEverySpecificity(t *testing.T) {
	levels := map[string]types.ResourceKey{
		"global":   types.GlobalResource(),
		"category": types.CategoryResource(types.ScopeForum),
		"resource": forum1,
	}

	for denyName, denyAt := range levels {
		for allowName, allowAt := range levels {
			t.Run(denyName+" deny vs "+allowName+" role", func(t *testing.T) {
				v := newEnv(t)
				require.NoError(t, v.e.PutSubject(context.Background(), types.Subject{ID: "carol"}))
				v.grant(t, rules.GrantRequest{Subject: "carol", Resource: allowAt, Role: v.moderator.ID, Polarity: types.PolarityAllow})
				v.grant(t, rules.GrantRequest{Subject: "carol", Resource: allowAt, Permission: "forum.post.create", Polarity: types.PolarityAllow})
				deny := v.grant(t, rules.GrantRequest{Subject: "carol", Resource: denyAt, Permission: "forum.post.create", Polarity: types.PolarityDeny})

				d := v.eval(t, "carol", forum1, "forum.post.create")
				assert.False(t, d.IsAllowed())
				assert.Equal(t, types.RationaleGrantDeny, d.Rationale.Kind)
				assert.Equal(t, deny.ID, d.Rationale.GrantID)

				d = v.eval(t, "carol", forum1, "forum.view")
				assert.True(t, d.IsAllowed(), "deny is limited to the named permission")
			})
		}
	}
}

func TestEvaluate_MostSpecificRoleIsNamed(t *testing.T) {
	v := newEnv(t)
	g := v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Role: v.moderator.ID, Polarity: types.PolarityAllow})

	d := v.eval(t, "bob", forum1, "forum.post.create")
	assert.True(t, d.IsAllowed())
	assert.Equal(t, types.LevelResource, d.Rationale.Level)
	assert.Equal(t, v.moderator.ID, d.Rationale.Role)
	assert.Equal(t, g.ID, d.Rationale.GrantID)

	d = v.eval(t, "bob", forum2, "forum.post.create")
	assert.Equal(t, types.LevelGlobal, d.Rationale.Level)
	assert.Equal(t, v.member.ID, d.Rationale.Role)
}

func TestEvaluate_PermissionGrantAllow(t *testing.T) {
	v := newEnv(t)
	g := v.grant(t, rules.GrantRequest{
		Subject:    "bob",
		Resource:   types.CategoryResource(types.ScopeWiki),
		Permission: "wiki.edit",
		Polarity:   types.PolarityAllow,
	})

	d := v.eval(t, "bob", wiki1, "wiki.edit")
	assert.True(t, d.IsAllowed())
	assert.Equal(t, types.RationaleGrantAllow, d.Rationale.Kind)
	assert.Equal(t, g.ID, d.Rationale.GrantID)
	assert.Equal(t, types.LevelCategory, d.Rationale.Level)
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	v := newEnv(t)
	v.grant(t, rules.GrantRequest{Subject: "alice", Resource: forum1, Role: v.member.ID, Polarity: types.PolarityAllow})

	for _, perm := range []string{"forum.view", "forum.post.create", "forum.post.delete", "wiki.edit"} {
		first := v.eval(t, "alice", forum1, perm)
		v.e.ApplyInvalidation(decision.Event{Kind: decision.EventPurge})
		second := v.eval(t, "alice", forum1, perm)

		assert.Equal(t, first.Effect, second.Effect, perm)
		assert.Equal(t, first.Rationale, second.Rationale, perm)
		assert.Equal(t, first.EvaluatedAt, second.EvaluatedAt, perm)
	}
}

func TestEvaluate_CacheCoherentAfterMutations(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	require.True(t, v.eval(t, "bob", forum1, "forum.post.create").IsAllowed())
	require.True(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed())
	require.Equal(t, 2, v.e.CacheLen())

	ban := v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.post.create", Polarity: types.PolarityDeny})
	assert.False(t, v.eval(t, "bob", forum1, "forum.post.create").IsAllowed(), "new deny grant")
	assert.Equal(t, 2, v.e.CacheLen(), "alice's entry is untouched by bob's grant")

	require.NoError(t, v.e.Revoke(ctx, ban.ID))
	assert.True(t, v.eval(t, "bob", forum1, "forum.post.create").IsAllowed(), "revoked grant")

	// Changing member must reach moderator, which inherits from it.
	require.NoError(t, v.e.SetRolePermissions(ctx, v.member.ID, []string{"forum.view"}))
	assert.False(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed(), "descendant entry")
	assert.False(t, v.eval(t, "bob", forum1, "forum.post.create").IsAllowed())

	require.NoError(t, v.e.SetRolePermissions(ctx, v.member.ID, []string{"forum.view", "forum.post.create"}))
	require.True(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed())

	// Removing an edge must drop entries of the former descendant.
	require.NoError(t, v.e.RemoveParent(ctx, v.moderator.ID, v.member.ID))
	assert.False(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed(), "removed edge")

	require.NoError(t, v.e.AddParent(ctx, v.moderator.ID, v.member.ID))
	assert.True(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed(), "restored edge")

	require.NoError(t, v.e.PutSubject(ctx, types.Subject{ID: "alice"}))
	assert.False(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed(), "subject lost roles")
}

func TestRevoke_IsIdempotent(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	g := v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.post.delete", Polarity: types.PolarityAllow})

	require.NoError(t, v.e.Revoke(ctx, g.ID))
	records := v.writer.Len()
	require.NoError(t, v.e.Revoke(ctx, g.ID))
	require.NoError(t, v.e.Revoke(ctx, "never-issued"))
	assert.Equal(t, records, v.writer.Len(), "no-op revokes are not audited")
}

// gatedStore counts LoadSubject calls and, once armed, blocks them until
// the gate opens.
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (s *gatedStore) LoadSubject(ctx context.Context, id string) (types.Subject, error) {
	if !s.armed.Load() {
		return s.Store.LoadSubject(ctx, id)
	}
	s.calls.Add(1)
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.gate:
	case <-ctx.Done():
		return types.Subject{}, ctx.Err()
	}
	return s.Store.LoadSubject(ctx, id)
}

func TestEvaluate_ConcurrentMissesComputeOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	gated := &gatedStore{Store: mem, gate: make(chan struct{}), entered: make(chan struct{})}
	v := newEnvWithStore(t, gated, mem)
	gated.armed.Store(true)

	const n = 32
	var wg sync.WaitGroup
	results := make([]types.Decision, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = v.e.Evaluate(context.Background(), "alice", forum1, "forum.post.create")
		}(i)
	}

	<-gated.entered
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, int32(1), gated.calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestEvaluate_LockedSubject(t *testing.T) {
	v := newEnv(t, rules.WithLockedPermissions([]string{"forum.view"}))
	ctx := context.Background()
	require.NoError(t, v.e.PutSubject(ctx, types.Subject{ID: "bob", Roles: []types.RoleID{v.member.ID}, Locked: true}))

	assert.True(t, v.eval(t, "bob", forum1, "forum.view").IsAllowed())

	d := v.eval(t, "bob", forum1, "forum.post.create")
	assert.False(t, d.IsAllowed())
	assert.Equal(t, types.RationaleLocked, d.Rationale.Kind)

	v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.post.create", Polarity: types.PolarityAllow})
	d = v.eval(t, "bob", forum1, "forum.post.create")
	assert.Equal(t, types.RationaleLocked, d.Rationale.Kind, "allow grants do not lift a lock")

	ban := v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.view", Polarity: types.PolarityDeny})
	d = v.eval(t, "bob", forum1, "forum.view")
	assert.Equal(t, types.RationaleGrantDeny, d.Rationale.Kind)
	assert.Equal(t, ban.ID, d.Rationale.GrantID)
}

// flakyStore fails grant reads while broken is set.
type flakyStore struct {
	store.Store
	broken atomic.Bool
	reads  atomic.Int32
}

func (s *flakyStore) LoadGrants(ctx context.Context, subject string) ([]types.Grant, error) {
	s.reads.Add(1)
	if s.broken.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Store.LoadGrants(ctx, subject)
}

func TestEvaluate_StorageFailureFailsClosed(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	v := newEnvWithStore(t, flaky, mem)

	flaky.broken.Store(true)
	d, err := v.e.Evaluate(context.Background(), "alice", forum1, "forum.post.create")
	errutil.AssertErrorCode(t, err, types.CodeStorage)
	assert.False(t, d.IsAllowed())
	assert.Equal(t, types.RationaleFailClosed, d.Rationale.Kind)
	assert.Equal(t, int32(2), flaky.reads.Load(), "one retry")
	assert.Zero(t, v.e.CacheLen(), "fail-closed decisions are not cached")

	ctx := access.WithActor(context.Background(), "alice")
	d, err = v.e.Evaluate(ctx, "alice", forum1, "forum.post.delete")
	errutil.AssertErrorCode(t, err, types.CodeStorage)
	assert.Equal(t, types.RationaleFailClosed, d.Rationale.Kind)

	recs, err := v.e.QueryAuditLog(ctx, audit.Filter{Kind: audit.KindDecision})
	require.NoError(t, err)
	require.Len(t, recs, 1, "moderation decisions are audited even when the store is down")
	assert.Equal(t, "forum.post.delete", recs[0].Permission)
	assert.Equal(t, types.EffectDeny, recs[0].Effect)
	assert.True(t, recs[0].Moderation)
	require.NotNil(t, recs[0].Rationale)
	assert.Equal(t, types.RationaleFailClosed, recs[0].Rationale.Kind)

	flaky.broken.Store(false)
	assert.True(t, v.eval(t, "alice", forum1, "forum.post.create").IsAllowed())
}

func TestEvaluate_StorageAndAuditFailureKeepsStorageCode(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	newEnvWithStore(t, flaky, mem)

	logger := audit.NewLogger(audit.ModeModeration, &failingWriter{},
		filepath.Join(t.TempDir(), "missing", "wal.jsonl"))
	t.Cleanup(func() { _ = logger.Close() })

	e := rules.NewEngine(flaky, logger,
		rules.WithResolverOptions(resolver.Options{Timeout: time.Second, Retries: 1, Backoff: time.Millisecond}))
	require.NoError(t, e.Hydrate(context.Background()))

	flaky.broken.Store(true)
	d, err := e.Evaluate(context.Background(), "alice", forum1, "forum.post.delete")
	errutil.AssertErrorCode(t, err, types.CodeStorage)
	assert.False(t, rules.IsAuditFailure(err))
	assert.False(t, d.IsAllowed())
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Contains(t, oopsErr.Context(), "audit_error")
}

func TestEvaluate_CanceledContextFailsClosed(t *testing.T) {
	v := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := v.e.Evaluate(ctx, "alice", forum1, "forum.post.create")
	errutil.AssertErrorCode(t, err, types.CodeStorage)
	assert.Equal(t, types.RationaleFailClosed, d.Rationale.Kind)
}

func TestEvaluate_RequestErrors(t *testing.T) {
	v := newEnv(t)

	tests := []struct {
		name     string
		subject  string
		resource types.ResourceKey
		perm     string
		code     string
	}{
		{"empty subject", "", forum1, "forum.view", types.CodeInvalidRequest},
		{"bad resource", "alice", types.NewResource(types.ScopeForum, ""), "forum.view", types.CodeUnknownResource},
		{"unknown permission", "alice", forum1, "forum.fly", types.CodeUnknownPermission},
		{"unknown subject", "mallory", forum1, "forum.view", types.CodeUnknownSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := v.e.Evaluate(context.Background(), tt.subject, tt.resource, tt.perm)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.False(t, d.IsAllowed())
			assert.Equal(t, types.RationaleDefaultDeny, d.Rationale.Kind)
		})
	}
}

func TestEvaluate_GrantExpiry(t *testing.T) {
	v := newEnv(t)
	expires := v.clock.Now().Add(time.Hour)
	v.grant(t, rules.GrantRequest{
		Subject:    "bob",
		Resource:   wiki1,
		Permission: "wiki.edit",
		Polarity:   types.PolarityAllow,
		ExpiresAt:  &expires,
	})

	assert.True(t, v.eval(t, "bob", wiki1, "wiki.edit").IsAllowed())

	v.clock.Advance(59 * time.Minute)
	assert.True(t, v.eval(t, "bob", wiki1, "wiki.edit").IsAllowed())

	v.clock.Advance(time.Minute)
	d := v.eval(t, "bob", wiki1, "wiki.edit")
	assert.False(t, d.IsAllowed(), "cached allow must not outlive the grant")
	assert.Equal(t, types.RationaleDefaultDeny, d.Rationale.Kind)
}

func TestGrant_Validation(t *testing.T) {
	v := newEnv(t)
	past := v.clock.Now().Add(-time.Minute)

	tests := []struct {
		name string
		req  rules.GrantRequest
		code string
	}{
		{"no subject", rules.GrantRequest{Resource: forum1, Permission: "forum.view", Polarity: types.PolarityAllow}, types.CodeInvalidGrant},
		{"role and permission", rules.GrantRequest{Subject: "bob", Resource: forum1, Role: v.member.ID, Permission: "forum.view", Polarity: types.PolarityAllow}, types.CodeInvalidGrant},
		{"bad polarity", rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.view", Polarity: "maybe"}, types.CodeInvalidGrant},
		{"already expired", rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.view", Polarity: types.PolarityAllow, ExpiresAt: &past}, types.CodeInvalidGrant},
		{"unknown permission", rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.fly", Polarity: types.PolarityAllow}, types.CodeUnknownPermission},
		{"unknown role", rules.GrantRequest{Subject: "bob", Resource: forum1, Role: "ghost", Polarity: types.PolarityAllow}, types.CodeUnknownRole},
		{"bad resource", rules.GrantRequest{Subject: "bob", Resource: types.ResourceKey{Category: types.ScopeForum}, Permission: "forum.view", Polarity: types.PolarityAllow}, types.CodeUnknownResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.e.Grant(context.Background(), tt.req)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}

	grants, err := v.mem.LoadGrants(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGrant_RecordsActor(t *testing.T) {
	v := newEnv(t)
	ctx := access.WithActor(context.Background(), "admin-1")

	g, err := v.e.Grant(ctx, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "forum.post.delete", Polarity: types.PolarityAllow})
	require.NoError(t, err)
	assert.Equal(t, "admin-1", g.CreatedBy)
	assert.Equal(t, v.clock.Now(), g.CreatedAt)
	assert.NotEmpty(t, g.ID)

	recs, err := v.e.QueryAuditLog(ctx, audit.Filter{Kind: audit.KindMutation, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "grant.create", recs[0].Action)
	assert.Equal(t, "admin-1", recs[0].Actor)
	assert.Equal(t, "bob", recs[0].Subject)
}

func TestCreateRole_Validation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	_, err := v.e.CreateRole(ctx, "poster", []string{"forum.fly"}, nil)
	errutil.AssertErrorCode(t, err, types.CodeUnknownPermission)

	_, err = v.e.CreateRole(ctx, "Member", nil, nil)
	errutil.AssertErrorCode(t, err, types.CodeDuplicateName)

	_, err = v.e.CreateRole(ctx, "orphan", nil, []types.RoleID{"ghost"})
	errutil.AssertErrorCode(t, err, types.CodeUnknownRole)

	err = v.e.SetRolePermissions(ctx, v.member.ID, []string{"forum.fly"})
	errutil.AssertErrorCode(t, err, types.CodeUnknownPermission)
}

func TestDeleteRole(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	err := v.e.DeleteRole(ctx, v.member.ID)
	errutil.AssertErrorCode(t, err, types.CodeRoleInUse)

	err = v.e.DeleteRole(ctx, v.moderator.ID)
	errutil.AssertErrorCode(t, err, types.CodeRoleInUse)

	editor, err := v.e.CreateRole(ctx, "wiki-editor", []string{"wiki.edit"}, []types.RoleID{v.member.ID})
	require.NoError(t, err)
	require.NoError(t, v.e.DeleteRole(ctx, editor.ID))

	_, ok := v.e.Hierarchy().Role(editor.ID)
	assert.False(t, ok)
	roles, err := v.mem.LoadRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	err = v.e.DeleteRole(ctx, editor.ID)
	errutil.AssertErrorCode(t, err, types.CodeUnknownRole)
}

func TestPutSubject_UnknownRole(t *testing.T) {
	v := newEnv(t)
	err := v.e.PutSubject(context.Background(), types.Subject{ID: "dave", Roles: []types.RoleID{"ghost"}})
	errutil.AssertErrorCode(t, err, types.CodeUnknownRole)

	err = v.e.PutSubject(context.Background(), types.Subject{ID: "  "})
	errutil.AssertErrorCode(t, err, types.CodeInvalidRequest)
}

func TestEffectivePermissions(t *testing.T) {
	v := newEnv(t)
	v.grant(t, rules.GrantRequest{Subject: "alice", Resource: forum1, Permission: "forum.post.delete", Polarity: types.PolarityDeny})

	perms, err := v.e.EffectivePermissions(context.Background(), "alice", forum1)
	require.NoError(t, err)
	assert.Equal(t, []string{"forum.post.create", "forum.view"}, perms)

	perms, err = v.e.EffectivePermissions(context.Background(), "alice", forum2)
	require.NoError(t, err)
	assert.Equal(t, []string{"forum.post.create", "forum.post.delete", "forum.view"}, perms)

	_, err = v.e.EffectivePermissions(context.Background(), "mallory", forum1)
	errutil.AssertErrorCode(t, err, types.CodeUnknownSubject)
}

func TestEvaluate_ModerationDecisionsAuditedOnCacheHits(t *testing.T) {
	v := newEnv(t)
	ctx := access.WithActor(context.Background(), "alice")

	for range 3 {
		d, err := v.e.Evaluate(ctx, "alice", forum1, "forum.post.delete")
		require.NoError(t, err)
		require.True(t, d.IsAllowed())
	}
	v.eval(t, "alice", forum1, "forum.view")

	recs, err := v.e.QueryAuditLog(ctx, audit.Filter{Kind: audit.KindDecision})
	require.NoError(t, err)
	require.Len(t, recs, 3, "only the moderation permission is audited in moderation mode")
	for _, r := range recs {
		assert.Equal(t, "forum.post.delete", r.Permission)
		assert.Equal(t, types.EffectAllow, r.Effect)
		assert.True(t, r.Moderation)
		assert.Equal(t, "alice", r.Actor)
		require.NotNil(t, r.Rationale)
		assert.Equal(t, v.moderator.ID, r.Rationale.Role)
	}
}

type failingWriter struct{ audit.MemoryWriter }

func (*failingWriter) WriteSync(context.Context, audit.Record) error {
	return errors.New("database unavailable")
}

func TestEvaluate_AuditFailureReturnsDecision(t *testing.T) {
	mem := store.NewMemoryStore()
	newEnvWithStore(t, mem, mem)

	logger := audit.NewLogger(audit.ModeModeration, &failingWriter{},
		filepath.Join(t.TempDir(), "missing", "wal.jsonl"))
	t.Cleanup(func() { _ = logger.Close() })

	e := rules.NewEngine(mem, logger)
	require.NoError(t, e.Hydrate(context.Background()))

	d, err := e.Evaluate(context.Background(), "alice", forum1, "forum.post.delete")
	require.Error(t, err)
	assert.True(t, rules.IsAuditFailure(err))
	assert.True(t, d.IsAllowed(), "decision survives the audit failure")
	assert.Equal(t, types.RationaleRoleAllow, d.Rationale.Kind)

	d, err = e.Evaluate(context.Background(), "alice", forum1, "forum.view")
	require.NoError(t, err, "non-moderation decisions are not written in moderation mode")
	assert.True(t, d.IsAllowed())
}

func TestMutations_AreAudited(t *testing.T) {
	v := newEnv(t)
	ctx := access.WithActor(context.Background(), "root")

	require.NoError(t, v.e.RemoveParent(ctx, v.moderator.ID, v.member.ID))
	require.NoError(t, v.e.AddParent(ctx, v.moderator.ID, v.member.ID))

	recs, err := v.e.QueryAuditLog(ctx, audit.Filter{Kind: audit.KindMutation})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "role.add_parent", recs[0].Action)
	assert.Equal(t, "root", recs[0].Actor)
	assert.Equal(t, "role:"+string(v.moderator.ID), recs[0].Resource)

	var actions []string
	for _, r := range recs {
		actions = append(actions, r.Action)
	}
	assert.Contains(t, actions, "role.remove_parent")
	assert.Contains(t, actions, "permission.register")
	assert.Contains(t, actions, "role.create")
	assert.Contains(t, actions, "subject.put")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []decision.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev decision.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []decision.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]decision.EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func TestMutationsPublishInvalidations(t *testing.T) {
	pub := &recordingPublisher{}
	v := newEnv(t, rules.WithPublisher(pub))
	ctx := context.Background()

	// Two roles and two subjects from the fixture.
	assert.Equal(t, []decision.EventKind{
		decision.EventRoles, decision.EventRoles, decision.EventSubject, decision.EventSubject,
	}, pub.kinds())

	g := v.grant(t, rules.GrantRequest{Subject: "bob", Resource: forum1, Permission: "wiki.edit", Polarity: types.PolarityAllow})
	require.NoError(t, v.e.Revoke(ctx, g.ID))
	require.NoError(t, v.e.AddParent(ctx, v.moderator.ID, v.member.ID))

	kinds := pub.kinds()
	assert.Equal(t, []decision.EventKind{decision.EventGrant, decision.EventGrant}, kinds[4:6])
	assert.Len(t, kinds, 6, "adding an existing edge publishes nothing")
}
