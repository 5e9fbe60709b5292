// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package decision memoizes evaluator outcomes.
//
// Entries are keyed by (subject, resource, permission) and carry the set of
// roles and grants the evaluator consulted. Mutations invalidate entries by
// tag rather than flushing the whole cache. A generation counter advances on
// every invalidation; results computed under an older generation are never
// stored, and concurrent misses for the same key share one computation.
package decision

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Key identifies a cached decision.
type Key struct {
	Subject    string
	Resource   types.ResourceKey
	Permission string
}

// String encodes k unambiguously: each field is quoted, so ids that
// contain the separator cannot make two keys collide.
func (k Key) String() string {
	return strconv.Quote(k.Subject) + "|" + strconv.Quote(k.Resource.String()) + "|" + strconv.Quote(k.Permission)
}

// Tags lists what a decision depended on.
type Tags struct {
	Roles  []types.RoleID
	Grants []string
}

// Result is the output of a computation handed to Do.
type Result struct {
	Decision types.Decision
	Tags     Tags
	// Expiry clamps the entry lifetime, typically to the earliest grant expiry.
	Expiry *time.Time
	// NoStore keeps the decision out of the cache, e.g. fail-closed denials.
	NoStore bool
}

type entry struct {
	decision  types.Decision
	tags      Tags
	expiresAt time.Time
}

// Options configures a Cache.
type Options struct {
	Size int
	TTL  time.Duration
	Now  func() time.Time
}

// Cache is a size-bounded, TTL-bound decision cache with request collapsing.
type Cache struct {
	entries *lru.LRU[Key, *entry]
	ttl     time.Duration
	now     func() time.Time

	// mu orders Put against Invalidate so a stale Put cannot slip in between
	// the generation bump and the removal pass.
	mu         sync.Mutex
	generation atomic.Uint64
	group      singleflight.Group
}

// New creates a Cache. Size defaults to 10000 entries and TTL to one minute.
func New(opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries: lru.NewLRU[Key, *entry](opts.Size, nil, opts.TTL),
		ttl:     opts.TTL,
		now:     opts.Now,
	}
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

// Len returns the number of stored entries, including ones past their
// clamped expiry that have not been read since.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Get returns the cached decision for key.
func (c *Cache) Get(key Key) (types.Decision, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return types.Decision{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return types.Decision{}, false
	}
	return e.decision, true
}

// Put stores res under key if generation is still current. It reports
// whether the entry was stored.
func (c *Cache) Put(key Key, res Result, generation uint64) bool {
	if res.NoStore {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation.Load() {
		return false
	}
	expires := c.now().Add(c.ttl)
	if res.Expiry != nil && res.Expiry.Before(expires) {
		expires = *res.Expiry
	}
	c.entries.Add(key, &entry{decision: res.Decision, tags: res.Tags, expiresAt: expires})
	return true
}

// Do returns the decision for key, running compute at most once per key and
// generation across concurrent callers. compute receives a context detached
// from any single caller's cancellation and the generation it runs under.
// shared reports whether the result was also delivered to other callers.
func (c *Cache) Do(ctx context.Context, key Key, compute func(ctx context.Context, generation uint64) (Result, error)) (types.Decision, bool, error) {
	gen := c.generation.Load()
	flightKey := key.String() + "#" + strconv.FormatUint(gen, 10)
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		res, err := compute(detached, gen)
		if err != nil {
			return res, err
		}
		res.Decision.Generation = gen
		c.Put(key, res, gen)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return types.Decision{}, false, ctx.Err()
	case out := <-ch:
		res, _ := out.Val.(Result)
		return res.Decision, out.Shared, out.Err
	}
}

// Invalidate advances the generation and removes every entry matching pred.
// It returns the number of entries removed. Each call scans every stored
// entry under the cache lock, so its cost grows with cache.size.
func (c *Cache) Invalidate(pred func(Key, Tags) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)

	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if pred(key, e.tags) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// InvalidateRoles removes entries that consulted any of roles.
func (c *Cache) InvalidateRoles(roles []types.RoleID) int {
	return c.Invalidate(func(_ Key, tags Tags) bool {
		for _, r := range tags.Roles {
			if slices.Contains(roles, r) {
				return true
			}
		}
		return false
	})
}

// InvalidateSubject removes every entry of subject.
func (c *Cache) InvalidateSubject(subject string) int {
	return c.Invalidate(func(k Key, _ Tags) bool {
		return k.Subject == subject
	})
}

// InvalidateGrant removes entries of subject whose resource is covered by
// resource, plus any entry that consulted grantID.
func (c *Cache) InvalidateGrant(subject string, resource types.ResourceKey, grantID string) int {
	return c.Invalidate(func(k Key, tags Tags) bool {
		if k.Subject == subject && resource.Covers(k.Resource) {
			return true
		}
		return grantID != "" && slices.Contains(tags.Grants, grantID)
	})
}

// InvalidateGrantID removes entries that consulted grantID. Revocations use
// it: a grant that was never consulted cannot have shaped a cached decision.
func (c *Cache) InvalidateGrantID(grantID string) int {
	return c.Invalidate(func(_ Key, tags Tags) bool {
		return slices.Contains(tags.Grants, grantID)
	})
}

// Purge removes everything.
func (c *Cache) Purge() int {
	return c.Invalidate(func(Key, Tags) bool { return true })
}

// Apply runs the invalidation an Event describes.
func (c *Cache) Apply(ev Event) int {
	switch ev.Kind {
	case EventRoles:
		return c.InvalidateRoles(ev.Roles)
	case EventSubject:
		return c.InvalidateSubject(ev.Subject)
	case EventGrant:
		if ev.Resource == nil {
			return c.InvalidateGrantID(ev.Grant)
		}
		return c.InvalidateGrant(ev.Subject, *ev.Resource, ev.Grant)
	default:
		return c.Purge()
	}
}
