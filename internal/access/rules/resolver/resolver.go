// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package resolver assembles the per-request authorization context of a
// subject: which roles apply at a resource and which grants override them.
// It never decides allow or deny.
package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Source is the part of the store the resolver reads.
type Source interface {
	LoadSubject(ctx context.Context, id string) (types.Subject, error)
	LoadGrants(ctx context.Context, subject string) ([]types.Grant, error)
}

// RoleAssignment is a role that applies at the requested resource together
// with the specificity of the assignment. Global roles held by the subject
// have level global; roles granted at a resource carry the grant's level.
type RoleAssignment struct {
	Role    types.RoleID
	Level   types.Level
	GrantID string
}

// EffectiveContext is everything the evaluator needs about one subject at one
// resource.
type EffectiveContext struct {
	Subject  types.Subject
	Resource types.ResourceKey
	Roles    []RoleAssignment
	// Grants are the applicable, unexpired grants, most specific first.
	Grants []types.Grant
	// Expiry is the earliest expiry among Grants, nil when none expire.
	Expiry *time.Time
}

// Options bounds the store calls a Resolve makes.
type Options struct {
	// Timeout applies to each attempt of each store call.
	Timeout time.Duration
	// Retries is the number of extra attempts after a storage failure.
	Retries uint64
	// Backoff is the first retry delay; later delays double.
	Backoff time.Duration
}

// DefaultOptions returns the defaults used when the engine config leaves them
// unset.
func DefaultOptions() Options {
	return Options{Timeout: 500 * time.Millisecond, Retries: 2, Backoff: 20 * time.Millisecond}
}

// Resolver builds EffectiveContexts from a Source.
type Resolver struct {
	src  Source
	opts Options
	now  func() time.Time
}

// New creates a Resolver. Zero option fields fall back to DefaultOptions.
func New(src Source, opts Options) *Resolver {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	return &Resolver{src: src, opts: opts, now: time.Now}
}

// SetClock overrides the clock used to drop expired grants.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve loads the subject and its grants and filters them to resource.
// Unknown subjects fail with UNKNOWN_SUBJECT without retrying; exhausted
// storage retries fail with STORAGE.
func (r *Resolver) Resolve(ctx context.Context, subjectID string, resource types.ResourceKey) (EffectiveContext, error) {
	var (
		subject types.Subject
		grants  []types.Grant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.call(gctx, "load subject", subjectID, func(ctx context.Context) (err error) {
			subject, err = r.src.LoadSubject(ctx, subjectID)
			return err
		})
	})
	g.Go(func() error {
		return r.call(gctx, "load grants", subjectID, func(ctx context.Context) (err error) {
			grants, err = r.src.LoadGrants(ctx, subjectID)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return EffectiveContext{}, err
	}

	return Assemble(subject, resource, grants, r.now()), nil
}

// Assemble builds an EffectiveContext from already loaded data. Grants that
// belong to another subject, do not cover resource or have expired at now are
// dropped.
func Assemble(subject types.Subject, resource types.ResourceKey, grants []types.Grant, now time.Time) EffectiveContext {
	ec := EffectiveContext{Subject: subject, Resource: resource}
	for _, role := range subject.Roles {
		ec.Roles = append(ec.Roles, RoleAssignment{Role: role, Level: types.LevelGlobal})
	}

	for _, gr := range grants {
		if gr.Subject != subject.ID || gr.Expired(now) || !gr.Resource.Covers(resource) {
			continue
		}
		ec.Grants = append(ec.Grants, gr)
		if gr.ExpiresAt != nil && (ec.Expiry == nil || gr.ExpiresAt.Before(*ec.Expiry)) {
			exp := *gr.ExpiresAt
			ec.Expiry = &exp
		}
	}
	sort.SliceStable(ec.Grants, func(i, j int) bool {
		a, b := ec.Grants[i], ec.Grants[j]
		if a.Level() != b.Level() {
			return a.Level() < b.Level()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	for _, gr := range ec.Grants {
		if gr.Role != "" && gr.Polarity == types.PolarityAllow {
			ec.Roles = append(ec.Roles, RoleAssignment{Role: gr.Role, Level: gr.Level(), GrantID: gr.ID})
		}
	}
	return ec
}

// call runs fn with a per-attempt timeout and bounded exponential retries.
// Validation errors such as UNKNOWN_SUBJECT return immediately.
func (r *Resolver) call(ctx context.Context, op, subjectID string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(r.opts.Retries, retry.NewExponential(r.opts.Backoff))
	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if types.IsValidation(err) {
			return err
		}
		last = err
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if types.IsValidation(err) {
		return err
	}
	if last == nil {
		last = err
	}
	return oops.In("resolver").Code(types.CodeStorage).
		With("operation", op).
		With("subject", subjectID).
		With("attempts", r.opts.Retries+1).
		Wrap(last)
}
