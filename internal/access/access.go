// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package access is the authorization surface content plugins depend on.
//
// Plugins ask a Checker whether a subject may perform a permission on a
// resource. Subjects are user ids. Resources are "global", "forum:*" for a
// whole category, or "forum:12" for one instance; see ForumResource and the
// other helpers in this package. Permission ids are listed in permissions.go.
package access

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

// Checker answers access questions for content plugins.
type Checker interface {
	// Allowed reports whether subject holds permission at resource. Any
	// error comes with false; callers show errutil.PublicMessage to the user.
	Allowed(ctx context.Context, subject string, resource types.ResourceKey, permission string) (bool, error)
}

// Evaluator is the part of the rules engine a Checker needs.
type Evaluator interface {
	Evaluate(ctx context.Context, subject string, resource types.ResourceKey, permission string) (types.Decision, error)
}

// EngineChecker adapts an Evaluator to Checker.
type EngineChecker struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewChecker wraps eval. A nil logger uses slog.Default.
func NewChecker(eval Evaluator, logger *slog.Logger) *EngineChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineChecker{eval: eval, logger: logger}
}

// Allowed implements Checker.
//
// A lost audit record does not change the answer: the failure is logged
// for operators and the decision stands. Every other error denies.
func (c *EngineChecker) Allowed(ctx context.Context, subject string, resource types.ResourceKey, permission string) (bool, error) {
	d, err := c.eval.Evaluate(ctx, subject, resource, permission)
	if err == nil {
		return d.IsAllowed(), nil
	}
	if types.HasCode(err, types.CodeAuditWrite) {
		errutil.LogError(ctx, c.logger, "access decision not audited", err,
			"subject", subject, "permission", permission)
		return d.IsAllowed(), nil
	}
	return false, oops.In("access").
		With("subject", subject).
		With("resource", resource.String()).
		With("permission", permission).
		Wrap(err)
}

// Require is Allowed that turns a denial into an error carrying code
// ACCESS_DENIED, for handlers that only continue on success.
func Require(ctx context.Context, c Checker, subject string, resource types.ResourceKey, permission string) error {
	ok, err := c.Allowed(ctx, subject, resource, permission)
	if err != nil {
		return err
	}
	if !ok {
		return oops.In("access").Code(CodeAccessDenied).
			With("subject", subject).
			With("resource", resource.String()).
			With("permission", permission).
			Errorf("%s", errutil.PublicMessage(nil))
	}
	return nil
}

// CodeAccessDenied marks a plain denial returned by Require.
const CodeAccessDenied = "ACCESS_DENIED"

var _ Checker = (*EngineChecker)(nil)
