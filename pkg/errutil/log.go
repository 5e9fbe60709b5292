// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package errutil holds helpers for logging and asserting oops errors.
package errutil

import (
	"context"
	"log/slog"
	"sort"

	"github.com/samber/oops"
)

// Attrs returns err as log attributes: the message, plus the oops code,
// domain and context when err carries them. Context keys are sorted so
// log lines are stable.
func Attrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}

	attrs := []any{"error", oopsErr.Error()}
	if code := Code(err); code != "" {
		attrs = append(attrs, "code", code)
	}
	if domain := oopsErr.Domain(); domain != "" {
		attrs = append(attrs, "domain", domain)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		group := make([]any, 0, len(keys))
		for _, k := range keys {
			group = append(group, slog.Any(k, ctx[k]))
		}
		attrs = append(attrs, slog.Group("context", group...))
	}
	return attrs
}

// Log writes msg at level with err's attributes followed by extra.
func Log(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, err error, extra ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, level, msg, append(Attrs(err), extra...)...)
}

// LogError logs err at error level.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error, extra ...any) {
	Log(ctx, logger, slog.LevelError, msg, err, extra...)
}

// LogWarn logs err at warn level.
func LogWarn(ctx context.Context, logger *slog.Logger, msg string, err error, extra ...any) {
	Log(ctx, logger, slog.LevelWarn, msg, err, extra...)
}

// Code returns the oops code attached to err, or "" for plain errors.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := any(oopsErr.Code()).(string)
	return code
}

// PublicMessage is the only text end users see when a check fails for any
// reason. The error kind stays available to diagnostic tooling via Code.
func PublicMessage(error) string {
	return "access denied"
}
