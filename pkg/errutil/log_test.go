// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package errutil_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarhq/pulsar/pkg/errutil"
)

func capture(t *testing.T, log func(*slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	log(slog.New(slog.NewJSONHandler(&buf, nil)))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	err := oops.In("rules").
		Code("STORAGE").
		With("subject", "user:5").
		With("attempt", 3).
		Errorf("store unreachable")

	entry := capture(t, func(l *slog.Logger) {
		errutil.LogError(context.Background(), l, "evaluation failed", err, "permission", "forum.view")
	})

	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "evaluation failed", entry["msg"])
	assert.Equal(t, "STORAGE", entry["code"])
	assert.Equal(t, "rules", entry["domain"])
	assert.Equal(t, "forum.view", entry["permission"])
	assert.Equal(t, map[string]any{"attempt": float64(3), "subject": "user:5"}, entry["context"])
}

func TestLogWarn_WithStandardError(t *testing.T) {
	entry := capture(t, func(l *slog.Logger) {
		errutil.LogWarn(context.Background(), l, "reload failed", errors.New("standard error"))
	})

	assert.Equal(t, "WARN", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
	assert.NotContains(t, entry, "code")
	assert.NotContains(t, entry, "context")
}

func TestLog_NilLoggerUsesDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	errutil.Log(context.Background(), nil, slog.LevelInfo, "noted", oops.Code("CYCLE").Errorf("cycle"))

	assert.Contains(t, buf.String(), `"code":"CYCLE"`)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", errutil.Code(errors.New("plain")))
	assert.Equal(t, "CYCLE", errutil.Code(oops.Code("CYCLE").Errorf("cycle")))
	assert.Equal(t, "CYCLE", errutil.Code(oops.Wrapf(oops.Code("CYCLE").Errorf("cycle"), "outer")))
}

func TestPublicMessage_HidesKind(t *testing.T) {
	assert.Equal(t, "access denied", errutil.PublicMessage(oops.Code("STORAGE").Errorf("db down")))
}
