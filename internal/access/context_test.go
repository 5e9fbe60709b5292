// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package access_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pulsarhq/pulsar/internal/access"
)

type otherKey struct{}

func TestActorFromContext(t *testing.T) {
	bg := context.Background()

	assert.Equal(t, access.SystemActor, access.ActorFromContext(bg), "no actor")
	assert.Equal(t, "u42", access.ActorFromContext(access.WithActor(bg, "u42")))
	assert.Equal(t, access.SystemActor, access.ActorFromContext(access.WithActor(bg, "")), "empty actor")

	wrapped := context.WithValue(access.WithActor(bg, "mod-7"), otherKey{}, "v")
	assert.Equal(t, "mod-7", access.ActorFromContext(wrapped), "survives derived contexts")

	inner := access.WithActor(access.WithActor(bg, "mod-7"), "admin-1")
	assert.Equal(t, "admin-1", access.ActorFromContext(inner), "innermost wins")
}
