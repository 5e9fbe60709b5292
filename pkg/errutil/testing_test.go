// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package errutil_test

import (
	"testing"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/pkg/errutil"
)

func TestAssertions_SeeThroughWrapping(t *testing.T) {
	inner := oops.In("hierarchy").Code("CYCLE").With("role", "moderator").Errorf("edge closes a cycle")
	err := oops.In("rules").With("parent", "member").Wrapf(inner, "add parent")

	errutil.AssertErrorCode(t, err, "CYCLE")
	errutil.AssertErrorContext(t, err, "role", "moderator")
	errutil.AssertErrorContext(t, err, "parent", "member")
	errutil.AssertErrorDomain(t, err, "hierarchy")
}
