// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package types

import (
	"github.com/samber/oops"
)

// Error codes carried by oops errors returned from the rules engine.
const (
	CodeCycle               = "CYCLE"
	CodeDuplicateName       = "DUPLICATE_NAME"
	CodeDuplicatePermission = "DUPLICATE_PERMISSION"
	CodeUnknownSubject      = "UNKNOWN_SUBJECT"
	CodeUnknownPermission   = "UNKNOWN_PERMISSION"
	CodeUnknownResource     = "UNKNOWN_RESOURCE"
	CodeUnknownRole         = "UNKNOWN_ROLE"
	CodeFrozenCatalog       = "FROZEN_CATALOG"
	CodeStorage             = "STORAGE"
	CodeAuditWrite          = "AUDIT_WRITE"
	CodeRoleInUse           = "ROLE_IN_USE"
	CodeInvalidGrant        = "INVALID_GRANT"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

// ErrorCode returns the oops code carried by err, or "" if there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := any(oopsErr.Code()).(string)
	return code
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsValidation reports whether err is a caller or administrative mistake
// that must not be retried.
func IsValidation(err error) bool {
	switch ErrorCode(err) {
	case CodeCycle, CodeDuplicateName, CodeDuplicatePermission,
		CodeUnknownSubject, CodeUnknownPermission, CodeUnknownResource,
		CodeUnknownRole, CodeFrozenCatalog, CodeRoleInUse,
		CodeInvalidGrant, CodeInvalidRequest:
		return true
	default:
		return false
	}
}
