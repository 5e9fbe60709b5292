// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package store defines the persistence collaborator of the rules engine and
// its in-memory and PostgreSQL implementations.
//
// The engine owns no storage. It hydrates from a Store at startup, resolves
// subjects and grants through it per request, and writes every validated
// mutation back before publishing it in memory.
package store

import (
	"context"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Store persists permissions, roles, subjects and grants.
type Store interface {
	LoadPermissions(ctx context.Context) ([]types.Permission, error)
	LoadRoles(ctx context.Context) ([]types.Role, error)
	// LoadGrants returns the grants held by subject, or every grant when
	// subject is empty. Expired grants are included.
	LoadGrants(ctx context.Context, subject string) ([]types.Grant, error)
	// LoadSubject fails with UNKNOWN_SUBJECT when id is not stored.
	LoadSubject(ctx context.Context, id string) (types.Subject, error)

	PersistPermission(ctx context.Context, p types.Permission) error
	// PersistRoleChange inserts or replaces a role.
	PersistRoleChange(ctx context.Context, r types.Role) error
	DeleteRole(ctx context.Context, id types.RoleID) error
	// RoleInUse reports whether a subject or grant still references the role.
	RoleInUse(ctx context.Context, id types.RoleID) (bool, error)
	PersistGrant(ctx context.Context, g types.Grant) error
	// RevokeGrant removes a grant and reports whether it existed.
	RevokeGrant(ctx context.Context, id string) (bool, error)
	// PersistSubject inserts or replaces a subject.
	PersistSubject(ctx context.Context, s types.Subject) error
}

// IsNotFound reports whether err says the subject is not stored.
func IsNotFound(err error) bool {
	return types.HasCode(err, types.CodeUnknownSubject)
}

func storageError(op string, err error) error {
	return oops.In("store").Code(types.CodeStorage).With("operation", op).Wrap(err)
}

func unknownSubject(id string) error {
	return oops.In("store").Code(types.CodeUnknownSubject).
		With("subject", id).
		Errorf("subject not found")
}
