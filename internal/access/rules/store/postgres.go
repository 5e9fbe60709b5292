// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// poolIface is the subset of pgxpool.Pool used by PostgresStore. pgxmock
// satisfies it in unit tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL. Role parents, role
// permissions and subject roles are stored as text arrays so every write is
// a single statement.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// LoadPermissions returns every stored permission.
func (s *PostgresStore) LoadPermissions(ctx context.Context) ([]types.Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, moderation, description FROM rule_permissions ORDER BY id`)
	if err != nil {
		return nil, storageError("load permissions", err)
	}
	defer rows.Close()

	var out []types.Permission
	for rows.Next() {
		var p types.Permission
		var scope string
		if err := rows.Scan(&p.ID, &scope, &p.Moderation, &p.Description); err != nil {
			return nil, storageError("scan permission row", err)
		}
		if p.Scope, err = types.ParseScope(scope); err != nil {
			return nil, oops.In("store").With("permission", p.ID).Wrap(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate permissions", err)
	}
	return out, nil
}

// LoadRoles returns every stored role in creation order.
func (s *PostgresStore) LoadRoles(ctx context.Context) ([]types.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, permissions, parents, creation_order, created_at FROM rule_roles ORDER BY creation_order`)
	if err != nil {
		return nil, storageError("load roles", err)
	}
	defer rows.Close()

	var out []types.Role
	for rows.Next() {
		var (
			r       types.Role
			id      string
			parents []string
			order   int64
		)
		if err := rows.Scan(&id, &r.Name, &r.Permissions, &parents, &order, &r.CreatedAt); err != nil {
			return nil, storageError("scan role row", err)
		}
		r.ID = types.RoleID(id)
		r.Parents = toRoleIDs(parents)
		r.Order = uint64(order) //nolint:gosec // creation_order is a positive sequence
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate roles", err)
	}
	return out, nil
}

const grantColumns = `id, subject, resource, COALESCE(role_id, ''), COALESCE(permission, ''), polarity, expires_at, created_by, created_at`

// LoadGrants returns the grants held by subject, or all grants for "".
func (s *PostgresStore) LoadGrants(ctx context.Context, subject string) ([]types.Grant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if subject == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+grantColumns+` FROM rule_grants ORDER BY created_at, id`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+grantColumns+` FROM rule_grants WHERE subject = $1 ORDER BY created_at, id`, subject)
	}
	if err != nil {
		return nil, storageError("load grants", err)
	}
	defer rows.Close()

	var out []types.Grant
	for rows.Next() {
		var (
			g        types.Grant
			resource string
			role     string
			polarity string
		)
		if err := rows.Scan(&g.ID, &g.Subject, &resource, &role, &g.Permission,
			&polarity, &g.ExpiresAt, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, storageError("scan grant row", err)
		}
		if g.Resource, err = types.ParseResourceKey(resource); err != nil {
			return nil, oops.In("store").With("grant", g.ID).Wrap(err)
		}
		g.Role = types.RoleID(role)
		g.Polarity = types.Polarity(polarity)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate grants", err)
	}
	return out, nil
}

// LoadSubject returns a stored subject or UNKNOWN_SUBJECT.
func (s *PostgresStore) LoadSubject(ctx context.Context, id string) (types.Subject, error) {
	var (
		sub   = types.Subject{ID: id}
		roles []string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT roles, locked FROM rule_subjects WHERE id = $1`, id,
	).Scan(&roles, &sub.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Subject{}, unknownSubject(id)
	}
	if err != nil {
		return types.Subject{}, storageError("load subject", err)
	}
	sub.Roles = toRoleIDs(roles)
	return sub, nil
}

// PersistPermission inserts a permission.
func (s *PostgresStore) PersistPermission(ctx context.Context, p types.Permission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_permissions (id, scope, moderation, description)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.Scope.String(), p.Moderation, p.Description)
	if isUniqueViolation(err) {
		return oops.In("store").Code(types.CodeDuplicatePermission).
			With("permission", p.ID).
			Wrap(err)
	}
	if err != nil {
		return storageError("persist permission", err)
	}
	return nil
}

// PersistRoleChange upserts a role by id.
func (s *PostgresStore) PersistRoleChange(ctx context.Context, r types.Role) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_roles (id, name, permissions, parents, creation_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, permissions = EXCLUDED.permissions, parents = EXCLUDED.parents
	`, string(r.ID), r.Name, nonNil(r.Permissions), fromRoleIDs(r.Parents), int64(r.Order), created) //nolint:gosec // order fits in int64
	if isUniqueViolation(err) {
		return oops.In("store").Code(types.CodeDuplicateName).
			With("role", string(r.ID)).
			With("name", r.Name).
			Wrap(err)
	}
	if err != nil {
		return oops.In("store").Code(types.CodeStorage).
			With("operation", "persist role").
			With("role", string(r.ID)).
			Wrap(err)
	}
	return nil
}

// DeleteRole removes a role row.
func (s *PostgresStore) DeleteRole(ctx context.Context, id types.RoleID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rule_roles WHERE id = $1`, string(id)); err != nil {
		return oops.In("store").Code(types.CodeStorage).
			With("operation", "delete role").
			With("role", string(id)).
			Wrap(err)
	}
	return nil
}

// RoleInUse reports whether any subject or grant references the role.
func (s *PostgresStore) RoleInUse(ctx context.Context, id types.RoleID) (bool, error) {
	var used bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM rule_subjects WHERE $1 = ANY(roles))
		    OR EXISTS (SELECT 1 FROM rule_grants WHERE role_id = $1)
	`, string(id)).Scan(&used)
	if err != nil {
		return false, storageError("role in use", err)
	}
	return used, nil
}

// PersistGrant inserts a grant.
func (s *PostgresStore) PersistGrant(ctx context.Context, g types.Grant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_grants (id, subject, resource, role_id, permission, polarity, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
	`, g.ID, g.Subject, g.Resource.String(), string(g.Role), g.Permission,
		string(g.Polarity), g.ExpiresAt, g.CreatedBy, g.CreatedAt)
	if err != nil {
		return oops.In("store").Code(types.CodeStorage).
			With("operation", "persist grant").
			With("grant", g.ID).
			Wrap(err)
	}
	return nil
}

// RevokeGrant deletes a grant and reports whether a row was removed.
func (s *PostgresStore) RevokeGrant(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rule_grants WHERE id = $1`, id)
	if err != nil {
		return false, oops.In("store").Code(types.CodeStorage).
			With("operation", "revoke grant").
			With("grant", id).
			Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}

// PersistSubject upserts a subject.
func (s *PostgresStore) PersistSubject(ctx context.Context, sub types.Subject) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_subjects (id, roles, locked, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET roles = EXCLUDED.roles, locked = EXCLUDED.locked, updated_at = now()
	`, sub.ID, fromRoleIDs(sub.Roles), sub.Locked)
	if err != nil {
		return oops.In("store").Code(types.CodeStorage).
			With("operation", "persist subject").
			With("subject", sub.ID).
			Wrap(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func toRoleIDs(in []string) []types.RoleID {
	out := make([]types.RoleID, len(in))
	for i, s := range in {
		out[i] = types.RoleID(s)
	}
	return out
}

func fromRoleIDs(in []types.RoleID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
