// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// poolIface is the subset of pgxpool.Pool used by PostgresWriter.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const insertRecord = `
	INSERT INTO rule_audit_log (
		id, kind, action, subject, resource, permission, effect,
		rationale, actor, moderation, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// PostgresWriter implements Writer for PostgreSQL. Async records are
// written in batches, one transaction per batch.
type PostgresWriter struct {
	pool        poolIface
	asyncChan   chan Record
	stopChan    chan struct{}
	wg          sync.WaitGroup
	batchSize   int
	flushPeriod time.Duration
}

// NewPostgresWriter creates a PostgresWriter with the given pool.
func NewPostgresWriter(pool poolIface) *PostgresWriter {
	w := &PostgresWriter{
		pool:        pool,
		asyncChan:   make(chan Record, 1000),
		stopChan:    make(chan struct{}),
		batchSize:   100,
		flushPeriod: time.Second,
	}

	w.wg.Add(1)
	go w.batchConsumer()

	return w
}

var (
	_ Writer  = (*PostgresWriter)(nil)
	_ Querier = (*PostgresWriter)(nil)
)

func recordArgs(rec Record) ([]any, error) {
	rationale := []byte("{}")
	effect := ""
	if rec.Kind == KindDecision {
		effect = rec.Effect.String()
		if rec.Rationale != nil {
			var err error
			if rationale, err = json.Marshal(rec.Rationale); err != nil {
				return nil, oops.In("audit").With("record", rec.ID).Wrap(err)
			}
		}
	}
	return []any{
		rec.ID,
		string(rec.Kind),
		rec.Action,
		rec.Subject,
		rec.Resource,
		rec.Permission,
		effect,
		rationale,
		rec.Actor,
		rec.Moderation,
		rec.Timestamp,
	}, nil
}

// WriteSync performs a synchronous write to the database.
func (w *PostgresWriter) WriteSync(ctx context.Context, rec Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := w.pool.Exec(ctx, insertRecord, args...); err != nil {
		return oops.In("audit").
			With("record", rec.ID).
			With("subject", rec.Subject).
			With("action", rec.Action).
			Wrap(err)
	}
	return nil
}

// WriteAsync queues rec for batch writing.
func (w *PostgresWriter) WriteAsync(rec Record) error {
	select {
	case w.asyncChan <- rec:
		return nil
	default:
		channelFullCounter.Inc()
		return oops.In("audit").With("record", rec.ID).Errorf("async channel full")
	}
}

func (w *PostgresWriter) batchConsumer() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	var batch []Record

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := w.writeBatch(ctx, batch); err != nil {
			slog.Error("failed to write audit batch", "error", err, "count", len(batch))
			failuresCounter.WithLabelValues("batch_write_failed").Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-w.asyncChan:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopChan:
			for {
				select {
				case rec := <-w.asyncChan:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes records in a single transaction. A record that fails
// to insert is logged and skipped.
func (w *PostgresWriter) writeBatch(ctx context.Context, records []Record) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return oops.In("audit").Wrap(err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	for _, rec := range records {
		args, err := recordArgs(rec)
		if err != nil {
			slog.Error("failed to encode audit record", "error", err, "record", rec.ID)
			continue
		}
		if _, err := tx.Exec(ctx, insertRecord, args...); err != nil {
			return oops.In("audit").With("record", rec.ID).With("count", len(records)).Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.In("audit").With("count", len(records)).Wrap(err)
	}
	return nil
}

// Query returns matching records, newest first. Equality filters run in
// SQL; the permission glob is applied to the returned rows.
func (w *PostgresWriter) Query(ctx context.Context, f Filter) ([]Record, error) {
	m, err := f.compile()
	if err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	where := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Subject != "" {
		where("subject = $%d", f.Subject)
	}
	if f.Resource != "" {
		where("resource = $%d", f.Resource)
	}
	if f.Kind != "" {
		where("kind = $%d", string(f.Kind))
	}
	if f.Effect != nil {
		where("effect = $%d", f.Effect.String())
	}
	if f.ModerationOnly {
		conds = append(conds, "moderation")
	}
	if !f.Since.IsZero() {
		where("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		where("created_at < $%d", f.Until)
	}

	query := `SELECT id, kind, action, subject, resource, permission, effect,
		rationale, actor, moderation, created_at FROM rule_audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 && f.Permission == "" {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := w.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, oops.In("audit").Code(types.CodeStorage).With("operation", "query audit log").Wrap(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() && !m.full(len(out)) {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if m.match(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("audit").Code(types.CodeStorage).With("operation", "iterate audit log").Wrap(err)
	}
	return out, nil
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var (
		rec       Record
		kind      string
		effect    string
		rationale []byte
	)
	if err := rows.Scan(&rec.ID, &kind, &rec.Action, &rec.Subject, &rec.Resource,
		&rec.Permission, &effect, &rationale, &rec.Actor, &rec.Moderation, &rec.Timestamp); err != nil {
		return Record{}, oops.In("audit").Code(types.CodeStorage).With("operation", "scan audit row").Wrap(err)
	}
	rec.Kind = Kind(kind)
	if rec.Kind != KindDecision {
		return rec, nil
	}

	parsed, err := types.ParseEffect(effect)
	if err != nil {
		return Record{}, oops.In("audit").With("record", rec.ID).Wrap(err)
	}
	rec.Effect = parsed
	if len(rationale) > 0 && string(rationale) != "{}" {
		var r types.Rationale
		if err := json.Unmarshal(rationale, &r); err != nil {
			return Record{}, oops.In("audit").With("record", rec.ID).Wrap(err)
		}
		rec.Rationale = &r
	}
	return rec, nil
}

// Close drains queued records and stops the batch consumer.
func (w *PostgresWriter) Close() error {
	close(w.stopChan)
	w.wg.Wait()
	return nil
}
