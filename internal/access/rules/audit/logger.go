// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package audit records rules engine decisions and administrative mutations.
//
// Moderation-sensitive decisions and all mutations are written synchronously.
// When the backend rejects a synchronous write the record goes to a local
// JSONL write-ahead log instead, and ReplayWAL re-delivers it later. Only
// when both fail does Log return an AUDIT_WRITE error.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
	"github.com/pulsarhq/pulsar/internal/xdg"
	"github.com/pulsarhq/pulsar/pkg/errutil"
)

// Mode controls which decisions are logged. Mutations and moderation
// decisions are logged in every mode.
type Mode string

// Audit logging modes.
const (
	ModeModeration Mode = "moderation" // moderation decisions + mutations
	ModeDenials    Mode = "denials"    // + every denial, async
	ModeAll        Mode = "all"        // + every allow, async
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeModeration, ModeDenials, ModeAll:
		return m, nil
	default:
		return "", oops.In("audit").Code(types.CodeInvalidRequest).
			With("mode", s).
			Errorf("unknown audit mode")
	}
}

// Writer is the interface for writing audit records to a backend.
type Writer interface {
	WriteSync(ctx context.Context, rec Record) error
	WriteAsync(rec Record) error
	Close() error
}

// Querier is implemented by writers whose records can be read back.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]Record, error)
}

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsar_rules_audit_channel_full_total",
		Help: "Total number of times the async audit channel was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_rules_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_rules_audit_wal_entries",
		Help: "Current number of records waiting in the WAL",
	})
)

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithQueueSize sets the async queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// Logger routes audit records based on mode, kind and effect.
type Logger struct {
	mode      Mode
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	now       func() time.Time
	queueSize int
	asyncChan chan Record
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates a Logger with the given mode, writer, and WAL path.
// If walPath is empty, audit-wal.jsonl in the XDG state directory is used.
func NewLogger(mode Mode, writer Writer, walPath string, opts ...Option) *Logger {
	if walPath == "" {
		walPath = defaultWALPath()
	}

	l := &Logger{
		mode:      mode,
		writer:    writer,
		walPath:   walPath,
		now:       time.Now,
		queueSize: 1000,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.asyncChan = make(chan Record, l.queueSize)

	l.wg.Add(1)
	go l.asyncConsumer()

	return l
}

func defaultWALPath() string {
	stateDir, err := xdg.StateDir()
	if err != nil {
		slog.Error("failed to get state directory for WAL", "error", err)
		return filepath.Join(os.TempDir(), "pulsar-audit-wal.jsonl")
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		slog.Error("failed to ensure state directory", "error", err)
	}
	return filepath.Join(stateDir, "audit-wal.jsonl")
}

// Mode returns the configured mode.
func (l *Logger) Mode() Mode {
	return l.mode
}

// Log routes rec to the writer. ID and Timestamp are filled in when empty.
// A synchronous record that reaches neither the writer nor the WAL fails
// with AUDIT_WRITE; async records never fail.
func (l *Logger) Log(ctx context.Context, rec Record) error {
	shouldLog, useSync := l.route(rec)
	if !shouldLog {
		return nil
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	if !useSync {
		select {
		case l.asyncChan <- rec:
		default:
			channelFullCounter.Inc()
		}
		return nil
	}

	err := l.writer.WriteSync(ctx, rec)
	if err == nil {
		return nil
	}
	failuresCounter.WithLabelValues("sync_write_failed").Inc()

	walErr := l.writeToWAL(rec)
	if walErr == nil {
		errutil.LogWarn(ctx, nil, "audit write fell back to WAL", err,
			"record", rec.ID,
			"action", rec.Action,
		)
		return nil
	}

	slog.ErrorContext(ctx, "audit write failed: both backend and WAL failed",
		"db_error", err,
		"wal_error", walErr,
		"subject", rec.Subject,
		"action", rec.Action,
		"resource", rec.Resource,
	)
	failuresCounter.WithLabelValues("wal_failed").Inc()
	return oops.In("audit").Code(types.CodeAuditWrite).
		With("record", rec.ID).
		With("action", rec.Action).
		With("wal_error", walErr.Error()).
		Wrapf(err, "audit record not persisted")
}

// route reports whether rec is logged and whether it is written
// synchronously.
func (l *Logger) route(rec Record) (shouldLog, useSync bool) {
	if rec.Kind == KindMutation || rec.Moderation {
		return true, true
	}
	switch {
	case rec.Effect == types.EffectDeny && (l.mode == ModeDenials || l.mode == ModeAll):
		return true, false
	case rec.Effect == types.EffectAllow && l.mode == ModeAll:
		return true, false
	default:
		return false, false
	}
}

// Query reads records back from the writer.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Record, error) {
	q, ok := l.writer.(Querier)
	if !ok {
		return nil, oops.In("audit").Code(types.CodeInvalidRequest).
			Errorf("audit backend does not support queries")
	}
	return q.Query(ctx, f)
}

func (l *Logger) asyncConsumer() {
	defer l.wg.Done()

	for {
		select {
		case rec := <-l.asyncChan:
			l.writeAsync(rec)
		case <-l.stopChan:
			for {
				select {
				case rec := <-l.asyncChan:
					l.writeAsync(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeAsync(rec Record) {
	if err := l.writer.WriteAsync(rec); err != nil {
		errutil.LogError(context.Background(), nil, "async audit write failed", err,
			"subject", rec.Subject,
			"action", rec.Action,
		)
		failuresCounter.WithLabelValues("async_write_failed").Inc()
	}
}

// writeToWAL appends rec to the write-ahead log.
func (l *Logger) writeToWAL(rec Record) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		file, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.In("audit").With("path", l.walPath).Wrap(err)
		}
		l.walFile = file
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return oops.In("audit").Wrap(err)
	}
	if _, err := l.walFile.Write(append(data, '\n')); err != nil {
		return oops.In("audit").With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL writes every WAL record to the writer and returns how many were
// delivered. Records the writer still rejects stay in the WAL.
func (l *Logger) ReplayWAL(ctx context.Context) (int, error) {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	data, err := os.ReadFile(l.walPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.In("audit").With("path", l.walPath).Wrap(err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	var (
		replayed int
		kept     bytes.Buffer
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Error("failed to unmarshal WAL record", "error", err, "line", string(line))
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}

		if err := l.writer.WriteSync(ctx, rec); err != nil {
			slog.Error("failed to replay WAL record", "error", err, "record", rec.ID)
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			kept.Write(line)
			kept.WriteByte('\n')
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, oops.In("audit").With("path", l.walPath).Wrap(err)
	}

	if l.walFile != nil {
		_ = l.walFile.Close()
		l.walFile = nil
	}
	if err := os.WriteFile(l.walPath, kept.Bytes(), 0o600); err != nil {
		return replayed, oops.In("audit").With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Set(float64(bytes.Count(kept.Bytes(), []byte{'\n'})))
	slog.Info("replayed WAL records", "count", replayed)
	return replayed, nil
}

// Close drains queued records and shuts down the writer.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if cerr := l.writer.Close(); cerr != nil {
			err = oops.In("audit").Wrap(cerr)
		}

		l.walMu.Lock()
		defer l.walMu.Unlock()
		if l.walFile != nil {
			if cerr := l.walFile.Close(); cerr != nil && err == nil {
				err = oops.In("audit").Wrap(cerr)
			}
			l.walFile = nil
		}
	})
	return err
}
