// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryWriter keeps records in process. It backs single-node deployments
// without a database and tests.
type MemoryWriter struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

var (
	_ Writer  = (*MemoryWriter)(nil)
	_ Querier = (*MemoryWriter)(nil)
)

// WriteSync appends rec.
func (w *MemoryWriter) WriteSync(_ context.Context, rec Record) error {
	w.append(rec)
	return nil
}

// WriteAsync appends rec.
func (w *MemoryWriter) WriteAsync(rec Record) error {
	w.append(rec)
	return nil
}

func (w *MemoryWriter) append(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
}

// Close is a no-op.
func (w *MemoryWriter) Close() error { return nil }

// Len returns the number of stored records.
func (w *MemoryWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}

// Query returns matching records, newest first.
func (w *MemoryWriter) Query(_ context.Context, f Filter) ([]Record, error) {
	m, err := f.compile()
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	matched := make([]Record, 0, len(w.records))
	for _, r := range w.records {
		if m.match(r) {
			matched = append(matched, r)
		}
	}
	w.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if m.full(len(matched)) {
		matched = matched[:m.Limit]
	}
	return matched, nil
}
