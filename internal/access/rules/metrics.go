// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package rules

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// Metrics for rules evaluation.
var (
	// evaluateDuration tracks the latency of Evaluate() calls.
	evaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsar_rules_evaluate_duration_seconds",
		Help:    "Histogram of rules evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// evaluations counts evaluations by effect and rationale kind.
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_rules_evaluations_total",
		Help: "Total number of rules evaluations",
	}, []string{"effect", "rationale"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_rules_cache_lookups_total",
		Help: "Decision cache lookups by result (hit, miss, shared)",
	}, []string{"result"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_rules_cache_invalidated_entries_total",
		Help: "Decision cache entries removed by invalidation, by event kind",
	}, []string{"kind"})

	hierarchyVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_rules_hierarchy_version",
		Help: "Version of the published role hierarchy snapshot",
	})
)

// RecordEvaluationMetrics records metrics for a completed evaluation.
func RecordEvaluationMetrics(duration time.Duration, d types.Decision) {
	evaluateDuration.Observe(duration.Seconds())
	evaluations.WithLabelValues(d.Effect.String(), d.Rationale.Kind.String()).Inc()
}
