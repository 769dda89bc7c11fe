// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the orchestrator's Prometheus instrumentation.
// Everything registers against the default registry via promauto and is
// served on /metrics alongside the OTel meter output.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_executions_submitted_total",
			Help: "Executions admitted by the dispatcher, by pipeline and lane",
		},
		[]string{"pipeline", "lane", "trigger"},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_executions_finished_total",
			Help: "Executions reaching a terminal status, by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spine_execution_duration_seconds",
			Help:    "Wall time from execution start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"pipeline", "status"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_retries_scheduled_total",
			Help: "Retry executions scheduled after a retryable failure",
		},
		[]string{"pipeline"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_dead_letters_total",
			Help: "Executions dead-lettered after exhausting retries",
		},
		[]string{"pipeline"},
	)

	duplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_duplicate_submissions_total",
			Help: "Submissions answered with an existing execution via idempotency key",
		},
		[]string{"pipeline"},
	)

	scheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_schedule_fires_total",
			Help: "Schedule firings by outcome (submitted, skipped, failed)",
		},
		[]string{"schedule", "outcome"},
	)

	staleRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spine_stale_executions_recovered_total",
			Help: "Running executions failed by the recovery sweeper after their lease expired",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spine_queue_depth",
			Help: "Executions in each pre-terminal status",
		},
		[]string{"status"},
	)

	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spine_workers_busy",
			Help: "Workers currently running an execution",
		},
	)
)

// RecordSubmitted counts one admission.
func RecordSubmitted(pipeline, lane, trigger string) {
	executionsSubmitted.WithLabelValues(pipeline, lane, trigger).Inc()
}

// RecordFinished counts one terminal transition and its duration.
func RecordFinished(pipeline, status string, duration time.Duration) {
	executionsFinished.WithLabelValues(pipeline, status).Inc()
	if duration > 0 {
		executionDuration.WithLabelValues(pipeline, status).Observe(duration.Seconds())
	}
}

// RecordRetry counts one scheduled retry.
func RecordRetry(pipeline string) {
	retriesScheduled.WithLabelValues(pipeline).Inc()
}

// RecordDeadLetter counts one dead-lettered chain.
func RecordDeadLetter(pipeline string) {
	deadLetters.WithLabelValues(pipeline).Inc()
}

// RecordDuplicate counts one idempotency-key dedup hit.
func RecordDuplicate(pipeline string) {
	duplicatesSuppressed.WithLabelValues(pipeline).Inc()
}

// RecordScheduleFire counts one tick outcome for a schedule.
func RecordScheduleFire(schedule, outcome string) {
	scheduleFires.WithLabelValues(schedule, outcome).Inc()
}

// RecordStaleRecovery counts executions the sweeper failed.
func RecordStaleRecovery(count int) {
	staleRecoveries.Add(float64(count))
}

// SetQueueDepth publishes the ledger depth for one status.
func SetQueueDepth(status string, depth int) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// WorkerStarted and WorkerFinished track pool occupancy.
func WorkerStarted()  { workersBusy.Inc() }
func WorkerFinished() { workersBusy.Dec() }
