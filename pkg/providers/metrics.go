/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package providers

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

const subsystem = "provider"

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Operations dispatched to provider strategies by result.",
		},
		[]string{metrics.ProviderLabel, metrics.OperationLabel, metrics.ResultLabel},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Provider strategy operation execution time.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.ProviderLabel, metrics.OperationLabel},
	)
	fallbackUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "fallback_used_total",
			Help:      "Times a fallback strategy advanced past a failed child.",
		},
		[]string{metrics.ProviderLabel},
	)
	healthyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "healthy",
			Help:      "Last observed health of a provider strategy, 1 healthy and 0 unhealthy.",
		},
		[]string{metrics.ProviderLabel},
	)
	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "health_checks_total",
			Help:      "Health probes run against provider strategies by result.",
		},
		[]string{metrics.ProviderLabel, metrics.ResultLabel},
	)
)

func init() {
	metrics.MustRegister(operationsTotal, operationDuration, fallbackUsed, healthyGauge, healthChecksTotal)
}

// Weight of the newest sample in the rolling response time average.
const responseTimeWeight = 0.2

// StrategyMetrics tracks one strategy's operation counters without locks.
// Counts are never lost under concurrent recording; the rolling response time
// average is approximate.
type StrategyMetrics struct {
	total           atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	avgResponseBits atomic.Uint64
	lastUsedNanos   atomic.Int64
	healthChecks    atomic.Int64
	lastHealthNanos atomic.Int64
}

func NewStrategyMetrics() *StrategyMetrics {
	return &StrategyMetrics{}
}

// RecordOperation records one completed operation. The total is bumped before
// the outcome counter so a concurrent snapshot never observes
// successful+failed exceeding total.
func (m *StrategyMetrics) RecordOperation(elapsed time.Duration, success bool) {
	m.total.Add(1)
	if success {
		m.successful.Add(1)
	} else {
		m.failed.Add(1)
	}
	m.lastUsedNanos.Store(time.Now().UnixNano())
	m.observeResponse(float64(elapsed) / float64(time.Millisecond))
}

// RecordRejected records a dispatch that never reached the strategy, such as
// a capability pre-check rejection. Only the total moves.
func (m *StrategyMetrics) RecordRejected() {
	m.total.Add(1)
}

// RecordHealthCheck records one health probe.
func (m *StrategyMetrics) RecordHealthCheck(at time.Time) {
	m.healthChecks.Add(1)
	m.lastHealthNanos.Store(at.UnixNano())
}

func (m *StrategyMetrics) observeResponse(sampleMs float64) {
	for {
		oldBits := m.avgResponseBits.Load()
		old := math.Float64frombits(oldBits)
		next := sampleMs
		if oldBits != 0 {
			next = old + responseTimeWeight*(sampleMs-old)
		}
		if m.avgResponseBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time copy of one strategy's counters.
type MetricsSnapshot struct {
	TotalOperations      int64     `json:"total_operations"`
	SuccessfulOperations int64     `json:"successful_operations"`
	FailedOperations     int64     `json:"failed_operations"`
	SuccessRate          float64   `json:"success_rate"`
	AverageResponseMs    float64   `json:"average_response_time_ms"`
	LastUsed             time.Time `json:"last_used_time,omitempty"`
	HealthCheckCount     int64     `json:"health_check_count"`
	LastHealthCheck      time.Time `json:"last_health_check,omitempty"`
}

// Snapshot reads the counters. Outcome counters are read before the total so
// the snapshot upholds successful+failed <= total even while operations
// record concurrently.
func (m *StrategyMetrics) Snapshot() MetricsSnapshot {
	successful := m.successful.Load()
	failed := m.failed.Load()
	total := m.total.Load()
	snapshot := MetricsSnapshot{
		TotalOperations:      total,
		SuccessfulOperations: successful,
		FailedOperations:     failed,
		AverageResponseMs:    math.Float64frombits(m.avgResponseBits.Load()),
		HealthCheckCount:     m.healthChecks.Load(),
	}
	if total > 0 {
		snapshot.SuccessRate = 100 * float64(successful) / float64(total)
	}
	if nanos := m.lastUsedNanos.Load(); nanos > 0 {
		snapshot.LastUsed = time.Unix(0, nanos)
	}
	if nanos := m.lastHealthNanos.Load(); nanos > 0 {
		snapshot.LastHealthCheck = time.Unix(0, nanos)
	}
	return snapshot
}
