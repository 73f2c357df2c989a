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

package storage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

var (
	commitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "commits_total",
			Help:      "Unit of work commits by store and result.",
		},
		[]string{metrics.StoreLabel, metrics.ResultLabel},
	)
	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "rollbacks_total",
			Help:      "Unit of work rollbacks by store.",
		},
		[]string{metrics.StoreLabel},
	)
	eventsHandedOff = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "events_published_total",
			Help:      "Domain events handed to the publisher after commit.",
		},
		[]string{metrics.StoreLabel},
	)
)

func init() {
	metrics.MustRegister(commitsTotal, rollbacksTotal, eventsHandedOff)
}

// RecordCommit moves the commit counter for one store.
func RecordCommit(store string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	commitsTotal.WithLabelValues(store, result).Inc()
}

// RecordRollback moves the rollback counter for one store.
func RecordRollback(store string) {
	rollbacksTotal.WithLabelValues(store).Inc()
}

// RecordEventsPublished counts the domain events handed to the publisher.
func RecordEventsPublished(store string, count int) {
	if count > 0 {
		eventsHandedOff.WithLabelValues(store).Add(float64(count))
	}
}
