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

package interruption

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

var (
	receivedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "interruption",
			Name:      "messages_total",
			Help:      "Interruption queue messages handled, by message kind.",
		},
		[]string{metrics.KindLabel},
	)
	deletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "interruption",
			Name:      "deleted_messages_total",
			Help:      "Interruption queue messages deleted after handling.",
		},
	)
	messageLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "interruption",
			Name:      "message_latency_seconds",
			Help:      "Delay between the event's bus timestamp and its handling.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
)

func init() {
	metrics.MustRegister(receivedMessages, deletedMessages, messageLatency)
}
