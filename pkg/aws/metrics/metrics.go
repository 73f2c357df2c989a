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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

const subsystem = "aws"

var (
	// APICalls counts every instrumented AWS API call by outcome.
	APICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_calls_total",
			Help:      "Total AWS API calls by service, operation and result.",
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel, metrics.ResultLabel},
	)
	// APIErrors counts failed AWS API calls by classified error type.
	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_errors_total",
			Help:      "Total AWS API errors by service, operation and error type.",
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel, metrics.ErrorTypeLabel},
	)
	// APIThrottles counts throttle responses, including attempts that were
	// later retried successfully.
	APIThrottles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_throttling_total",
			Help:      "Total AWS API throttle responses by service and operation.",
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel},
	)
	// APIDuration observes wall time per call including SDK retries.
	APIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_call_duration_seconds",
			Help:      "AWS API call duration, in seconds, including retries.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel},
	)
	// APIResponseSize observes response payload sizes when tracking is enabled.
	APIResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_response_size_bytes",
			Help:      "AWS API response sizes in bytes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel},
	)
	// APIRetries counts SDK-level retry attempts beyond the first try.
	APIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "api_retries_total",
			Help:      "Total AWS API retry attempts by service and operation.",
		},
		[]string{metrics.ServiceLabel, metrics.OperationLabel},
	)
)

func init() {
	metrics.MustRegister(APICalls, APIErrors, APIThrottles, APIDuration, APIResponseSize, APIRetries)
}
