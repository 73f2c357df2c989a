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
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Common namespace for application metrics.
	Namespace = "hostfactory"

	// Common set of metric label names.
	ProviderLabel  = "provider"
	OperationLabel = "operation"
	ServiceLabel   = "service"
	ResultLabel    = "result"
	ErrorTypeLabel = "error_type"
	BatcherLabel   = "batcher"
	MessageLabel   = "message"
	StoreLabel     = "store"
	KindLabel      = "kind"
)

// Registry collects every broker metric; the serve command exposes it over
// promhttp.
var Registry = prometheus.NewRegistry()

// MustRegister attaches collectors to the broker registry at package init
// time.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}

// DurationBuckets returns a []float64 of default threshold values for duration histograms.
// Each returned slice is new and may be modified without impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}

// ErrorsTotal counts classified domain errors by kind, recorded wherever
// foreign errors are converted into the taxonomy.
var ErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "errors_total",
		Help:      "Total domain errors by kind.",
	},
	[]string{KindLabel},
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ErrorsTotal,
	)
}
