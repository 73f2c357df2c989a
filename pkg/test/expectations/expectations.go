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

// Package expectations holds shared test assertions for the broker's
// prometheus metrics and domain aggregates.
package expectations

import (
	. "github.com/onsi/ginkgo/v2" //nolint:revive,stylecheck
	. "github.com/onsi/gomega"    //nolint:revive,stylecheck
	prometheusmodel "github.com/prometheus/client_model/go"
	"github.com/samber/lo"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

// FindMetricWithLabelValues gathers the broker registry and returns the metric
// of the named family whose labels are a superset of labelValues.
func FindMetricWithLabelValues(name string, labelValues map[string]string) (*prometheusmodel.Metric, bool) {
	GinkgoHelper()
	families, err := metrics.Registry.Gather()
	Expect(err).To(BeNil())

	family, found := lo.Find(families, func(mf *prometheusmodel.MetricFamily) bool {
		return mf.GetName() == name
	})
	if !found {
		return nil, false
	}
	for _, m := range family.Metric {
		temp := lo.Assign(labelValues)
		for _, labelPair := range m.Label {
			if v, ok := temp[labelPair.GetName()]; ok && v == labelPair.GetValue() {
				delete(temp, labelPair.GetName())
			}
		}
		if len(temp) == 0 {
			return m, true
		}
	}
	return nil, false
}

// ExpectMetricCounterValue asserts the current value of a counter child.
func ExpectMetricCounterValue(name string, labelValues map[string]string, expected float64) {
	GinkgoHelper()
	metric, found := FindMetricWithLabelValues(name, labelValues)
	Expect(found).To(BeTrue(), "expected counter %s%v to exist", name, labelValues)
	Expect(metric.GetCounter().GetValue()).To(BeNumerically("==", expected))
}

// ExpectMetricHistogramSampleCount asserts how many observations a histogram
// child has recorded.
func ExpectMetricHistogramSampleCount(name string, labelValues map[string]string, expected uint64) {
	GinkgoHelper()
	metric, found := FindMetricWithLabelValues(name, labelValues)
	Expect(found).To(BeTrue(), "expected histogram %s%v to exist", name, labelValues)
	Expect(metric.GetHistogram().GetSampleCount()).To(BeNumerically("==", expected))
}

// ExpectRequestStatus asserts a request aggregate's status and, for terminal
// states, that the terminal bookkeeping fields are populated.
func ExpectRequestStatus(request *v1.Request, status v1.RequestStatus) {
	GinkgoHelper()
	Expect(request.Status).To(Equal(status))
	if request.IsTerminal() {
		Expect(request.CompletedAt).ToNot(BeNil())
	}
}
