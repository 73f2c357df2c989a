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

package interruption_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption/messages"
)

var _ = Describe("EventParser", func() {
	var parser *interruption.EventParser

	BeforeEach(func() {
		parser = interruption.NewEventParser(interruption.DefaultParsers...)
	})

	It("should parse a spot interruption warning", func() {
		msg, err := parser.Parse(spotWarningJSON("i-0abc123"))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.SpotInterruptionKind))
		Expect(msg.EC2InstanceIDs()).To(Equal([]string{"i-0abc123"}))
		Expect(msg.StartTime()).To(Equal(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)))
	})

	It("should parse a state change toward terminated", func() {
		msg, err := parser.Parse(stateChangeJSON("i-0abc123", "terminated"))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.StateChangeKind))
		Expect(msg.EC2InstanceIDs()).To(Equal([]string{"i-0abc123"}))
	})

	It("should drop state changes the consumer cannot react to", func() {
		msg, err := parser.Parse(stateChangeJSON("i-0abc123", "running"))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
	})

	It("should pass through unknown detail types as noop", func() {
		msg, err := parser.Parse(`{
			"version": "0",
			"detail-type": "AWS Health Event",
			"source": "aws.health",
			"time": "2026-08-25T12:00:00Z"
		}`)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
		Expect(msg.EC2InstanceIDs()).To(BeEmpty())
	})

	It("should treat an empty body as noop", func() {
		msg, err := parser.Parse("")
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
	})

	It("should error on a body that is not an envelope", func() {
		msg, err := parser.Parse(`{"version": `)
		Expect(err).To(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
	})
})
