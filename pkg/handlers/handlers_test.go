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

package handlers_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/bus"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/handlers"
)

var _ = Describe("Registration", func() {
	var (
		f          *fixture
		commandBus *bus.CommandBus
		queryBus   *bus.QueryBus
	)

	BeforeEach(func() {
		f = newFixture()
		f.writeTemplates(catalogJSON)
		commandBus = bus.NewCommandBus(zap.NewNop())
		queryBus = bus.NewQueryBus(zap.NewNop())
	})

	It("should serve commands and queries through the buses", func() {
		Expect(f.handlers.RegisterAll(commandBus, queryBus)).To(Succeed())

		requestID, err := commandBus.Execute(ctx, handlers.CreateAcquisitionRequest{
			TemplateID:   "tmpl-1",
			MachineCount: 1,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(requestID).ToNot(BeEmpty())

		result, err := queryBus.Execute(ctx, handlers.GetRequestStatus{RequestID: requestID})
		Expect(err).ToNot(HaveOccurred())
		details, ok := result.(handlers.RequestDetails)
		Expect(ok).To(BeTrue())
		Expect(details.Request.RequestID).To(Equal(requestID))
		Expect(details.Request.Status).To(Equal(v1.RequestStatusProcessing))
	})
	It("should refuse to register twice", func() {
		Expect(f.handlers.RegisterAll(commandBus, queryBus)).To(Succeed())
		err := f.handlers.RegisterAll(commandBus, queryBus)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
	})
})
