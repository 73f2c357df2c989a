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

package status_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

var _ = Describe("Controller", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	reportMachines := func(machines ...*v1.Machine) {
		f.strategy.executeFn = func(op providers.Operation) providers.Result {
			Expect(op.Type).To(Equal(providers.OperationGetInstanceStatus))
			return providers.OK(map[string]interface{}{providers.DataMachines: machines})
		}
	}

	Context("acquisitions", func() {
		It("should complete the request once every machine is running", func() {
			seeded := f.seedAcquisition(2, "fleet-abc")
			reportMachines(
				reportedMachine(seeded.RequestID, "i-001", v1.InstanceStateRunning),
				reportedMachine(seeded.RequestID, "i-002", v1.InstanceStateRunning),
			)
			f.events = nil

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusCompleted))
			Expect(request.CompletionMessage).To(Equal("all 2 machines running"))
			Expect(request.MachineReferences).To(ConsistOf("i-001", "i-002"))
			Expect(request.CompletedMachineCount).To(Equal(2))

			Expect(f.machine("i-001").Result).To(Equal(v1.MachineResultSucceed))
			Expect(f.machine("i-002").Result).To(Equal(v1.MachineResultSucceed))

			types := make([]string, 0, len(f.events))
			for _, event := range f.events {
				types = append(types, event.EventType())
			}
			Expect(types).To(ContainElements("RequestStatusChanged", "RequestCompleted"))
		})
		It("should record progress while machines are still materializing", func() {
			seeded := f.seedAcquisition(2, "fleet-abc")
			reportMachines(
				reportedMachine(seeded.RequestID, "i-001", v1.InstanceStateRunning),
				reportedMachine(seeded.RequestID, "i-002", v1.InstanceStatePending),
			)

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusProcessing))
			Expect(request.StatusMessage).To(Equal("1 of 2 machines running"))
			Expect(request.CompletedMachineCount).To(Equal(1))
			Expect(f.machine("i-002").Result).To(Equal(v1.MachineResultExecuting))
		})
		It("should hand the strategy the request under its correlation id", func() {
			seeded := f.seedAcquisition(1, "fleet-abc")

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			ops := f.strategy.operations()
			Expect(ops).To(HaveLen(1))
			Expect(ops[0].Type).To(Equal(providers.OperationGetInstanceStatus))
			Expect(ops[0].Context.CorrelationID).To(Equal(seeded.RequestID))
			request, ok := ops[0].Request()
			Expect(ok).To(BeTrue())
			Expect(request.RequestID).To(Equal(seeded.RequestID))
		})
		It("should leave the request processing on a recoverable poll failure without consuming a retry", func() {
			seeded := f.seedAcquisition(1, "fleet-abc")
			f.strategy.executeFn = func(providers.Operation) providers.Result {
				return providers.Fail(errors.New(errors.KindThrottling, errors.CodeThrottling,
					"Request limit exceeded"))
			}

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusProcessing))
			Expect(request.RetryCount).To(BeZero())
		})
		It("should fail the request on a permanent poll failure", func() {
			seeded := f.seedAcquisition(1, "fleet-abc")
			f.strategy.executeFn = func(providers.Operation) providers.Result {
				return providers.Fail(errors.New(errors.KindAuthorization, errors.CodeAuthorization,
					"not authorized to perform DescribeFleetInstances"))
			}

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusFailed))
			Expect(request.ErrorMessage).To(ContainSubstring("not authorized"))
		})
		It("should not poll terminal requests again", func() {
			seeded := f.seedAcquisition(1, "fleet-abc")
			reportMachines(reportedMachine(seeded.RequestID, "i-001", v1.InstanceStateRunning))

			Expect(f.controller.Reconcile(ctx)).To(Succeed())
			Expect(f.request(seeded.RequestID).Status).To(Equal(v1.RequestStatusCompleted))

			before := len(f.strategy.operations())
			Expect(f.controller.Reconcile(ctx)).To(Succeed())
			Expect(f.strategy.operations()).To(HaveLen(before))
		})
	})

	Context("re-dispatch", func() {
		It("should re-dispatch an acquisition that never reached the provider", func() {
			seeded := f.seedAcquisition(2)
			f.strategy.executeFn = func(op providers.Operation) providers.Result {
				Expect(op.Type).To(Equal(providers.OperationCreateInstances))
				template, ok := op.Template()
				Expect(ok).To(BeTrue())
				Expect(template.TemplateID).To(Equal("tmpl-1"))
				return providers.OK(map[string]interface{}{
					providers.DataResourceIDs: []string{"fleet-9"},
				})
			}

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusProcessing))
			Expect(request.ResourceIDs).To(Equal([]string{"fleet-9"}))
		})
		It("should consume the retry budget when the re-dispatch keeps failing", func() {
			request, err := v1.NewAcquisitionRequest(v1.RequestSpec{
				TemplateID:   "tmpl-1",
				MachineCount: 1,
				MaxRetries:   1,
				ProviderName: "aws-us-east-1",
				ProviderType: "aws",
				ProviderAPI:  "EC2Fleet",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(request.StartProcessing()).To(Succeed())
			f.saveRequest(request)
			f.strategy.executeFn = func(providers.Operation) providers.Result {
				return providers.Fail(errors.New(errors.KindCapacity, errors.CodeInsufficientCapacity,
					"insufficient t3.micro capacity"))
			}

			Expect(f.controller.Reconcile(ctx)).To(Succeed())
			after := f.request(request.RequestID)
			Expect(after.Status).To(Equal(v1.RequestStatusProcessing))
			Expect(after.RetryCount).To(Equal(1))

			Expect(f.controller.Reconcile(ctx)).To(Succeed())
			after = f.request(request.RequestID)
			Expect(after.Status).To(Equal(v1.RequestStatusFailed))
			Expect(after.ErrorMessage).To(ContainSubstring("insufficient"))
		})
		It("should fail the acquisition when its template is gone", func() {
			request, err := v1.NewAcquisitionRequest(v1.RequestSpec{
				TemplateID:   "ghost",
				MachineCount: 1,
				ProviderName: "aws-us-east-1",
				ProviderType: "aws",
				ProviderAPI:  "EC2Fleet",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(request.StartProcessing()).To(Succeed())
			f.saveRequest(request)

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			after := f.request(request.RequestID)
			Expect(after.Status).To(Equal(v1.RequestStatusFailed))
			Expect(after.ErrorMessage).To(ContainSubstring(`template "ghost" no longer exists`))
			Expect(f.strategy.operations()).To(BeEmpty())
		})
	})

	Context("returns", func() {
		It("should complete the return once every machine is gone", func() {
			seeded := f.seedReturn("i-101", "i-102")
			// One instance reports terminated, the other already aged out of
			// the provider's view.
			reportMachines(reportedMachine(seeded.RequestID, "i-101", v1.InstanceStateTerminated))

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusCompleted))
			Expect(request.CompletionMessage).To(Equal("2 machines returned"))
			Expect(f.machine("i-101").Status).To(Equal(v1.InstanceStateTerminated))
			Expect(f.machine("i-102").Status).To(Equal(v1.InstanceStateTerminated))
			Expect(f.machine("i-101").Result).To(Equal(v1.MachineResultFail))
		})
		It("should track progress while instances drain", func() {
			seeded := f.seedReturn("i-101", "i-102")
			reportMachines(
				reportedMachine(seeded.RequestID, "i-101", v1.InstanceStateTerminated),
				reportedMachine(seeded.RequestID, "i-102", v1.InstanceStateShuttingDown),
			)

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			request := f.request(seeded.RequestID)
			Expect(request.Status).To(Equal(v1.RequestStatusProcessing))
			Expect(request.StatusMessage).To(Equal("1 of 2 machines terminated"))
			Expect(f.machine("i-101").Status).To(Equal(v1.InstanceStateTerminated))
			Expect(f.machine("i-102").Status).To(Equal(v1.InstanceStateShuttingDown))
		})
		It("should complete when the backing resource is gone entirely", func() {
			seeded := f.seedReturn("i-101")
			f.strategy.executeFn = func(providers.Operation) providers.Result {
				return providers.Fail(errors.NewNotFound("fleet", "fleet-abc"))
			}

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			Expect(f.request(seeded.RequestID).Status).To(Equal(v1.RequestStatusCompleted))
			Expect(f.machine("i-101").Status).To(Equal(v1.InstanceStateTerminated))
		})
		It("should ignore fleet siblings not referenced by the return", func() {
			seeded := f.seedReturn("i-101")
			reportMachines(
				reportedMachine(seeded.RequestID, "i-101", v1.InstanceStateTerminated),
				reportedMachine(seeded.RequestID, "i-extra", v1.InstanceStateRunning),
			)

			Expect(f.controller.Reconcile(ctx)).To(Succeed())

			Expect(f.request(seeded.RequestID).Status).To(Equal(v1.RequestStatusCompleted))
			Expect(storage.Execute(ctx, f.factory, func(uow storage.UnitOfWork) error {
				_, found, err := uow.Machines().GetByID(ctx, "i-extra")
				Expect(err).ToNot(HaveOccurred())
				Expect(found).To(BeFalse())
				return nil
			})).To(Succeed())
		})
	})
})
