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

package batcher_test

import (
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/batcher"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EC2 Facade", func() {
	var ec2api *batcher.EC2API

	fleetInput := func(capacity int32) *ec2.CreateFleetInput {
		return &ec2.CreateFleetInput{
			LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
				LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
					LaunchTemplateName: lo.ToPtr("my-template"),
				},
				Overrides: []ec2types.FleetLaunchTemplateOverridesRequest{{
					AvailabilityZone: lo.ToPtr("us-east-1a"),
				}},
			}},
			TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
				TotalTargetCapacity: lo.ToPtr(capacity),
			},
		}
	}

	BeforeEach(func() {
		fakeEC2API.Reset()
		ec2api = batcher.EC2(ctx, zap.NewNop(), fakeEC2API)
	})

	It("should coalesce concurrent single-instance describes into one call", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}
		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(rsp.Reservations).To(HaveLen(1))
				Expect(rsp.Reservations[0].Instances).To(HaveLen(1))
				Expect(*rsp.Reservations[0].Instances[0].InstanceId).To(Equal(instanceID))
			}(instanceID)
		}
		wg.Wait()
		Expect(fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
	})
	It("should send multi-instance describes straight through", func() {
		for _, id := range []string{"i-1", "i-2"} {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}
		rsp, err := ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{"i-1", "i-2"},
		})
		Expect(err).To(BeNil())
		instances := lo.Flatten(lo.Map(rsp.Reservations, func(rsv ec2types.Reservation, _ int) []ec2types.Instance {
			return rsv.Instances
		}))
		Expect(instances).To(HaveLen(2))
		Expect(fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Pop()
		Expect(call.InstanceIds).To(HaveLen(2))
	})
	It("should coalesce concurrent single-instance terminations into one call", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}
		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
				Expect(*rsp.TerminatingInstances[0].InstanceId).To(Equal(instanceID))
			}(instanceID)
		}
		wg.Wait()
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(call.InstanceIds).To(HaveLen(len(instanceIDs)))
	})
	It("should send multi-instance terminations straight through", func() {
		for _, id := range []string{"i-1", "i-2"} {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}
		rsp, err := ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{"i-1", "i-2"},
		})
		Expect(err).To(BeNil())
		Expect(rsp.TerminatingInstances).To(HaveLen(2))
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
	})
	It("should coalesce identical single-host fleet requests into one call", func() {
		input := fleetInput(1)
		var wg sync.WaitGroup
		var receivedInstance int64
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := ec2api.CreateFleet(ctx, input)
				Expect(err).To(BeNil())
				instanceIDs := lo.Flatten(lo.Map(rsp.Instances, func(rsv ec2types.CreateFleetInstance, _ int) []string {
					return rsv.InstanceIds
				}))
				Expect(instanceIDs).To(HaveLen(1))
				atomic.AddInt64(&receivedInstance, 1)
			}()
		}
		wg.Wait()
		Expect(receivedInstance).To(BeNumerically("==", 5))
		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(*call.TargetCapacitySpecification.TotalTargetCapacity).To(BeNumerically("==", 5))
	})
	It("should keep single-host requests with different idempotency tokens apart", func() {
		var wg sync.WaitGroup
		for _, token := range []string{"req-a", "req-b"} {
			wg.Add(1)
			go func(token string) {
				defer GinkgoRecover()
				defer wg.Done()
				input := fleetInput(1)
				input.ClientToken = lo.ToPtr(token)
				_, err := ec2api.CreateFleet(ctx, input)
				Expect(err).To(BeNil())
			}(token)
		}
		wg.Wait()
		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 2))
	})
	It("should send fleet requests for more than one host straight through", func() {
		rsp, err := ec2api.CreateFleet(ctx, fleetInput(3))
		Expect(err).To(BeNil())
		Expect(rsp.FleetId).ToNot(BeNil())
		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(*call.TargetCapacitySpecification.TotalTargetCapacity).To(BeNumerically("==", 3))
	})
	It("should send fleet requests without a capacity specification straight through", func() {
		input := fleetInput(1)
		input.TargetCapacitySpecification = nil
		_, err := ec2api.CreateFleet(ctx, input)
		Expect(err).To(MatchError(ContainSubstring("target capacity specification is required")))
		Expect(fakeEC2API.CreateFleetBehavior.Calls()).To(BeNumerically("==", 1))
	})
	It("should honor configured batch sizes", func() {
		ec2api = batcher.EC2(ctx, zap.NewNop(), fakeEC2API, batcher.WithBatchSizes(func(operation string) int {
			if operation == "terminate_instances" {
				return 2
			}
			return 0
		}))
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}
		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
			}(instanceID)
		}
		wg.Wait()
		// a flush threshold of two means no merged call carries more than two ids
		calls := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()
		Expect(calls).To(BeNumerically(">=", 2))
		terminated := 0
		for i := 0; i < calls; i++ {
			call := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
			Expect(len(call.InstanceIds)).To(BeNumerically("<=", 2))
			terminated += len(call.InstanceIds)
		}
		Expect(terminated).To(BeNumerically("==", len(instanceIDs)))
	})
})
