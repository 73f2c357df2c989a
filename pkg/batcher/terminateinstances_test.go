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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/batcher"
	"github.com/awslabs/open-resource-broker-sub002/pkg/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TerminateInstances Batcher", func() {
	var tib *batcher.TerminateInstancesBatcher

	BeforeEach(func() {
		fakeEC2API.Reset()
		tib = batcher.NewTerminateInstancesBatcher(ctx, zap.NewNop(), fakeEC2API)
	})

	It("should batch input into a single call", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4", "i-5"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}

		var wg sync.WaitGroup
		var receivedInstance int64
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				atomic.AddInt64(&receivedInstance, 1)
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
				Expect(*rsp.TerminatingInstances[0].InstanceId).To(Equal(instanceID))
			}(instanceID)
		}
		wg.Wait()

		Expect(receivedInstance).To(BeNumerically("==", len(instanceIDs)))
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(len(call.InstanceIds)).To(BeNumerically("==", len(instanceIDs)))
	})
	It("should answer every caller when several ask for the same instance id", func() {
		instanceIDs := []string{"i-1", "i-1", "i-1", "i-2", "i-2"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: lo.ToPtr(id)})
		}

		var wg sync.WaitGroup
		var receivedInstance int64
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				atomic.AddInt64(&receivedInstance, 1)
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
			}(instanceID)
		}
		wg.Wait()

		Expect(receivedInstance).To(BeNumerically("==", len(instanceIDs)))
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(len(call.InstanceIds)).To(BeNumerically("==", len(instanceIDs)))
	})
	It("should recover from a partial batched response with individual requests", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3"}
		// Batched output only reports the first instance as shutting down
		fakeEC2API.TerminateInstancesBehavior.Output.Set(&ec2.TerminateInstancesOutput{
			TerminatingInstances: []ec2types.InstanceStateChange{{
				InstanceId:    lo.ToPtr(instanceIDs[0]),
				PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning, Code: lo.ToPtr[int32](16)},
				CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown, Code: lo.ToPtr[int32](32)},
			}},
		})
		var wg sync.WaitGroup
		var receivedInstance int64
		var numUnfulfilled int64
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(len(rsp.TerminatingInstances)).To(BeNumerically("<=", 1))
				if len(rsp.TerminatingInstances) == 0 {
					atomic.AddInt64(&numUnfulfilled, 1)
				} else {
					atomic.AddInt64(&receivedInstance, 1)
				}
			}(instanceID)
		}
		wg.Wait()

		// one batched call plus one per instance the batch missed
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 3))
		lastCall := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(len(lastCall.InstanceIds)).To(BeNumerically("==", 1))
		nextToLastCall := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(len(nextToLastCall.InstanceIds)).To(BeNumerically("==", 1))
		firstCall := fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Pop()
		Expect(len(firstCall.InstanceIds)).To(BeNumerically("==", 3))
		Expect(receivedInstance).To(BeNumerically("==", 3))
		Expect(numUnfulfilled).To(BeNumerically("==", 0))
	})
	It("should return errors to all callers when erroring on the batched call", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4", "i-5"}
		fakeEC2API.TerminateInstancesBehavior.Error.Set(fmt.Errorf("error"), fake.MaxCalls(6))
		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).ToNot(BeNil())
			}(instanceID)
		}
		wg.Wait()
		// one failed batched call and five failed individual retries
		Expect(fakeEC2API.TerminateInstancesBehavior.Calls()).To(BeNumerically("==", 6))
	})
})
