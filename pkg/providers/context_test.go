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

package providers_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
)

func newOperation(operationType providers.OperationType) providers.Operation {
	return providers.NewOperation(operationType, providers.OperationContext{
		CorrelationID: "corr-1",
		RequestedAt:   time.Now(),
	})
}

var _ = Describe("Context", func() {
	var providerContext *providers.Context

	BeforeEach(func() {
		providerContext = providers.NewContext(zap.NewNop())
	})

	Context("Registration", func() {
		It("should activate the first registered strategy", func() {
			providerContext.Register(ctx, newFakeStrategy("aws-us-east-1", "aws"))
			Expect(providerContext.Active()).To(Equal("aws-us-east-1"))

			providerContext.Register(ctx, newFakeStrategy("aws-us-west-2", "aws"))
			Expect(providerContext.Active()).To(Equal("aws-us-east-1"))
			Expect(providerContext.Strategies()).To(Equal([]string{"aws-us-east-1", "aws-us-west-2"}))
		})
		It("should clean up the replaced strategy when registering a duplicate name", func() {
			first := newFakeStrategy("aws-us-east-1", "aws")
			second := newFakeStrategy("aws-us-east-1", "aws")
			providerContext.Register(ctx, first)
			providerContext.Register(ctx, second)

			Expect(first.cleanupCalls.Load()).To(BeNumerically("==", 1))
			Expect(providerContext.Strategies()).To(Equal([]string{"aws-us-east-1"}))
			registered, ok := providerContext.Strategy("aws-us-east-1")
			Expect(ok).To(BeTrue())
			Expect(registered).To(BeIdenticalTo(second))
		})
		It("should switch the active strategy", func() {
			providerContext.Register(ctx, newFakeStrategy("aws-us-east-1", "aws"))
			providerContext.Register(ctx, newFakeStrategy("aws-us-west-2", "aws"))

			Expect(providerContext.SetStrategy("aws-us-west-2")).To(Succeed())
			Expect(providerContext.Active()).To(Equal("aws-us-west-2"))
		})
		It("should refuse to activate an unregistered strategy", func() {
			err := providerContext.SetStrategy("aws-us-east-1")
			Expect(err).To(HaveOccurred())
			Expect(errors.CodeOf(err)).To(Equal(errors.CodeStrategyNotFound))
		})
		It("should register strategies concurrently without losing any", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					providerContext.Register(ctx, newFakeStrategy(fmt.Sprintf("aws-%d", i), "aws"))
				}(i)
			}
			wg.Wait()
			Expect(providerContext.Strategies()).To(HaveLen(20))
		})
	})

	Context("Dispatch", func() {
		It("should fail with no strategy available when nothing is registered", func() {
			result := providerContext.ExecuteOperation(ctx, newOperation(providers.OperationCreateInstances))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorCode).To(Equal(errors.CodeNoStrategyAvailable))
		})
		It("should route operations to the active strategy", func() {
			east := newFakeStrategy("aws-us-east-1", "aws")
			west := newFakeStrategy("aws-us-west-2", "aws")
			providerContext.Register(ctx, east)
			providerContext.Register(ctx, west)

			result := providerContext.ExecuteOperation(ctx, newOperation(providers.OperationCreateInstances))
			Expect(result.Success).To(BeTrue())
			Expect(east.executeCalls.Load()).To(BeNumerically("==", 1))
			Expect(west.executeCalls.Load()).To(BeNumerically("==", 0))
		})
		It("should fail with strategy not found for an unregistered target", func() {
			result := providerContext.ExecuteWithStrategy(ctx, "aws-eu-west-1", newOperation(providers.OperationCreateInstances))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorCode).To(Equal(errors.CodeStrategyNotFound))
		})
		It("should reject undeclared operations without invoking the strategy", func() {
			strategy := newFakeStrategy("aws-us-east-1", "aws")
			strategy.capabilities.Operations = []providers.OperationType{providers.OperationCreateInstances}
			providerContext.Register(ctx, strategy)

			result := providerContext.ExecuteOperation(ctx, newOperation(providers.OperationGetInstanceStatus))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorCode).To(Equal(errors.CodeOperationNotSupported))
			Expect(strategy.executeCalls.Load()).To(BeNumerically("==", 0))

			snapshot, ok := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(ok).To(BeTrue())
			Expect(snapshot.TotalOperations).To(BeNumerically("==", 1))
			Expect(snapshot.SuccessfulOperations).To(BeNumerically("==", 0))
			Expect(snapshot.FailedOperations).To(BeNumerically("==", 0))
		})
		It("should only touch the named strategy's metrics", func() {
			east := newFakeStrategy("aws-us-east-1", "aws")
			west := newFakeStrategy("aws-us-west-2", "aws")
			providerContext.Register(ctx, east)
			providerContext.Register(ctx, west)

			result := providerContext.ExecuteWithStrategy(ctx, "aws-us-west-2", newOperation(providers.OperationCreateInstances))
			Expect(result.Success).To(BeTrue())
			Expect(west.executeCalls.Load()).To(BeNumerically("==", 1))
			Expect(east.executeCalls.Load()).To(BeNumerically("==", 0))

			westSnapshot, _ := providerContext.MetricsSnapshot("aws-us-west-2")
			eastSnapshot, _ := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(westSnapshot.TotalOperations).To(BeNumerically("==", 1))
			Expect(eastSnapshot.TotalOperations).To(BeNumerically("==", 0))
		})
	})

	Context("Metrics", func() {
		It("should track totals, outcomes, and the success rate", func() {
			strategy := newFakeStrategy("aws-us-east-1", "aws")
			failures := 0
			strategy.executeFn = func(_ providers.Operation) providers.Result {
				failures++
				if failures <= 2 {
					return providers.Fail(errors.New(errors.KindNetwork, errors.CodeNetwork, "connection reset"))
				}
				return providers.OK(nil)
			}
			providerContext.Register(ctx, strategy)

			for i := 0; i < 5; i++ {
				providerContext.ExecuteOperation(ctx, newOperation(providers.OperationCreateInstances))
			}

			snapshot, ok := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(ok).To(BeTrue())
			Expect(snapshot.TotalOperations).To(BeNumerically("==", 5))
			Expect(snapshot.SuccessfulOperations).To(BeNumerically("==", 3))
			Expect(snapshot.FailedOperations).To(BeNumerically("==", 2))
			Expect(snapshot.SuccessfulOperations + snapshot.FailedOperations).To(BeNumerically("<=", snapshot.TotalOperations))
			Expect(snapshot.SuccessRate).To(BeNumerically("==", 60))
			Expect(snapshot.LastUsed).ToNot(BeZero())
		})
		It("should keep the success rate within bounds under concurrent recording", func() {
			strategy := newFakeStrategy("aws-us-east-1", "aws")
			providerContext.Register(ctx, strategy)

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					providerContext.ExecuteOperation(ctx, newOperation(providers.OperationGetInstanceStatus))
				}()
			}
			wg.Wait()

			snapshot, _ := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(snapshot.TotalOperations).To(BeNumerically("==", 50))
			Expect(snapshot.SuccessfulOperations).To(BeNumerically("==", 50))
			Expect(snapshot.SuccessRate).To(BeNumerically(">=", 0))
			Expect(snapshot.SuccessRate).To(BeNumerically("<=", 100))
		})
		It("should record a rolling average response time", func() {
			strategy := newFakeStrategy("aws-us-east-1", "aws")
			strategy.delay = 5 * time.Millisecond
			providerContext.Register(ctx, strategy)

			providerContext.ExecuteOperation(ctx, newOperation(providers.OperationCreateInstances))
			snapshot, _ := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(snapshot.AverageResponseMs).To(BeNumerically(">", 0))
		})
	})

	Context("Health", func() {
		It("should record health probes per strategy", func() {
			strategy := newFakeStrategy("aws-us-east-1", "aws")
			providerContext.Register(ctx, strategy)

			status, err := providerContext.CheckHealth(ctx, "aws-us-east-1")
			Expect(err).To(BeNil())
			Expect(status.Healthy).To(BeTrue())

			strategy.healthy.Store(false)
			status, err = providerContext.CheckHealth(ctx, "aws-us-east-1")
			Expect(err).To(BeNil())
			Expect(status.Healthy).To(BeFalse())

			snapshot, _ := providerContext.MetricsSnapshot("aws-us-east-1")
			Expect(snapshot.HealthCheckCount).To(BeNumerically("==", 2))
			Expect(snapshot.LastHealthCheck).ToNot(BeZero())
		})
		It("should fail health checks against unknown strategies", func() {
			_, err := providerContext.CheckHealth(ctx, "aws-us-east-1")
			Expect(err).To(HaveOccurred())
			Expect(errors.CodeOf(err)).To(Equal(errors.CodeStrategyNotFound))
		})
		It("should probe every registered strategy", func() {
			east := newFakeStrategy("aws-us-east-1", "aws")
			west := newFakeStrategy("aws-us-west-2", "aws")
			west.healthy.Store(false)
			providerContext.Register(ctx, east)
			providerContext.Register(ctx, west)

			statuses := providerContext.CheckAllHealth(ctx)
			Expect(statuses).To(HaveLen(2))
			Expect(statuses["aws-us-east-1"].Healthy).To(BeTrue())
			Expect(statuses["aws-us-west-2"].Healthy).To(BeFalse())
		})
	})

	Context("Cleanup", func() {
		It("should tear down every strategy and empty the registry", func() {
			east := newFakeStrategy("aws-us-east-1", "aws")
			west := newFakeStrategy("aws-us-west-2", "aws")
			providerContext.Register(ctx, east)
			providerContext.Register(ctx, west)

			Expect(providerContext.Cleanup(ctx)).To(Succeed())
			Expect(east.cleanupCalls.Load()).To(BeNumerically("==", 1))
			Expect(west.cleanupCalls.Load()).To(BeNumerically("==", 1))
			Expect(providerContext.Strategies()).To(BeEmpty())
			Expect(providerContext.Active()).To(BeEmpty())
		})
	})
})
