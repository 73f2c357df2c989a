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
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/file"
)

var _ = Describe("Controller", func() {
	var (
		sqsAPI  *fakeSQS
		factory storage.Factory
		cancel  context.CancelFunc
		done    chan struct{}
	)

	BeforeEach(func() {
		sqsAPI = &fakeSQS{}
		store, err := file.NewStore(zap.NewNop(), config.FileStorageConfig{BasePath: GinkgoT().TempDir()}, nil)
		Expect(err).ToNot(HaveOccurred())
		factory = store.Factory()
	})

	seedMachine := func(instanceID string) {
		Expect(storage.Execute(ctx, factory, func(uow storage.UnitOfWork) error {
			return uow.Machines().Save(ctx, &v1.Machine{
				MachineID:    instanceID,
				Name:         "host-" + instanceID,
				InstanceID:   instanceID,
				RequestID:    "req-1",
				TemplateID:   "tmpl-1",
				ResourceID:   "fleet-abc",
				Status:       v1.InstanceStateRunning,
				Result:       v1.MachineResultSucceed,
				ProviderName: "aws-us-east-1",
			})
		})).To(Succeed())
	}

	machine := func(id string) *v1.Machine {
		var out *v1.Machine
		Expect(storage.Execute(ctx, factory, func(uow storage.UnitOfWork) error {
			stored, found, err := uow.Machines().GetByID(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(found).To(BeTrue())
			out = stored
			return nil
		})).To(Succeed())
		return out
	}

	start := func() {
		controller := interruption.NewController(zap.NewNop(), factory,
			interruption.NewQueue(sqsAPI, "hostfactory-interruptions"))

		var runCtx context.Context
		runCtx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(controller.Run(runCtx)).To(Succeed())
		}()
	}

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("should mark the machine failed on a spot interruption warning", func() {
		seedMachine("i-0spot")
		sqsAPI.enqueue(spotWarningJSON("i-0spot"), "rh-1")
		start()

		Eventually(func() v1.MachineResult {
			return machine("i-0spot").Result
		}, "2s", "20ms").Should(Equal(v1.MachineResultFail))
		Expect(machine("i-0spot").Status).To(Equal(v1.InstanceStateShuttingDown))
		Eventually(sqsAPI.deletedHandles, "2s", "20ms").Should(ConsistOf("rh-1"))
	})

	It("should mark the machine terminated on a terminated state change", func() {
		seedMachine("i-0gone")
		sqsAPI.enqueue(stateChangeJSON("i-0gone", "terminated"), "rh-1")
		start()

		Eventually(func() string {
			return machine("i-0gone").Status
		}, "2s", "20ms").Should(Equal(v1.InstanceStateTerminated))
		Expect(machine("i-0gone").Result).To(Equal(v1.MachineResultFail))
	})

	It("should record the observed state on a stopping state change", func() {
		seedMachine("i-0stop")
		sqsAPI.enqueue(stateChangeJSON("i-0stop", "stopping"), "rh-1")
		start()

		Eventually(func() string {
			return machine("i-0stop").Status
		}, "2s", "20ms").Should(Equal(v1.InstanceStateStopping))
		Expect(machine("i-0stop").Result).To(Equal(v1.MachineResultFail))
	})

	It("should delete messages it cannot parse", func() {
		sqsAPI.enqueue(`{"version": `, "rh-bad")
		start()

		Eventually(sqsAPI.deletedHandles, "2s", "20ms").Should(ConsistOf("rh-bad"))
	})

	It("should delete events for instances the inventory does not know", func() {
		seedMachine("i-0kept")
		sqsAPI.enqueue(spotWarningJSON("i-0ghost"), "rh-1")
		start()

		Eventually(sqsAPI.deletedHandles, "2s", "20ms").Should(ConsistOf("rh-1"))
		Expect(machine("i-0kept").Result).To(Equal(v1.MachineResultSucceed))
	})

	It("should leave machines untouched on state changes it cannot react to", func() {
		seedMachine("i-0run")
		sqsAPI.enqueue(stateChangeJSON("i-0run", "pending"), "rh-1")
		start()

		Eventually(sqsAPI.deletedHandles, "2s", "20ms").Should(ConsistOf("rh-1"))
		Expect(machine("i-0run").Status).To(Equal(v1.InstanceStateRunning))
	})

	It("should handle every message in a batch", func() {
		seedMachine("i-0one")
		seedMachine("i-0two")
		sqsAPI.enqueue(spotWarningJSON("i-0one"), "rh-1")
		sqsAPI.enqueue(stateChangeJSON("i-0two", "terminated"), "rh-2")
		start()

		Eventually(sqsAPI.deletedHandles, "2s", "20ms").Should(ConsistOf("rh-1", "rh-2"))
		Expect(machine("i-0one").Status).To(Equal(v1.InstanceStateShuttingDown))
		Expect(machine("i-0two").Status).To(Equal(v1.InstanceStateTerminated))
	})
})
