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

package bus_test

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/bus"
)

type createThing struct{ Count int }

func (createThing) CommandName() string { return "CreateThing" }

type getThing struct{ ID string }

func (getThing) QueryName() string { return "GetThing" }

type recordingHandler struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (h *recordingHandler) EventType() string { return "RequestCreated" }

func (h *recordingHandler) Handle(_ context.Context, event bus.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) seen() []bus.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.Event{}, h.events...)
}

var _ = Describe("CommandBus", func() {
	var commandBus *bus.CommandBus
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		commandBus = bus.NewCommandBus(zap.NewNop())
	})

	It("should dispatch to the registered handler", func() {
		Expect(commandBus.Register(bus.NewCommandHandlerFunc(func(_ context.Context, cmd createThing) (string, error) {
			return fmt.Sprintf("thing-%d", cmd.Count), nil
		}))).To(Succeed())

		result, err := commandBus.Execute(ctx, createThing{Count: 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal("thing-3"))
	})
	It("should reject duplicate registration", func() {
		handler := bus.NewCommandHandlerFunc(func(_ context.Context, _ createThing) (string, error) { return "", nil })
		Expect(commandBus.Register(handler)).To(Succeed())
		Expect(commandBus.Register(handler)).ToNot(Succeed())
	})
	It("should error on missing handler", func() {
		_, err := commandBus.Execute(ctx, createThing{})
		Expect(err).To(HaveOccurred())
	})
	It("should propagate handler errors", func() {
		Expect(commandBus.Register(bus.NewCommandHandlerFunc(func(_ context.Context, _ createThing) (string, error) {
			return "", fmt.Errorf("boom")
		}))).To(Succeed())
		_, err := commandBus.Execute(ctx, createThing{})
		Expect(err).To(MatchError(ContainSubstring("boom")))
	})
})

var _ = Describe("QueryBus", func() {
	var queryBus *bus.QueryBus
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		queryBus = bus.NewQueryBus(zap.NewNop())
	})

	It("should dispatch and return the typed result", func() {
		Expect(queryBus.Register(bus.NewQueryHandlerFunc(func(_ context.Context, q getThing) ([]string, error) {
			return []string{q.ID}, nil
		}))).To(Succeed())

		result, err := queryBus.Execute(ctx, getThing{ID: "t-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal([]string{"t-1"}))
	})
	It("should error on missing handler", func() {
		_, err := queryBus.Execute(ctx, getThing{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("EventBus", func() {
	var eventBus *bus.EventBus
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		eventBus = bus.NewEventBus(zap.NewNop())
	})

	It("should deliver events to every subscriber exactly once, in order", func() {
		first := &recordingHandler{}
		second := &recordingHandler{}
		eventBus.Subscribe(first)
		eventBus.Subscribe(second)

		request, err := v1.NewAcquisitionRequest(v1.RequestSpec{TemplateID: "t", MachineCount: 1})
		Expect(err).ToNot(HaveOccurred())
		events := request.DrainEvents()
		for _, event := range events {
			eventBus.Publish(ctx, event)
		}

		Expect(first.seen()).To(HaveLen(1))
		Expect(second.seen()).To(HaveLen(1))
		Expect(first.seen()[0].EventType()).To(Equal("RequestCreated"))
	})
	It("should keep delivering after a handler error", func() {
		failing := &recordingHandler{err: fmt.Errorf("subscriber broke")}
		healthy := &recordingHandler{}
		eventBus.Subscribe(failing)
		eventBus.Subscribe(healthy)

		request, _ := v1.NewAcquisitionRequest(v1.RequestSpec{TemplateID: "t", MachineCount: 1})
		for _, event := range request.DrainEvents() {
			eventBus.Publish(ctx, event)
		}
		Expect(failing.seen()).To(HaveLen(1))
		Expect(healthy.seen()).To(HaveLen(1))
	})
	It("should survive a panicking handler", func() {
		eventBus.Subscribe(bus.NewEventHandlerFunc("RequestCreated", func(context.Context, bus.Event) error {
			panic("subscriber exploded")
		}))
		healthy := &recordingHandler{}
		eventBus.Subscribe(healthy)

		request, _ := v1.NewAcquisitionRequest(v1.RequestSpec{TemplateID: "t", MachineCount: 1})
		for _, event := range request.DrainEvents() {
			Expect(func() { eventBus.Publish(ctx, event) }).ToNot(Panic())
		}
		Expect(healthy.seen()).To(HaveLen(1))
	})
	It("should ignore events with no subscribers", func() {
		request, _ := v1.NewAcquisitionRequest(v1.RequestSpec{TemplateID: "t", MachineCount: 1})
		for _, event := range request.DrainEvents() {
			Expect(func() { eventBus.Publish(ctx, event) }).ToNot(Panic())
		}
	})
})
