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

package storage_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

type scriptedUnitOfWork struct {
	beginErr    error
	commitErr   error
	rollbackErr error
	calls       []string
}

func (u *scriptedUnitOfWork) Begin(context.Context) error {
	u.calls = append(u.calls, "begin")
	return u.beginErr
}

func (u *scriptedUnitOfWork) Commit(context.Context) error {
	u.calls = append(u.calls, "commit")
	return u.commitErr
}

func (u *scriptedUnitOfWork) Rollback(context.Context) error {
	u.calls = append(u.calls, "rollback")
	return u.rollbackErr
}

func (u *scriptedUnitOfWork) Requests() storage.RequestRepository   { return nil }
func (u *scriptedUnitOfWork) Machines() storage.MachineRepository   { return nil }
func (u *scriptedUnitOfWork) Templates() storage.TemplateRepository { return nil }

var _ = Describe("Execute", func() {
	var ctx context.Context
	var uow *scriptedUnitOfWork
	var factory storage.Factory

	BeforeEach(func() {
		ctx = context.Background()
		uow = &scriptedUnitOfWork{}
		factory = func() storage.UnitOfWork { return uow }
	})

	It("should commit when the function succeeds", func() {
		Expect(storage.Execute(ctx, factory, func(storage.UnitOfWork) error { return nil })).To(Succeed())
		Expect(uow.calls).To(Equal([]string{"begin", "commit"}))
	})
	It("should roll back when the function fails", func() {
		err := storage.Execute(ctx, factory, func(storage.UnitOfWork) error { return fmt.Errorf("boom") })
		Expect(err).To(MatchError(ContainSubstring("boom")))
		Expect(uow.calls).To(Equal([]string{"begin", "rollback"}))
	})
	It("should not invoke the function when Begin fails", func() {
		uow.beginErr = fmt.Errorf("no backend")
		invoked := false
		err := storage.Execute(ctx, factory, func(storage.UnitOfWork) error { invoked = true; return nil })
		Expect(err).To(MatchError(ContainSubstring("beginning unit of work")))
		Expect(invoked).To(BeFalse())
		Expect(uow.calls).To(Equal([]string{"begin"}))
	})
	It("should roll back after a failed commit", func() {
		uow.commitErr = fmt.Errorf("disk full")
		err := storage.Execute(ctx, factory, func(storage.UnitOfWork) error { return nil })
		Expect(err).To(MatchError(ContainSubstring("committing unit of work")))
		Expect(uow.calls).To(Equal([]string{"begin", "commit", "rollback"}))
	})
	It("should append a rollback failure to the original error", func() {
		uow.rollbackErr = fmt.Errorf("also broken")
		err := storage.Execute(ctx, factory, func(storage.UnitOfWork) error { return fmt.Errorf("boom") })
		Expect(err).To(MatchError(ContainSubstring("boom")))
		Expect(err).To(MatchError(ContainSubstring("rolling back unit of work")))
	})
	It("should roll back when the function panics", func() {
		Expect(func() {
			_ = storage.Execute(ctx, factory, func(storage.UnitOfWork) error { panic("boom") })
		}).To(Panic())
		Expect(uow.calls).To(Equal([]string{"begin", "rollback"}))
	})
})

var _ = Describe("Registry", func() {
	var registry *storage.Registry
	var factory storage.Factory

	BeforeEach(func() {
		registry = storage.NewRegistry(zap.NewNop())
		factory = func() storage.UnitOfWork { return &scriptedUnitOfWork{} }
	})

	It("should resolve a registered backend", func() {
		Expect(registry.Register("file", factory)).To(Succeed())
		resolved, err := registry.Factory("file")
		Expect(err).ToNot(HaveOccurred())
		Expect(resolved).ToNot(BeNil())
	})
	It("should reject duplicate registration", func() {
		Expect(registry.Register("file", factory)).To(Succeed())
		err := registry.Register("file", factory)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
	})
	It("should name the available backends when resolution fails", func() {
		Expect(registry.Register("file", factory)).To(Succeed())
		Expect(registry.Register("sql", factory)).To(Succeed())
		_, err := registry.Factory("dynamodb")
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("file"))
		Expect(err.Error()).To(ContainSubstring("sql"))
	})
	It("should list backends in sorted order", func() {
		Expect(registry.Register("sql", factory)).To(Succeed())
		Expect(registry.Register("file", factory)).To(Succeed())
		Expect(registry.Names()).To(Equal([]string{"file", "sql"}))
		Expect(registry.Len()).To(Equal(2))
	})
})

var _ = Describe("Matches", func() {
	It("should compare against the persisted field names", func() {
		request := &v1.Request{RequestID: "req-1", Status: v1.RequestStatusPending, MachineCount: 3}
		Expect(storage.Matches(request, map[string]interface{}{"status": "pending"})).To(BeTrue())
		Expect(storage.Matches(request, map[string]interface{}{"status": v1.RequestStatusPending})).To(BeTrue())
		Expect(storage.Matches(request, map[string]interface{}{"machine_count": 3})).To(BeTrue())
		Expect(storage.Matches(request, map[string]interface{}{"request_id": "req-2"})).To(BeFalse())
	})
	It("should match everything on an empty filter", func() {
		Expect(storage.Matches(&v1.Machine{MachineID: "m-1"}, nil)).To(BeTrue())
	})
	It("should not match fields elided by omitempty", func() {
		machine := &v1.Machine{MachineID: "m-1"}
		Expect(storage.Matches(machine, map[string]interface{}{"instance_type": ""})).To(BeFalse())
	})
	It("should require every filter to hold", func() {
		machine := &v1.Machine{MachineID: "m-1", RequestID: "req-1", Status: v1.InstanceStateRunning}
		Expect(storage.Matches(machine, map[string]interface{}{
			"request_id": "req-1",
			"status":     "running",
		})).To(BeTrue())
		Expect(storage.Matches(machine, map[string]interface{}{
			"request_id": "req-1",
			"status":     "stopped",
		})).To(BeFalse())
	})
})
