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

// Package storage defines the persistence contracts every backend implements:
// typed repositories per aggregate and a unit of work that stages mutations
// until one atomic commit. Domain events buffered on saved requests reach the
// event publisher only after the commit is durable, so a rolled-back request
// never announces transitions that were never persisted.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
)

// RequestRepository persists request aggregates. Save upserts by request id,
// GetByID reports absence through the bool rather than an error.
type RequestRepository interface {
	Save(ctx context.Context, request *v1.Request) error
	GetByID(ctx context.Context, id string) (*v1.Request, bool, error)
	FindAll(ctx context.Context) ([]*v1.Request, error)
	FindBy(ctx context.Context, filters map[string]interface{}) ([]*v1.Request, error)
	Delete(ctx context.Context, id string) error
}

// MachineRepository persists machine aggregates keyed by machine id.
type MachineRepository interface {
	Save(ctx context.Context, machine *v1.Machine) error
	GetByID(ctx context.Context, id string) (*v1.Machine, bool, error)
	FindAll(ctx context.Context) ([]*v1.Machine, error)
	FindBy(ctx context.Context, filters map[string]interface{}) ([]*v1.Machine, error)
	Delete(ctx context.Context, id string) error
}

// TemplateRepository persists template aggregates keyed by template id.
type TemplateRepository interface {
	Save(ctx context.Context, template *v1.Template) error
	GetByID(ctx context.Context, id string) (*v1.Template, bool, error)
	FindAll(ctx context.Context) ([]*v1.Template, error)
	FindBy(ctx context.Context, filters map[string]interface{}) ([]*v1.Template, error)
	Delete(ctx context.Context, id string) error
}

// UnitOfWork scopes repository mutations to one atomic commit. Repositories
// obtained from the same unit of work observe each other's uncommitted
// writes; nothing becomes visible elsewhere until Commit returns.
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Requests() RequestRepository
	Machines() MachineRepository
	Templates() TemplateRepository
}

// Factory mints a fresh unit of work bound to one backend.
type Factory func() UnitOfWork

// EventPublisher receives the domain events drained from saved requests after
// a unit of work commits, in emission order. Implementations must not block
// on slow subscribers; the commit path is done by the time they run.
type EventPublisher func(ctx context.Context, events ...v1.DomainEvent)

// Execute brackets fn in a unit of work: Begin, fn, then Commit on success.
// Any failure, including a panic inside fn, rolls the unit of work back.
func Execute(ctx context.Context, factory Factory, fn func(uow UnitOfWork) error) (err error) {
	uow := factory()
	if beginErr := uow.Begin(ctx); beginErr != nil {
		return fmt.Errorf("beginning unit of work, %w", beginErr)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := uow.Rollback(ctx); rollbackErr != nil {
			err = multierr.Append(err, fmt.Errorf("rolling back unit of work, %w", rollbackErr))
		}
	}()
	if fnErr := fn(uow); fnErr != nil {
		return fnErr
	}
	if commitErr := uow.Commit(ctx); commitErr != nil {
		return fmt.Errorf("committing unit of work, %w", commitErr)
	}
	committed = true
	return nil
}

// Matches reports whether the item's persisted representation carries every
// filter value. Keys are the aggregate's JSON field names; values compare by
// their string form so an int filter matches the float64 that JSON decoding
// produces. Fields elided by omitempty never match.
func Matches(item interface{}, filters map[string]interface{}) bool {
	if len(filters) == 0 {
		return true
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for key, want := range filters {
		got, ok := fields[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
