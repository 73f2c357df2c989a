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

package v1

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is an immutable record of something that happened inside an
// aggregate. Events are buffered on the aggregate until the unit of work
// commits, then drained exactly once to the publisher in emission order.
type DomainEvent interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
	Sequence() int
}

type baseEvent struct {
	id         string
	occurredAt time.Time
	requestID  string
	sequence   int
}

func (e baseEvent) EventID() string       { return e.id }
func (e baseEvent) OccurredAt() time.Time { return e.occurredAt }
func (e baseEvent) AggregateID() string   { return e.requestID }
func (e baseEvent) Sequence() int         { return e.sequence }

func newBaseEvent(requestID string, sequence int, notBefore time.Time) baseEvent {
	now := time.Now().UTC()
	if now.Before(notBefore) {
		now = notBefore
	}
	return baseEvent{
		id:         uuid.NewString(),
		occurredAt: now,
		requestID:  requestID,
		sequence:   sequence,
	}
}

// RequestCreated is emitted once when a request aggregate is constructed.
type RequestCreated struct {
	baseEvent
	TemplateID   string
	RequestType  RequestType
	MachineCount int
}

func (RequestCreated) EventType() string { return "RequestCreated" }

// RequestStatusChanged is emitted on every lifecycle transition.
type RequestStatusChanged struct {
	baseEvent
	Old RequestStatus
	New RequestStatus
}

func (RequestStatusChanged) EventType() string { return "RequestStatusChanged" }

// RequestCompleted is emitted when a request reaches completed or failed.
type RequestCompleted struct {
	baseEvent
	Success           bool
	MachineIDs        []string
	ErrorMessage      string
	CompletionMessage string
}

func (RequestCompleted) EventType() string { return "RequestCompleted" }
