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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

type RequestType string

const (
	RequestTypeNew    RequestType = "NEW"
	RequestTypeReturn RequestType = "RETURN"
)

const (
	DefaultPriority       = 1
	DefaultTimeoutMinutes = 60
	DefaultMaxRetries     = 3
)

// Request is the aggregate root for one acquisition or return. It owns its
// resource ids and machine references exclusively and is mutated only through
// its transition methods, which enforce the lifecycle table and buffer domain
// events until the unit of work drains them.
type Request struct {
	RequestID             string            `json:"request_id"`
	TemplateID            string            `json:"template_id,omitempty"`
	RequestType           RequestType       `json:"request_type"`
	MachineCount          int               `json:"machine_count"`
	RequesterID           string            `json:"requester_id,omitempty"`
	Priority              int               `json:"priority"`
	Status                RequestStatus     `json:"status"`
	Tags                  map[string]string `json:"tags,omitempty"`
	Configuration         map[string]string `json:"configuration,omitempty"`
	TimeoutMinutes        int               `json:"timeout_minutes"`
	MaxRetries            int               `json:"max_retries"`
	RetryCount            int               `json:"retry_count"`
	ResourceIDs           []string          `json:"resource_ids,omitempty"`
	MachineReferences     []string          `json:"machine_references,omitempty"`
	ProviderName          string            `json:"provider_name,omitempty"`
	ProviderType          string            `json:"provider_type,omitempty"`
	ProviderAPI           string            `json:"provider_api,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingStartedAt   *time.Time        `json:"processing_started_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	FailedAt              *time.Time        `json:"failed_at,omitempty"`
	CancelledAt           *time.Time        `json:"cancelled_at,omitempty"`
	CompletionMessage     string            `json:"completion_message,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	ReturnReason          string            `json:"return_reason,omitempty"`
	StatusMessage         string            `json:"status_message,omitempty"`
	CompletedMachineCount int               `json:"completed_machine_count"`

	events        []DomainEvent
	eventSequence int
}

// RequestSpec carries the caller-supplied fields for a new request. Zero
// values fall back to the package defaults.
type RequestSpec struct {
	TemplateID     string
	MachineCount   int
	RequesterID    string
	Priority       int
	Tags           map[string]string
	Configuration  map[string]string
	TimeoutMinutes int
	MaxRetries     int
	ProviderName   string
	ProviderType   string
	ProviderAPI    string
}

func (s *RequestSpec) applyDefaults() {
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	if s.TimeoutMinutes == 0 {
		s.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
}

func (s RequestSpec) validate() error {
	var errs error
	if s.MachineCount < 1 {
		errs = multierr.Append(errs, fmt.Errorf("machine count must be at least 1, got %d", s.MachineCount))
	}
	if s.Priority < 1 || s.Priority > 5 {
		errs = multierr.Append(errs, fmt.Errorf("priority must be within [1, 5], got %d", s.Priority))
	}
	if s.TimeoutMinutes < 1 {
		errs = multierr.Append(errs, fmt.Errorf("timeout minutes must be positive, got %d", s.TimeoutMinutes))
	}
	if s.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max retries must not be negative, got %d", s.MaxRetries))
	}
	return errs
}

// NewAcquisitionRequest constructs a NEW request in pending state and emits
// RequestCreated.
func NewAcquisitionRequest(spec RequestSpec) (*Request, error) {
	spec.applyDefaults()
	var errs error
	if spec.TemplateID == "" {
		errs = multierr.Append(errs, fmt.Errorf("acquisition requests require a template id"))
	}
	if err := multierr.Append(errs, spec.validate()); err != nil {
		return nil, errors.NewRequestValidation(err.Error())
	}
	return newRequest(RequestTypeNew, spec), nil
}

// NewReturnRequest constructs a RETURN request for the given machines. The
// machine count is the number of machines handed back.
func NewReturnRequest(machineIDs []string, reason string, spec RequestSpec) (*Request, error) {
	if len(machineIDs) == 0 {
		return nil, errors.NewRequestValidation("return requests require at least one machine id")
	}
	spec.MachineCount = len(machineIDs)
	spec.applyDefaults()
	if err := spec.validate(); err != nil {
		return nil, errors.NewRequestValidation(err.Error())
	}
	request := newRequest(RequestTypeReturn, spec)
	request.MachineReferences = lo.Uniq(machineIDs)
	request.ReturnReason = reason
	return request, nil
}

func newRequest(requestType RequestType, spec RequestSpec) *Request {
	request := &Request{
		RequestID:      uuid.NewString(),
		TemplateID:     spec.TemplateID,
		RequestType:    requestType,
		MachineCount:   spec.MachineCount,
		RequesterID:    spec.RequesterID,
		Priority:       spec.Priority,
		Status:         RequestStatusPending,
		Tags:           spec.Tags,
		Configuration:  spec.Configuration,
		TimeoutMinutes: spec.TimeoutMinutes,
		MaxRetries:     spec.MaxRetries,
		ProviderName:   spec.ProviderName,
		ProviderType:   spec.ProviderType,
		ProviderAPI:    spec.ProviderAPI,
		CreatedAt:      time.Now().UTC(),
	}
	request.record(RequestCreated{
		baseEvent:    request.nextBaseEvent(),
		TemplateID:   request.TemplateID,
		RequestType:  requestType,
		MachineCount: request.MachineCount,
	})
	return request
}

// StartProcessing moves pending to processing.
func (r *Request) StartProcessing() error {
	if r.Status != RequestStatusPending {
		return r.invalidTransition(RequestStatusProcessing)
	}
	old := r.Status
	r.Status = RequestStatusProcessing
	r.ProcessingStartedAt = lo.ToPtr(time.Now().UTC())
	r.record(RequestStatusChanged{baseEvent: r.nextBaseEvent(), Old: old, New: r.Status})
	return nil
}

// CompleteSuccessfully moves processing to completed, recording the machines
// that materialized.
func (r *Request) CompleteSuccessfully(machineIDs []string, message string) error {
	if r.Status != RequestStatusProcessing {
		return r.invalidTransition(RequestStatusCompleted)
	}
	old := r.Status
	r.Status = RequestStatusCompleted
	r.CompletedAt = lo.ToPtr(time.Now().UTC())
	r.CompletionMessage = message
	for _, id := range machineIDs {
		r.AddMachineReference(id)
	}
	r.CompletedMachineCount = len(r.MachineReferences)
	r.record(RequestStatusChanged{baseEvent: r.nextBaseEvent(), Old: old, New: r.Status})
	r.record(RequestCompleted{
		baseEvent:         r.nextBaseEvent(),
		Success:           true,
		MachineIDs:        append([]string{}, r.MachineReferences...),
		CompletionMessage: message,
	})
	return nil
}

// FailWithError moves processing to failed.
func (r *Request) FailWithError(message string) error {
	if r.Status != RequestStatusProcessing {
		return r.invalidTransition(RequestStatusFailed)
	}
	old := r.Status
	r.Status = RequestStatusFailed
	r.FailedAt = lo.ToPtr(time.Now().UTC())
	r.ErrorMessage = message
	r.record(RequestStatusChanged{baseEvent: r.nextBaseEvent(), Old: old, New: r.Status})
	r.record(RequestCompleted{
		baseEvent:    r.nextBaseEvent(),
		Success:      false,
		ErrorMessage: message,
	})
	return nil
}

// Cancel moves pending or processing to cancelled.
func (r *Request) Cancel(reason string) error {
	if r.Status != RequestStatusPending && r.Status != RequestStatusProcessing {
		return r.invalidTransition(RequestStatusCancelled)
	}
	old := r.Status
	r.Status = RequestStatusCancelled
	r.CancelledAt = lo.ToPtr(time.Now().UTC())
	r.ReturnReason = reason
	r.record(RequestStatusChanged{baseEvent: r.nextBaseEvent(), Old: old, New: r.Status})
	return nil
}

// IncrementRetryCount bumps the retry counter, failing once the budget is
// exhausted.
func (r *Request) IncrementRetryCount(note string) error {
	if r.RetryCount >= r.MaxRetries {
		return errors.NewRequestProcessing(r.RequestID,
			fmt.Sprintf("retry budget exhausted at %d/%d, %s", r.RetryCount, r.MaxRetries, note))
	}
	r.RetryCount++
	r.StatusMessage = note
	return nil
}

func (r *Request) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// GetTimeoutAt returns the instant after which the request counts as timed
// out. Detection is performed by the timeout poller, not the aggregate.
func (r *Request) GetTimeoutAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TimeoutMinutes) * time.Minute)
}

func (r *Request) IsTimedOut(now time.Time) bool {
	return now.After(r.GetTimeoutAt())
}

// UpdateProgress records how many of the requested machines have
// materialized so far.
func (r *Request) UpdateProgress(completedCount int, statusMessage string) error {
	if completedCount < 0 || completedCount > r.MachineCount {
		return errors.NewRequestProcessing(r.RequestID,
			fmt.Sprintf("completed count %d out of range [0, %d]", completedCount, r.MachineCount))
	}
	r.CompletedMachineCount = completedCount
	r.StatusMessage = statusMessage
	return nil
}

func (r *Request) ProgressPercentage() float64 {
	if r.MachineCount == 0 {
		return 0
	}
	return 100 * float64(r.CompletedMachineCount) / float64(r.MachineCount)
}

// AddResourceID records an opaque provider handle owned by this request.
// Duplicates are ignored so acquisition retries stay idempotent.
func (r *Request) AddResourceID(resourceID string) {
	if resourceID == "" || lo.Contains(r.ResourceIDs, resourceID) {
		return
	}
	r.ResourceIDs = append(r.ResourceIDs, resourceID)
}

func (r *Request) AddMachineReference(machineID string) {
	if machineID == "" || lo.Contains(r.MachineReferences, machineID) {
		return
	}
	r.MachineReferences = append(r.MachineReferences, machineID)
}

func (r *Request) IsTerminal() bool {
	switch r.Status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// DrainEvents hands off the buffered domain events exactly once, in emission
// order.
func (r *Request) DrainEvents() []DomainEvent {
	drained := r.events
	r.events = nil
	return drained
}

// PendingEvents reports how many events are buffered without draining them.
func (r *Request) PendingEvents() int {
	return len(r.events)
}

func (r *Request) record(event DomainEvent) {
	r.events = append(r.events, event)
}

func (r *Request) nextBaseEvent() baseEvent {
	var notBefore time.Time
	if n := len(r.events); n > 0 {
		notBefore = r.events[n-1].OccurredAt()
	}
	r.eventSequence++
	return newBaseEvent(r.RequestID, r.eventSequence, notBefore)
}

func (r *Request) invalidTransition(attempted RequestStatus) error {
	return &errors.InvalidRequestStateError{
		RequestID: r.RequestID,
		Current:   string(r.Status),
		Attempted: string(attempted),
	}
}
