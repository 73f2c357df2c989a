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

// Package providers holds the provider strategy layer: the strategy contract
// every provider instance implements, the registry that routes operations to
// the active strategy, composite strategies for fallback and load balancing,
// and the services that pick and validate a provider instance for a template.
package providers

import (
	"context"
	"time"

	"github.com/samber/lo"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// OperationType names one of the verbs a strategy can be asked to perform.
type OperationType string

const (
	OperationCreateInstances       OperationType = "CREATE_INSTANCES"
	OperationTerminateInstances    OperationType = "TERMINATE_INSTANCES"
	OperationGetInstanceStatus     OperationType = "GET_INSTANCE_STATUS"
	OperationValidateTemplate      OperationType = "VALIDATE_TEMPLATE"
	OperationGetAvailableTemplates OperationType = "GET_AVAILABLE_TEMPLATES"
)

func KnownOperationTypes() []OperationType {
	return []OperationType{
		OperationCreateInstances,
		OperationTerminateInstances,
		OperationGetInstanceStatus,
		OperationValidateTemplate,
		OperationGetAvailableTemplates,
	}
}

// Well-known operation parameter keys. Parameters stay a loose map so that
// composite strategies and the registry can route operations without knowing
// every provider's payload, but the keys the AWS strategies consume are fixed
// here together with typed accessors.
const (
	ParamRequest    = "request"
	ParamTemplate   = "template"
	ParamMachineIDs = "machine_ids"
)

// Well-known result data keys.
const (
	DataResourceIDs = "resource_ids"
	DataMachines    = "machines"
	DataTemplates   = "templates"
	DataValidation  = "validation"
)

// OperationContext carries caller metadata along the dispatch path.
// CorrelationID survives retries and fallback hops so that one scheduler
// request can be traced across every provider it touched.
type OperationContext struct {
	CorrelationID string    `json:"correlation_id"`
	CallerID      string    `json:"caller_id,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Operation is one unit of work dispatched to a strategy.
type Operation struct {
	Type       OperationType          `json:"operation_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Context    OperationContext       `json:"context"`
}

// NewOperation builds an operation with an initialized parameter map.
func NewOperation(operationType OperationType, operationCtx OperationContext) Operation {
	return Operation{
		Type:       operationType,
		Parameters: map[string]interface{}{},
		Context:    operationCtx,
	}
}

// WithParameter returns the operation with the parameter set.
func (o Operation) WithParameter(key string, value interface{}) Operation {
	if o.Parameters == nil {
		o.Parameters = map[string]interface{}{}
	}
	o.Parameters[key] = value
	return o
}

// Request returns the request aggregate attached to the operation.
func (o Operation) Request() (*v1.Request, bool) {
	request, ok := o.Parameters[ParamRequest].(*v1.Request)
	return request, ok && request != nil
}

// Template returns the template attached to the operation.
func (o Operation) Template() (*v1.Template, bool) {
	template, ok := o.Parameters[ParamTemplate].(*v1.Template)
	return template, ok && template != nil
}

// MachineIDs returns the machine ids attached to the operation.
func (o Operation) MachineIDs() ([]string, bool) {
	ids, ok := o.Parameters[ParamMachineIDs].([]string)
	return ids, ok
}

// Result is the tagged union a strategy returns. Failures carry both the
// stable code and message for machine consumers and the original error so the
// request lifecycle can keep pattern-matching on its kind.
type Result struct {
	Success      bool                   `json:"success"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Err          error                  `json:"-"`
}

// OK builds a successful result carrying the given data.
func OK(data map[string]interface{}) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result from a domain error, preserving it intact.
func Fail(err error) Result {
	return Result{
		Success:      false,
		ErrorCode:    errors.CodeOf(err),
		ErrorMessage: err.Error(),
		Err:          err,
	}
}

// WithMetadata returns the result with the metadata entry set.
func (r Result) WithMetadata(key string, value interface{}) Result {
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	r.Metadata[key] = value
	return r
}

// ResourceIDs returns the provider resource handles carried by the result.
func (r Result) ResourceIDs() []string {
	ids, _ := r.Data[DataResourceIDs].([]string)
	return ids
}

// Machines returns the normalized machine records carried by the result.
func (r Result) Machines() []*v1.Machine {
	machines, _ := r.Data[DataMachines].([]*v1.Machine)
	return machines
}

// Capabilities declares what a strategy can do. The registry consults
// Operations before dispatch; the capability service consults ProviderAPIs
// when validating a template against a provider instance.
type Capabilities struct {
	ProviderAPIs []v1.ProviderAPI `json:"provider_apis,omitempty"`
	Operations   []OperationType  `json:"operations,omitempty"`
}

func (c Capabilities) SupportsOperation(operationType OperationType) bool {
	return lo.Contains(c.Operations, operationType)
}

func (c Capabilities) SupportsAPI(api v1.ProviderAPI) bool {
	return lo.Contains(c.ProviderAPIs, api)
}

// Merge unions two capability sets, used by composite strategies.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	return Capabilities{
		ProviderAPIs: lo.Uniq(append(append([]v1.ProviderAPI{}, c.ProviderAPIs...), other.ProviderAPIs...)),
		Operations:   lo.Uniq(append(append([]OperationType{}, c.Operations...), other.Operations...)),
	}
}

// HealthStatus reports the outcome of one health probe.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Strategy is the capability set every provider instance implements. Name is
// the unique registry key (the provider instance, e.g. "aws-us-east-1");
// ProviderType is the family it belongs to (e.g. "aws"). Implementations must
// be safe for concurrent ExecuteOperation calls.
type Strategy interface {
	Name() string
	ProviderType() string
	Initialize(ctx context.Context) error
	IsInitialized() bool
	Cleanup(ctx context.Context) error
	ExecuteOperation(ctx context.Context, op Operation) Result
	Capabilities() Capabilities
	CheckHealth(ctx context.Context) HealthStatus
}

// Describer is an optional Strategy extension for instance facts only the
// backing provider knows, e.g. the account and region it lands capacity in.
// The provider info query surfaces the details when present.
type Describer interface {
	Describe(ctx context.Context) map[string]string
}
