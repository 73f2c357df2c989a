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

package errors

import (
	"errors"
	"fmt"
)

// Kind partitions every error surfaced by the broker into the families the
// request lifecycle reacts to. Validation and authorization errors are never
// retried, capacity and throttling errors are recoverable, network errors are
// retried at the call layer.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConfiguration     Kind = "configuration"
	KindNetwork           Kind = "network"
	KindAuthorization     Kind = "authorization"
	KindCapacity          Kind = "capacity"
	KindThrottling        Kind = "throttling"
	KindInfrastructure    Kind = "infrastructure"
	KindProviderOperation Kind = "provider_operation"
)

// Stable error codes for the provider operation layer.
const (
	CodeNoStrategyAvailable   = "NO_STRATEGY_AVAILABLE"
	CodeStrategyNotFound      = "STRATEGY_NOT_FOUND"
	CodeOperationNotSupported = "OPERATION_NOT_SUPPORTED"
	CodeInsufficientCapacity  = "INSUFFICIENT_CAPACITY"
	CodeThrottling            = "REQUEST_THROTTLED"
	CodeAuthorization         = "AUTHORIZATION_FAILED"
	CodeNetwork               = "NETWORK_FAILURE"
	CodeFleetLaunchFailed     = "FLEET_LAUNCH_FAILED"
	CodeFleetDeleteFailed     = "FLEET_DELETE_FAILED"
)

// Error is the broker's domain error. It carries a kind for propagation
// decisions, a stable SHOUT_SNAKE code for machine consumers, a human
// message, and optional structured details. Domain errors are never
// re-wrapped into other domain errors; Wrap preserves them intact.
type Error struct {
	kind    Kind
	code    string
	message string
	details map[string]interface{}
	cause   error
}

func New(kind Kind, code string, message string) *Error {
	return &Error{kind: kind, code: code, message: message}
}

func Newf(kind Kind, code string, format string, args ...interface{}) *Error {
	return &Error{kind: kind, code: code, message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s, %s", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Code() string { return e.code }

func (e *Error) Message() string { return e.message }

// Details returns the structured context attached to the error. The returned
// map is the error's own; callers must not mutate it.
func (e *Error) Details() map[string]interface{} { return e.details }

// WithCause attaches the foreign error that produced this domain error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithDetail attaches a structured key/value to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.details == nil {
		e.details = map[string]interface{}{}
	}
	e.details[key] = value
	return e
}

// Wrap converts a foreign error into a domain error of the given kind. An
// error that already carries a domain kind passes through untouched so
// callers can keep matching on it.
func Wrap(err error, kind Kind, code string, message string) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return &Error{kind: kind, code: code, message: message, cause: err}
}

// IsDomain reports whether err carries a domain kind anywhere in its chain.
func IsDomain(err error) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return true
	}
	var stateErr *InvalidRequestStateError
	return errors.As(err, &stateErr)
}

// KindOf returns the kind carried by err, or KindInfrastructure for foreign
// errors.
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.kind
	}
	var stateErr *InvalidRequestStateError
	if errors.As(err, &stateErr) {
		return KindValidation
	}
	return KindInfrastructure
}

// CodeOf returns the stable error code carried by err, or UNKNOWN_ERROR for
// foreign errors.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.code
	}
	var stateErr *InvalidRequestStateError
	if errors.As(err, &stateErr) {
		return stateErr.Code()
	}
	return "UNKNOWN_ERROR"
}

func isKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.kind == kind
	}
	return false
}

func IsValidation(err error) bool {
	var stateErr *InvalidRequestStateError
	if errors.As(err, &stateErr) {
		return true
	}
	return isKind(err, KindValidation)
}

func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

func IsNetworkKind(err error) bool { return isKind(err, KindNetwork) }

func IsAuthorization(err error) bool { return isKind(err, KindAuthorization) }

func IsCapacity(err error) bool { return isKind(err, KindCapacity) }

func IsThrottlingKind(err error) bool { return isKind(err, KindThrottling) }

func IsProviderOperation(err error) bool { return isKind(err, KindProviderOperation) }

// IsRecoverable reports whether the request lifecycle may retry after err.
// Capacity, throttling, and network failures recover; everything else does
// not.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindThrottling, KindNetwork:
		return true
	default:
		return false
	}
}

// InvalidRequestStateError reports a request state transition outside the
// lifecycle table. The transition leaves the aggregate unchanged.
type InvalidRequestStateError struct {
	RequestID string
	Current   string
	Attempted string
}

func (e *InvalidRequestStateError) Error() string {
	return fmt.Sprintf("invalid state transition for request %q, %s -> %s", e.RequestID, e.Current, e.Attempted)
}

func (e *InvalidRequestStateError) Code() string { return "REQUEST_STATE_INVALID" }

func IsInvalidRequestState(err error) bool {
	if err == nil {
		return false
	}
	var stateErr *InvalidRequestStateError
	return errors.As(err, &stateErr)
}

// Validation constructors used across the domain model.

func NewRequestValidation(message string) *Error {
	return New(KindValidation, "REQUEST_VALIDATION_FAILED", message)
}

func NewTemplateValidation(templateID string, message string) *Error {
	return Newf(KindValidation, "TEMPLATE_VALIDATION_FAILED", "template %q, %s", templateID, message).
		WithDetail("template_id", templateID)
}

func NewRequestProcessing(requestID string, message string) *Error {
	return Newf(KindValidation, "REQUEST_PROCESSING_FAILED", "request %q, %s", requestID, message).
		WithDetail("request_id", requestID)
}

func NewNotFound(resource string, id string) *Error {
	return Newf(KindNotFound, "RESOURCE_NOT_FOUND", "%s %q not found", resource, id).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func IsNotFoundKind(err error) bool { return isKind(err, KindNotFound) }

func NewConfiguration(message string, cause error) *Error {
	return New(KindConfiguration, "CONFIGURATION_INVALID", message).WithCause(cause)
}
