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
	"context"
	"errors"
	"net"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

const (
	launchTemplateNotFoundCode   = "InvalidLaunchTemplateName.NotFoundException"
	launchTemplateIDNotFoundCode = "InvalidLaunchTemplateId.NotFound"
	AccessDeniedCode             = "AccessDenied"
	AccessDeniedExceptionCode    = "AccessDeniedException"
	UnauthorizedOperationCode    = "UnauthorizedOperation"
)

type codeSet map[string]struct{}

func newCodeSet(codes ...string) codeSet {
	return lo.SliceToMap(codes, func(c string) (string, struct{}) { return c, struct{}{} })
}

func (s codeSet) has(code string) bool {
	_, ok := s[code]
	return ok
}

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = newCodeSet(
		"InvalidInstanceID.NotFound",
		launchTemplateNotFoundCode,
		launchTemplateIDNotFoundCode,
		"InvalidSpotFleetRequestId.NotFound",
		"InvalidFleetId.NotFound",
		"ValidationError",
		"ParameterNotFound",
		"ResourceNotFoundException",
		"AWS.SimpleQueueService.NonExistentQueue",
		"NoSuchEntity",
	)
	// unfulfillableCapacityErrorCodes signify that capacity is temporarily unable to be launched
	unfulfillableCapacityErrorCodes = newCodeSet(
		"InsufficientInstanceCapacity",
		"MaxSpotInstanceCountExceeded",
		"VcpuLimitExceeded",
		"UnfulfillableCapacity",
		"Unsupported",
		"SpotMaxPriceTooLow",
	)
	throttlingErrorCodes = newCodeSet(
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"TooManyRequestsException",
		"ProvisionedThroughputExceededException",
	)
	accessDeniedErrorCodes = newCodeSet(
		AccessDeniedCode,
		AccessDeniedExceptionCode,
		UnauthorizedOperationCode,
		"AuthFailure",
		"UnauthorizedAccess",
	)
)

// APICode extracts the provider error code from err, or "" when err carries
// none.
func APICode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound returns true if the err is an AWS error (even if it's
// wrapped) and is known to mean "not found" (as opposed to a more
// serious or unexpected error)
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if isKind(err, KindNotFound) {
		return true
	}
	return notFoundErrorCodes.has(APICode(err))
}

// IsAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied" (as opposed to a more
// serious or unexpected error)
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	return accessDeniedErrorCodes.has(APICode(err))
}

// IsThrottling returns true if the error is a provider rate-limiting error.
func IsThrottling(err error) bool {
	if err == nil {
		return false
	}
	return throttlingErrorCodes.has(APICode(err))
}

// IsCapacityCode returns true when the provider error code means capacity is
// temporarily unavailable for launching. This could be due to account
// limits, insufficient ec2 capacity, etc.
func IsCapacityCode(code string) bool {
	return unfulfillableCapacityErrorCodes.has(code)
}

// IsUnfulfillableCapacity returns true if the Fleet err means capacity is
// temporarily unavailable for launching.
func IsUnfulfillableCapacity(err ec2types.CreateFleetError) bool {
	return unfulfillableCapacityErrorCodes.has(lo.FromPtr(err.ErrorCode))
}

func IsLaunchTemplateNotFound(err error) bool {
	if err == nil {
		return false
	}
	code := APICode(err)
	return code == launchTemplateNotFoundCode || code == launchTemplateIDNotFoundCode
}

// IsNetwork returns true for transient connectivity failures that never
// reached the provider API.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// FromAWS classifies a raw provider error into the domain taxonomy. Domain
// errors pass through untouched per the preservation rule.
func FromAWS(err error, operation string) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	code := APICode(err)
	switch {
	case throttlingErrorCodes.has(code):
		return Newf(KindThrottling, CodeThrottling, "%s throttled", operation).
			WithCause(err).WithDetail("aws_error_code", code)
	case unfulfillableCapacityErrorCodes.has(code):
		return Newf(KindCapacity, CodeInsufficientCapacity, "%s could not be fulfilled", operation).
			WithCause(err).WithDetail("aws_error_code", code)
	case accessDeniedErrorCodes.has(code):
		return Newf(KindAuthorization, CodeAuthorization, "%s not authorized", operation).
			WithCause(err).WithDetail("aws_error_code", code)
	case notFoundErrorCodes.has(code):
		return Newf(KindNotFound, "RESOURCE_NOT_FOUND", "%s target not found", operation).
			WithCause(err).WithDetail("aws_error_code", code)
	case IsNetwork(err):
		return Newf(KindNetwork, CodeNetwork, "%s failed to reach the provider", operation).
			WithCause(err)
	default:
		return Newf(KindInfrastructure, "AWS_OPERATION_FAILED", "%s failed", operation).
			WithCause(err).WithDetail("aws_error_code", code)
	}
}
