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

package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

const (
	// DefaultMaxAttempts bounds the per-call retry loop.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay seeds the jittered exponential backoff.
	DefaultRetryDelay = 200 * time.Millisecond
	// DefaultRetryMaxDelay caps a single backoff sleep.
	DefaultRetryMaxDelay = 5 * time.Second
	// DescribeInstancesBatchSize stays under the DescribeInstances filter limit.
	DescribeInstancesBatchSize = 500
	// TerminateInstancesBatchSize bounds one TerminateInstances call.
	TerminateInstancesBatchSize = 100
)

// Operations standardizes error handling around raw SDK calls: jittered
// exponential backoff for transient failures, a circuit breaker for critical
// mutations, and classification of the final error into the domain taxonomy.
type Operations struct {
	log            *zap.Logger
	breaker        *CircuitBreaker
	attempts       uint
	delay          time.Duration
	maxDelay       time.Duration
	describeBatch  int
	terminateBatch int
}

type OperationsOption func(*Operations)

// WithCircuitBreaker guards critical calls with b.
func WithCircuitBreaker(b *CircuitBreaker) OperationsOption {
	return func(o *Operations) { o.breaker = b }
}

func WithMaxAttempts(attempts uint) OperationsOption {
	return func(o *Operations) { o.attempts = attempts }
}

func WithBackoff(delay, maxDelay time.Duration) OperationsOption {
	return func(o *Operations) { o.delay, o.maxDelay = delay, maxDelay }
}

// WithBatchLimits caps how many instance ids one DescribeInstances or
// TerminateInstances call carries. Non-positive values keep the defaults.
func WithBatchLimits(describe, terminate int) OperationsOption {
	return func(o *Operations) {
		if describe > 0 {
			o.describeBatch = describe
		}
		if terminate > 0 {
			o.terminateBatch = terminate
		}
	}
}

func NewOperations(log *zap.Logger, opts ...OperationsOption) *Operations {
	o := &Operations{
		log:            log.Named("aws-ops"),
		attempts:       DefaultMaxAttempts,
		delay:          DefaultRetryDelay,
		maxDelay:       DefaultRetryMaxDelay,
		describeBatch:  DescribeInstancesBatchSize,
		terminateBatch: TerminateInstancesBatchSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Do invokes fn, retrying throttling and network failures with backoff. The
// returned error is already classified; capacity and authorization errors are
// never retried here, the request lifecycle decides what happens to them.
func (o *Operations) Do(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Attempts(o.attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Delay(o.delay),
		retry.MaxDelay(o.maxDelay),
		retry.RetryIf(func(err error) bool {
			return errors.IsThrottling(err) || errors.IsNetwork(err)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			o.log.Debug("retrying aws call",
				zap.String("service", service),
				zap.String("operation", operation),
				zap.Uint("attempt", attempt+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return errors.FromAWS(err, fmt.Sprintf("%s.%s", service, operation))
	}
	return nil
}

// DoCritical guards fn with the circuit breaker in addition to Do's retry
// policy. Create, terminate and modify calls come through here so a run of
// infrastructure failures stops hammering the API.
func (o *Operations) DoCritical(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	if o.breaker == nil {
		return o.Do(ctx, service, operation, fn)
	}
	if err := o.breaker.Allow(); err != nil {
		o.log.Warn("rejecting call, circuit open",
			zap.String("service", service),
			zap.String("operation", operation))
		return err
	}
	err := o.Do(ctx, service, operation, fn)
	if err == nil {
		o.breaker.RecordSuccess()
		return nil
	}
	// Client-side rejections say nothing about AWS health; only infrastructure
	// failures trip the breaker.
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindNotFound, errors.KindAuthorization, errors.KindCapacity:
		o.breaker.RecordSuccess()
	default:
		o.breaker.RecordFailure()
	}
	return err
}

// DescribeInstancesChunked describes ids in bounded chunks, flattening the
// reservations and following pagination within each chunk.
func (o *Operations) DescribeInstancesChunked(ctx context.Context, api sdk.EC2API, instanceIDs []string) ([]ec2types.Instance, error) {
	var instances []ec2types.Instance
	for _, chunk := range lo.Chunk(instanceIDs, o.describeBatch) {
		input := &ec2.DescribeInstancesInput{InstanceIds: chunk}
		for {
			var out *ec2.DescribeInstancesOutput
			err := o.Do(ctx, "ec2", "DescribeInstances", func(ctx context.Context) error {
				var callErr error
				out, callErr = api.DescribeInstances(ctx, input)
				return callErr
			})
			if err != nil {
				return instances, err
			}
			for _, reservation := range out.Reservations {
				instances = append(instances, reservation.Instances...)
			}
			if out.NextToken == nil {
				break
			}
			input.NextToken = out.NextToken
		}
	}
	return instances, nil
}

// TerminateInstancesChunked terminates ids in bounded chunks. Instances that
// are already gone are treated as terminated rather than failing the batch.
func (o *Operations) TerminateInstancesChunked(ctx context.Context, api sdk.EC2API, instanceIDs []string) ([]ec2types.InstanceStateChange, error) {
	var changes []ec2types.InstanceStateChange
	for _, chunk := range lo.Chunk(instanceIDs, o.terminateBatch) {
		var out *ec2.TerminateInstancesOutput
		err := o.DoCritical(ctx, "ec2", "TerminateInstances", func(ctx context.Context) error {
			var callErr error
			out, callErr = api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: chunk})
			return callErr
		})
		if err != nil {
			if errors.IsNotFoundKind(err) {
				o.log.Debug("instances already terminated", zap.Strings("instance_ids", chunk))
				continue
			}
			return changes, err
		}
		changes = append(changes, out.TerminatingInstances...)
	}
	return changes, nil
}
