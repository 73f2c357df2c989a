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

package batcher

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// Option tunes one concrete batcher.
type Option func(*tuning)

type tuning struct {
	maxItems int
}

// WithMaxItems caps how many coalesced requests flush one provider call.
// Non-positive values keep the batcher's default.
func WithMaxItems(n int) Option {
	return func(t *tuning) {
		if n > 0 {
			t.maxItems = n
		}
	}
}

func applyOptions(maxItems int, opts []Option) tuning {
	t := tuning{maxItems: maxItems}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// EC2API decorates an EC2 client with the batchers. Single-item calls to the
// three batched operations wait out a batching window and get their share of
// the merged result split back out; every other call, and any call whose
// shape cannot batch, goes straight to the wrapped client. The decorator
// satisfies sdk.EC2API, so it swaps in for the raw client without changing
// callers. Per-call option functions are not carried through the batched
// path.
type EC2API struct {
	sdk.EC2API
	createFleetBatcher        *CreateFleetBatcher
	describeInstancesBatcher  *DescribeInstancesBatcher
	terminateInstancesBatcher *TerminateInstancesBatcher
}

// EC2Option tunes the facade.
type EC2Option func(*ec2Tuning)

type ec2Tuning struct {
	batchSize func(operation string) int
}

// WithBatchSizes resolves per-operation flush thresholds. fn receives a
// batcher name ("create_fleet", "describe_instances", "terminate_instances")
// and returns the threshold to apply, or zero to keep that batcher's default.
func WithBatchSizes(fn func(operation string) int) EC2Option {
	return func(t *ec2Tuning) {
		if fn != nil {
			t.batchSize = fn
		}
	}
}

// EC2 wraps ec2api so concurrent single-item calls coalesce into batched API
// calls. The batching run loops stop when ctx ends; the facade is built once
// per client and shared for the life of the process.
func EC2(ctx context.Context, log *zap.Logger, ec2api sdk.EC2API, opts ...EC2Option) *EC2API {
	t := ec2Tuning{batchSize: func(string) int { return 0 }}
	for _, opt := range opts {
		opt(&t)
	}
	return &EC2API{
		EC2API:                    ec2api,
		createFleetBatcher:        NewCreateFleetBatcher(ctx, log, ec2api, WithMaxItems(t.batchSize("create_fleet"))),
		describeInstancesBatcher:  NewDescribeInstancesBatcher(ctx, log, ec2api, WithMaxItems(t.batchSize("describe_instances"))),
		terminateInstancesBatcher: NewTerminateInstancesBatcher(ctx, log, ec2api, WithMaxItems(t.batchSize("terminate_instances"))),
	}
}

// CreateFleet routes single-host requests through the batching window.
// Requests merge only when the full input hashes identically, idempotency
// token included, so distinct acquisitions never share a fleet call.
// Multi-host requests cannot batch and go straight through.
func (b *EC2API) CreateFleet(ctx context.Context, input *ec2.CreateFleetInput, optFns ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	if input.TargetCapacitySpecification == nil || lo.FromPtr(input.TargetCapacitySpecification.TotalTargetCapacity) != 1 {
		return b.EC2API.CreateFleet(ctx, input, optFns...)
	}
	return b.createFleetBatcher.CreateFleet(ctx, input)
}

// DescribeInstances batches single-instance lookups that share the same
// filters.
func (b *EC2API) DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if len(input.InstanceIds) != 1 {
		return b.EC2API.DescribeInstances(ctx, input, optFns...)
	}
	return b.describeInstancesBatcher.DescribeInstances(ctx, input)
}

// TerminateInstances batches single-instance terminations.
func (b *EC2API) TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if len(input.InstanceIds) != 1 {
		return b.EC2API.TerminateInstances(ctx, input, optFns...)
	}
	return b.terminateInstancesBatcher.TerminateInstances(ctx, input)
}
