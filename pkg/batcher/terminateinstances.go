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
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// TerminateInstancesBatcher coalesces single-instance terminations into one
// TerminateInstances call.
type TerminateInstancesBatcher struct {
	batcher *Batcher[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
}

func NewTerminateInstancesBatcher(ctx context.Context, log *zap.Logger, ec2api sdk.EC2API, opts ...Option) *TerminateInstancesBatcher {
	cfg := applyOptions(500, opts)
	options := Options[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]{
		Name:          "terminate_instances",
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      cfg.maxItems,
		RequestHasher: OneBucketHasher[ec2.TerminateInstancesInput],
		BatchExecutor: execTerminateInstancesBatch(log, ec2api),
	}
	return &TerminateInstancesBatcher{batcher: NewBatcher(ctx, log, options)}
}

func (b *TerminateInstancesBatcher) TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	if len(input.InstanceIds) != 1 {
		return nil, fmt.Errorf("expected a single instance id, got %d", len(input.InstanceIds))
	}
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

func execTerminateInstancesBatch(log *zap.Logger, ec2api sdk.EC2API) BatchExecutor[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput] {
	return func(ctx context.Context, inputs []*ec2.TerminateInstancesInput) []Result[ec2.TerminateInstancesOutput] {
		results := make([]Result[ec2.TerminateInstancesOutput], len(inputs))
		merged := &ec2.TerminateInstancesInput{}
		for _, input := range inputs {
			merged.InstanceIds = append(merged.InstanceIds, input.InstanceIds...)
		}

		output, err := ec2api.TerminateInstances(ctx, merged)
		if err != nil {
			log.Debug("batched terminate instances call failed, retrying individually", zap.Error(err))
		}
		if output == nil {
			output = &ec2.TerminateInstancesOutput{}
		}

		// Index the state changes that reached a terminating state. Anything
		// else falls through to the individual retries.
		terminated := map[string]ec2types.InstanceStateChange{}
		for _, change := range output.TerminatingInstances {
			if change.InstanceId == nil || change.CurrentState == nil {
				continue
			}
			if !lo.Contains([]ec2types.InstanceStateName{ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated}, change.CurrentState.Name) {
				continue
			}
			terminated[*change.InstanceId] = change
		}

		// Fill each requestor, including ones that asked for the same id,
		// with its own single-change output. Misses are noted by index so
		// duplicates retry too.
		var missing []int
		for i, input := range inputs {
			change, ok := terminated[input.InstanceIds[0]]
			if !ok {
				missing = append(missing, i)
				continue
			}
			results[i] = Result[ec2.TerminateInstancesOutput]{
				Output: &ec2.TerminateInstancesOutput{
					TerminatingInstances: []ec2types.InstanceStateChange{{
						InstanceId:    change.InstanceId,
						CurrentState:  change.CurrentState,
						PreviousState: change.PreviousState,
					}},
				},
			}
		}

		// Termination protection or a stale id fails the whole merged call,
		// so anything still running is terminated individually to isolate the
		// failure to its own caller.
		var wg sync.WaitGroup
		for _, idx := range missing {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				out, err := ec2api.TerminateInstances(ctx, inputs[idx])
				if err != nil {
					log.Debug("terminating instance individually after batch miss",
						zap.String("instance_id", inputs[idx].InstanceIds[0]), zap.Error(err))
				}
				results[idx] = Result[ec2.TerminateInstancesOutput]{Output: out, Err: err}
			}(idx)
		}
		wg.Wait()
		return results
	}
}
