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
	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// DescribeInstancesBatcher coalesces single-instance DescribeInstances calls
// that share the same filters into one API call.
type DescribeInstancesBatcher struct {
	batcher *Batcher[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
}

func NewDescribeInstancesBatcher(ctx context.Context, log *zap.Logger, ec2api sdk.EC2API, opts ...Option) *DescribeInstancesBatcher {
	cfg := applyOptions(500, opts)
	options := Options[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]{
		Name:          "describe_instances",
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      cfg.maxItems,
		RequestHasher: filterHasher(log),
		BatchExecutor: execDescribeInstancesBatch(log, ec2api),
	}
	return &DescribeInstancesBatcher{batcher: NewBatcher(ctx, log, options)}
}

func (b *DescribeInstancesBatcher) DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	if len(input.InstanceIds) != 1 {
		return nil, fmt.Errorf("expected a single instance id, got %d", len(input.InstanceIds))
	}
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

// filterHasher buckets requests by their filters so merged calls stay
// semantically equivalent to the individual ones.
func filterHasher(log *zap.Logger) RequestHasher[ec2.DescribeInstancesInput] {
	return func(_ context.Context, input *ec2.DescribeInstancesInput) uint64 {
		hash, err := hashstructure.Hash(input.Filters, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
		if err != nil {
			log.Error("hashing describe instances filters", zap.Error(err))
		}
		return hash
	}
}

type describedInstance struct {
	reservation ec2types.Reservation
	instance    ec2types.Instance
}

func execDescribeInstancesBatch(log *zap.Logger, ec2api sdk.EC2API) BatchExecutor[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput] {
	return func(ctx context.Context, inputs []*ec2.DescribeInstancesInput) []Result[ec2.DescribeInstancesOutput] {
		results := make([]Result[ec2.DescribeInstancesOutput], len(inputs))
		merged := &ec2.DescribeInstancesInput{Filters: inputs[0].Filters}
		for _, input := range inputs {
			merged.InstanceIds = append(merged.InstanceIds, input.InstanceIds...)
		}

		described := map[string]describedInstance{}
		paginator := ec2.NewDescribeInstancesPaginator(ec2api, merged)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				log.Debug("batched describe instances call failed, retrying individually", zap.Error(err))
				break
			}
			for _, reservation := range page.Reservations {
				for _, instance := range reservation.Instances {
					if instance.InstanceId == nil {
						continue
					}
					described[*instance.InstanceId] = describedInstance{reservation: reservation, instance: instance}
				}
			}
		}

		// Fill each requestor, including ones that asked for the same id,
		// with its own single-instance output carrying the reservation
		// metadata. Misses are noted by index so duplicates retry too.
		var missing []int
		for i, input := range inputs {
			found, ok := described[input.InstanceIds[0]]
			if !ok {
				missing = append(missing, i)
				continue
			}
			results[i] = Result[ec2.DescribeInstancesOutput]{Output: &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{
					OwnerId:       found.reservation.OwnerId,
					RequesterId:   found.reservation.RequesterId,
					ReservationId: found.reservation.ReservationId,
					Instances:     []ec2types.Instance{found.instance},
				}},
			}}
		}

		// A single stale id can fail an entire merged describe. Whatever the
		// batched call did not answer is retried individually so each caller
		// gets its own error.
		var wg sync.WaitGroup
		for _, idx := range missing {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				out, err := ec2api.DescribeInstances(ctx, inputs[idx])
				if err != nil {
					log.Debug("describing instance individually after batch miss",
						zap.String("instance_id", inputs[idx].InstanceIds[0]), zap.Error(err))
				}
				results[idx] = Result[ec2.DescribeInstancesOutput]{Output: out, Err: err}
			}(idx)
		}
		wg.Wait()
		return results
	}
}
