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
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// CreateFleetBatcher coalesces single-host fleet creations that share the
// same launch configuration into one CreateFleet call.
type CreateFleetBatcher struct {
	batcher *Batcher[ec2.CreateFleetInput, ec2.CreateFleetOutput]
}

func NewCreateFleetBatcher(ctx context.Context, log *zap.Logger, ec2api sdk.EC2API, opts ...Option) *CreateFleetBatcher {
	cfg := applyOptions(1_000, opts)
	options := Options[ec2.CreateFleetInput, ec2.CreateFleetOutput]{
		Name:          "create_fleet",
		IdleTimeout:   35 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      cfg.maxItems,
		RequestHasher: DefaultHasher[ec2.CreateFleetInput],
		BatchExecutor: execCreateFleetBatch(log, ec2api),
	}
	return &CreateFleetBatcher{batcher: NewBatcher(ctx, log, options)}
}

func (b *CreateFleetBatcher) CreateFleet(ctx context.Context, input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
	if input.TargetCapacitySpecification == nil || lo.FromPtr(input.TargetCapacitySpecification.TotalTargetCapacity) != 1 {
		return nil, fmt.Errorf("expected a total target capacity of one, got %d", lo.FromPtr(input.TargetCapacitySpecification.TotalTargetCapacity))
	}
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

func execCreateFleetBatch(log *zap.Logger, ec2api sdk.EC2API) BatchExecutor[ec2.CreateFleetInput, ec2.CreateFleetOutput] {
	return func(ctx context.Context, inputs []*ec2.CreateFleetInput) []Result[ec2.CreateFleetOutput] {
		results := make([]Result[ec2.CreateFleetOutput], 0, len(inputs))

		// All inputs in a bucket hash identically, so the first one stands in
		// for the batch with its capacity raised to the bucket size. Copy the
		// capacity spec rather than mutating the caller's input.
		merged := *inputs[0]
		spec := *merged.TargetCapacitySpecification
		spec.TotalTargetCapacity = lo.ToPtr(int32(len(inputs))) //nolint:gosec
		merged.TargetCapacitySpecification = &spec

		output, err := ec2api.CreateFleet(ctx, &merged)
		if err != nil {
			log.Debug("batched create fleet call failed", zap.Int("requests", len(inputs)), zap.Error(err))
			for range inputs {
				results = append(results, Result[ec2.CreateFleetOutput]{Err: err})
			}
			return results
		}
		log.Debug("created fleet for batched requests",
			zap.Stringp("fleet_id", output.FleetId), zap.Int("requests", len(inputs)))

		// CreateFleet can fulfill partially. Deal one instance id to each
		// requestor in order, then deliver the fleet errors to the rest.
		fulfilled := 0
		for _, reservation := range output.Instances {
			for _, instanceID := range reservation.InstanceIds {
				if fulfilled >= len(inputs) {
					log.Warn("fleet returned more instances than requested, ignoring instance",
						zap.String("instance_id", instanceID))
					continue
				}
				results = append(results, Result[ec2.CreateFleetOutput]{
					Output: &ec2.CreateFleetOutput{
						FleetId: output.FleetId,
						Errors:  output.Errors,
						Instances: []ec2types.CreateFleetInstance{{
							InstanceIds:                []string{instanceID},
							InstanceType:               reservation.InstanceType,
							LaunchTemplateAndOverrides: reservation.LaunchTemplateAndOverrides,
							Lifecycle:                  reservation.Lifecycle,
							Platform:                   reservation.Platform,
						}},
						ResultMetadata: output.ResultMetadata,
					},
				})
				fulfilled++
			}
		}
		if fulfilled < len(inputs) {
			errs := output.Errors
			if len(errs) == 0 {
				errs = []ec2types.CreateFleetError{{
					ErrorCode:    lo.ToPtr("too few instances returned"),
					ErrorMessage: lo.ToPtr("too few instances returned"),
				}}
			}
			for i := fulfilled; i < len(inputs); i++ {
				results = append(results, Result[ec2.CreateFleetOutput]{
					Output: &ec2.CreateFleetOutput{
						FleetId:        output.FleetId,
						Errors:         errs,
						ResultMetadata: output.ResultMetadata,
					},
				})
			}
		}
		return results
	}
}
