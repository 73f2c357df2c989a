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

package fake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// CapacityPool identifies a (capacity type, instance type, pool) triple that
// the fake should report as unfulfillable. Zone matches either the override's
// availability zone or its subnet id.
type CapacityPool struct {
	CapacityType string
	InstanceType string
	Zone         string
}

const (
	defaultZone         = "us-east-1a"
	defaultInstanceType = ec2types.InstanceType("m5.large")
)

var idSuffix atomic.Uint64

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:17]
}

// InstanceID returns a random EC2 instance id.
func InstanceID() string { return newID("i-") }

// LaunchTemplateID returns a random launch template id.
func LaunchTemplateID() string { return newID("lt-") }

// FleetID returns a random EC2 fleet id.
func FleetID() string { return "fleet-" + uuid.NewString() }

// SpotFleetRequestID returns a random spot fleet request id.
func SpotFleetRequestID() string { return "sfr-" + uuid.NewString() }

func privateIP() string {
	n := idSuffix.Add(1)
	return fmt.Sprintf("10.0.%d.%d", (n>>8)&0xff, n&0xff)
}

type fleetRecord struct {
	ID          string
	State       ec2types.FleetStateCode
	Type        ec2types.FleetType
	Target      int32
	InstanceIDs []string
}

type spotFleetRecord struct {
	ID          string
	State       ec2types.BatchState
	Config      ec2types.SpotFleetRequestConfigData
	Target      int32
	InstanceIDs []string
}

type launchTemplateRecord struct {
	Template ec2types.LaunchTemplate
	Versions []ec2types.LaunchTemplateVersion
}

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	CreateFleetBehavior                    MockedFunction[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	DescribeFleetsBehavior                 MockedFunction[ec2.DescribeFleetsInput, ec2.DescribeFleetsOutput]
	DescribeFleetInstancesBehavior         MockedFunction[ec2.DescribeFleetInstancesInput, ec2.DescribeFleetInstancesOutput]
	DeleteFleetsBehavior                   MockedFunction[ec2.DeleteFleetsInput, ec2.DeleteFleetsOutput]
	RequestSpotFleetBehavior               MockedFunction[ec2.RequestSpotFleetInput, ec2.RequestSpotFleetOutput]
	DescribeSpotFleetRequestsBehavior      MockedFunction[ec2.DescribeSpotFleetRequestsInput, ec2.DescribeSpotFleetRequestsOutput]
	DescribeSpotFleetInstancesBehavior     MockedFunction[ec2.DescribeSpotFleetInstancesInput, ec2.DescribeSpotFleetInstancesOutput]
	ModifySpotFleetRequestBehavior         MockedFunction[ec2.ModifySpotFleetRequestInput, ec2.ModifySpotFleetRequestOutput]
	CancelSpotFleetRequestsBehavior        MockedFunction[ec2.CancelSpotFleetRequestsInput, ec2.CancelSpotFleetRequestsOutput]
	RunInstancesBehavior                   MockedFunction[ec2.RunInstancesInput, ec2.RunInstancesOutput]
	DescribeInstancesBehavior              MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	TerminateInstancesBehavior             MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	CreateTagsBehavior                     MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	CreateLaunchTemplateBehavior           MockedFunction[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	CreateLaunchTemplateVersionBehavior    MockedFunction[ec2.CreateLaunchTemplateVersionInput, ec2.CreateLaunchTemplateVersionOutput]
	ModifyLaunchTemplateBehavior           MockedFunction[ec2.ModifyLaunchTemplateInput, ec2.ModifyLaunchTemplateOutput]
	DescribeLaunchTemplatesBehavior        MockedFunction[ec2.DescribeLaunchTemplatesInput, ec2.DescribeLaunchTemplatesOutput]
	DescribeLaunchTemplateVersionsBehavior MockedFunction[ec2.DescribeLaunchTemplateVersionsInput, ec2.DescribeLaunchTemplateVersionsOutput]
	DeleteLaunchTemplateBehavior           MockedFunction[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
	DeleteLaunchTemplateVersionsBehavior   MockedFunction[ec2.DeleteLaunchTemplateVersionsInput, ec2.DeleteLaunchTemplateVersionsOutput]

	InsufficientCapacityPools AtomicPtrSlice[CapacityPool]
}

// EC2API is an in-memory double for the EC2 operations the broker calls.
// Launched instances land in a shared store so that Describe and Terminate
// observe what CreateFleet, RequestSpotFleet and RunInstances produced.
type EC2API struct {
	sdk.EC2API
	EC2Behavior

	Instances       sync.Map // instance id -> ec2types.Instance
	LaunchTemplates sync.Map // template name -> launchTemplateRecord
	Fleets          sync.Map // fleet id -> fleetRecord
	SpotFleets      sync.Map // spot fleet request id -> spotFleetRecord
	Reservations    sync.Map // reservation id -> []string instance ids

	stateMu sync.Mutex
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.CreateFleetBehavior.Reset()
	e.DescribeFleetsBehavior.Reset()
	e.DescribeFleetInstancesBehavior.Reset()
	e.DeleteFleetsBehavior.Reset()
	e.RequestSpotFleetBehavior.Reset()
	e.DescribeSpotFleetRequestsBehavior.Reset()
	e.DescribeSpotFleetInstancesBehavior.Reset()
	e.ModifySpotFleetRequestBehavior.Reset()
	e.CancelSpotFleetRequestsBehavior.Reset()
	e.RunInstancesBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.CreateLaunchTemplateBehavior.Reset()
	e.CreateLaunchTemplateVersionBehavior.Reset()
	e.ModifyLaunchTemplateBehavior.Reset()
	e.DescribeLaunchTemplatesBehavior.Reset()
	e.DescribeLaunchTemplateVersionsBehavior.Reset()
	e.DeleteLaunchTemplateBehavior.Reset()
	e.DeleteLaunchTemplateVersionsBehavior.Reset()
	e.InsufficientCapacityPools.Reset()
	e.Instances.Clear()
	e.LaunchTemplates.Clear()
	e.Fleets.Clear()
	e.SpotFleets.Clear()
	e.Reservations.Clear()
}

func tagsFor(specs []ec2types.TagSpecification, resource ec2types.ResourceType) []ec2types.Tag {
	var tags []ec2types.Tag
	for _, spec := range specs {
		if spec.ResourceType == resource {
			tags = append(tags, spec.Tags...)
		}
	}
	return tags
}

// launchInstance synthesizes a running instance and records it in the shared store.
func (e *EC2API) launchInstance(instanceType ec2types.InstanceType, zone, subnetID, imageID string, spot bool, tags []ec2types.Tag) ec2types.Instance {
	if instanceType == "" {
		instanceType = defaultInstanceType
	}
	if zone == "" {
		zone = defaultZone
	}
	instance := ec2types.Instance{
		InstanceId:       lo.ToPtr(InstanceID()),
		InstanceType:     instanceType,
		ImageId:          lo.ToPtr(lo.Ternary(imageID != "", imageID, "ami-"+strings.ReplaceAll(uuid.NewString(), "-", "")[:17])),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning, Code: lo.ToPtr[int32](16)},
		Placement:        &ec2types.Placement{AvailabilityZone: lo.ToPtr(zone)},
		PrivateIpAddress: lo.ToPtr(privateIP()),
		LaunchTime:       lo.ToPtr(time.Now()),
		Tags:             tags,
	}
	instance.PrivateDnsName = lo.ToPtr(fmt.Sprintf("ip-%s.ec2.internal", strings.ReplaceAll(*instance.PrivateIpAddress, ".", "-")))
	if subnetID != "" {
		instance.SubnetId = lo.ToPtr(subnetID)
	}
	if spot {
		instance.InstanceLifecycle = ec2types.InstanceLifecycleTypeSpot
		instance.SpotInstanceRequestId = lo.ToPtr(newID("sir-"))
	}
	e.Instances.Store(*instance.InstanceId, instance)
	return instance
}

type capacityPoolRequest struct {
	instanceType ec2types.InstanceType
	zone         string
	subnetID     string
}

// availablePools partitions the requested pools into launchable ones and
// CreateFleetErrors for those marked insufficient.
func (e *EC2API) availablePools(pools []capacityPoolRequest, capacityType string) ([]capacityPoolRequest, []ec2types.CreateFleetError) {
	var fleetErrs []ec2types.CreateFleetError
	available := lo.Filter(pools, func(p capacityPoolRequest, _ int) bool {
		unavailable := false
		e.InsufficientCapacityPools.ForEach(func(pool *CapacityPool) {
			if pool.InstanceType == string(p.instanceType) && (pool.Zone == p.zone || pool.Zone == p.subnetID) && pool.CapacityType == capacityType {
				unavailable = true
			}
		})
		if unavailable {
			fleetErrs = append(fleetErrs, ec2types.CreateFleetError{
				ErrorCode:    lo.ToPtr("InsufficientInstanceCapacity"),
				ErrorMessage: lo.ToPtr(fmt.Sprintf("no %s capacity in %s", p.instanceType, lo.Ternary(p.zone != "", p.zone, p.subnetID))),
				LaunchTemplateAndOverrides: &ec2types.LaunchTemplateAndOverridesResponse{
					Overrides: &ec2types.FleetLaunchTemplateOverrides{
						InstanceType:     p.instanceType,
						AvailabilityZone: lo.EmptyableToPtr(p.zone),
						SubnetId:         lo.EmptyableToPtr(p.subnetID),
					},
				},
			})
		}
		return !unavailable
	})
	return available, fleetErrs
}

//nolint:gocyclo
func (e *EC2API) CreateFleet(_ context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return e.CreateFleetBehavior.Invoke(input, func(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
		if len(input.LaunchTemplateConfigs) == 0 {
			return nil, &smithy.GenericAPIError{Code: "MissingParameter", Message: "launch template configs are required"}
		}
		spec := input.LaunchTemplateConfigs[0].LaunchTemplateSpecification
		if spec == nil || (spec.LaunchTemplateId == nil && spec.LaunchTemplateName == nil) {
			return nil, &smithy.GenericAPIError{Code: "MissingParameter", Message: "launch template specification is required"}
		}
		if input.TargetCapacitySpecification == nil || input.TargetCapacitySpecification.TotalTargetCapacity == nil {
			return nil, &smithy.GenericAPIError{Code: "MissingParameter", Message: "target capacity specification is required"}
		}
		capacityType := string(ec2types.DefaultTargetCapacityTypeOnDemand)
		if input.TargetCapacitySpecification.DefaultTargetCapacityType != "" {
			capacityType = string(input.TargetCapacitySpecification.DefaultTargetCapacityType)
		}
		target := int(*input.TargetCapacitySpecification.TotalTargetCapacity)

		var pools []capacityPoolRequest
		for _, ltc := range input.LaunchTemplateConfigs {
			for _, override := range ltc.Overrides {
				pools = append(pools, capacityPoolRequest{
					instanceType: override.InstanceType,
					zone:         aws.ToString(override.AvailabilityZone),
					subnetID:     aws.ToString(override.SubnetId),
				})
			}
		}
		if len(pools) == 0 {
			pools = append(pools, capacityPoolRequest{instanceType: defaultInstanceType, zone: defaultZone})
		}

		available, fleetErrs := e.availablePools(pools, capacityType)
		fleetID := FleetID()
		out := &ec2.CreateFleetOutput{FleetId: lo.ToPtr(fleetID), Errors: fleetErrs}
		if len(available) == 0 {
			e.Fleets.Store(fleetID, fleetRecord{ID: fleetID, State: ec2types.FleetStateCodeActive, Type: input.Type, Target: int32(target)})
			return out, nil
		}

		pool := available[0]
		spot := capacityType == string(ec2types.DefaultTargetCapacityTypeSpot)
		tags := tagsFor(input.TagSpecifications, ec2types.ResourceTypeInstance)
		instanceIDs := make([]string, 0, target)
		for i := 0; i < target; i++ {
			instance := e.launchInstance(pool.instanceType, pool.zone, pool.subnetID, "", spot, tags)
			instanceIDs = append(instanceIDs, *instance.InstanceId)
		}
		e.Fleets.Store(fleetID, fleetRecord{
			ID:          fleetID,
			State:       ec2types.FleetStateCodeActive,
			Type:        input.Type,
			Target:      int32(target),
			InstanceIDs: instanceIDs,
		})
		// Only instant fleets report instances synchronously; request and
		// maintain fleets surface them through DescribeFleetInstances.
		if input.Type == ec2types.FleetTypeInstant || input.Type == "" {
			out.Instances = []ec2types.CreateFleetInstance{{
				InstanceIds:  instanceIDs,
				InstanceType: pool.instanceType,
				Lifecycle:    lo.Ternary(spot, ec2types.InstanceLifecycleSpot, ec2types.InstanceLifecycleOnDemand),
			}}
		}
		return out, nil
	})
}

func (e *EC2API) DescribeFleets(_ context.Context, input *ec2.DescribeFleetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error) {
	return e.DescribeFleetsBehavior.Invoke(input, func(input *ec2.DescribeFleetsInput) (*ec2.DescribeFleetsOutput, error) {
		out := &ec2.DescribeFleetsOutput{}
		for _, id := range input.FleetIds {
			record, ok := e.Fleets.Load(id)
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidFleetId.NotFound", Message: fmt.Sprintf("fleet %s not found", id)}
			}
			fleet := record.(fleetRecord)
			out.Fleets = append(out.Fleets, ec2types.FleetData{
				FleetId:           lo.ToPtr(fleet.ID),
				FleetState:        fleet.State,
				Type:              fleet.Type,
				FulfilledCapacity: lo.ToPtr(float64(len(fleet.InstanceIDs))),
				TargetCapacitySpecification: &ec2types.TargetCapacitySpecification{
					TotalTargetCapacity: lo.ToPtr(fleet.Target),
				},
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeFleetInstances(_ context.Context, input *ec2.DescribeFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error) {
	return e.DescribeFleetInstancesBehavior.Invoke(input, func(input *ec2.DescribeFleetInstancesInput) (*ec2.DescribeFleetInstancesOutput, error) {
		record, ok := e.Fleets.Load(aws.ToString(input.FleetId))
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidFleetId.NotFound", Message: fmt.Sprintf("fleet %s not found", aws.ToString(input.FleetId))}
		}
		fleet := record.(fleetRecord)
		return &ec2.DescribeFleetInstancesOutput{
			FleetId:         input.FleetId,
			ActiveInstances: e.activeInstances(fleet.InstanceIDs),
		}, nil
	})
}

func (e *EC2API) DeleteFleets(_ context.Context, input *ec2.DeleteFleetsInput, _ ...func(*ec2.Options)) (*ec2.DeleteFleetsOutput, error) {
	return e.DeleteFleetsBehavior.Invoke(input, func(input *ec2.DeleteFleetsInput) (*ec2.DeleteFleetsOutput, error) {
		out := &ec2.DeleteFleetsOutput{}
		for _, id := range input.FleetIds {
			record, ok := e.Fleets.Load(id)
			if !ok {
				out.UnsuccessfulFleetDeletions = append(out.UnsuccessfulFleetDeletions, ec2types.DeleteFleetErrorItem{
					FleetId: lo.ToPtr(id),
					Error: &ec2types.DeleteFleetError{
						Code:    ec2types.DeleteFleetErrorCodeFleetIdDoesNotExist,
						Message: lo.ToPtr(fmt.Sprintf("fleet %s not found", id)),
					},
				})
				continue
			}
			fleet := record.(fleetRecord)
			previous := fleet.State
			fleet.State = ec2types.FleetStateCodeDeleted
			e.Fleets.Store(id, fleet)
			if aws.ToBool(input.TerminateInstances) {
				e.terminate(fleet.InstanceIDs)
			}
			out.SuccessfulFleetDeletions = append(out.SuccessfulFleetDeletions, ec2types.DeleteFleetSuccessItem{
				FleetId:            lo.ToPtr(id),
				CurrentFleetState:  ec2types.FleetStateCodeDeleted,
				PreviousFleetState: previous,
			})
		}
		return out, nil
	})
}

func (e *EC2API) RequestSpotFleet(_ context.Context, input *ec2.RequestSpotFleetInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error) {
	return e.RequestSpotFleetBehavior.Invoke(input, func(input *ec2.RequestSpotFleetInput) (*ec2.RequestSpotFleetOutput, error) {
		config := input.SpotFleetRequestConfig
		if config == nil || config.IamFleetRole == nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotFleetRequestConfig", Message: "IAM fleet role is required"}
		}
		if config.TargetCapacity == nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotFleetRequestConfig", Message: "target capacity is required"}
		}
		target := int(*config.TargetCapacity)

		var pools []capacityPoolRequest
		for _, ltc := range config.LaunchTemplateConfigs {
			for _, override := range ltc.Overrides {
				pools = append(pools, capacityPoolRequest{
					instanceType: override.InstanceType,
					zone:         aws.ToString(override.AvailabilityZone),
					subnetID:     aws.ToString(override.SubnetId),
				})
			}
		}
		if len(pools) == 0 {
			pools = append(pools, capacityPoolRequest{instanceType: defaultInstanceType, zone: defaultZone})
		}

		available, _ := e.availablePools(pools, string(ec2types.DefaultTargetCapacityTypeSpot))
		id := SpotFleetRequestID()
		record := spotFleetRecord{ID: id, State: ec2types.BatchStateActive, Config: *config, Target: int32(target)}
		if len(available) > 0 {
			pool := available[0]
			tags := tagsFor(config.TagSpecifications, ec2types.ResourceTypeSpotFleetRequest)
			for i := 0; i < target; i++ {
				instance := e.launchInstance(pool.instanceType, pool.zone, pool.subnetID, "", true, tags)
				record.InstanceIDs = append(record.InstanceIDs, *instance.InstanceId)
			}
		}
		e.SpotFleets.Store(id, record)
		return &ec2.RequestSpotFleetOutput{SpotFleetRequestId: lo.ToPtr(id)}, nil
	})
}

func (e *EC2API) DescribeSpotFleetRequests(_ context.Context, input *ec2.DescribeSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error) {
	return e.DescribeSpotFleetRequestsBehavior.Invoke(input, func(input *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
		out := &ec2.DescribeSpotFleetRequestsOutput{}
		for _, id := range input.SpotFleetRequestIds {
			record, ok := e.SpotFleets.Load(id)
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidSpotFleetRequestId.NotFound", Message: fmt.Sprintf("spot fleet request %s not found", id)}
			}
			spotFleet := record.(spotFleetRecord)
			config := spotFleet.Config
			config.TargetCapacity = lo.ToPtr(spotFleet.Target)
			out.SpotFleetRequestConfigs = append(out.SpotFleetRequestConfigs, ec2types.SpotFleetRequestConfig{
				SpotFleetRequestId:     lo.ToPtr(spotFleet.ID),
				SpotFleetRequestState:  spotFleet.State,
				SpotFleetRequestConfig: &config,
				ActivityStatus:         lo.Ternary(len(spotFleet.InstanceIDs) >= int(spotFleet.Target), ec2types.ActivityStatusFulfilled, ec2types.ActivityStatusPendingFulfillment),
				CreateTime:             lo.ToPtr(time.Now()),
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeSpotFleetInstances(_ context.Context, input *ec2.DescribeSpotFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	return e.DescribeSpotFleetInstancesBehavior.Invoke(input, func(input *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
		record, ok := e.SpotFleets.Load(aws.ToString(input.SpotFleetRequestId))
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotFleetRequestId.NotFound", Message: fmt.Sprintf("spot fleet request %s not found", aws.ToString(input.SpotFleetRequestId))}
		}
		spotFleet := record.(spotFleetRecord)
		return &ec2.DescribeSpotFleetInstancesOutput{
			SpotFleetRequestId: input.SpotFleetRequestId,
			ActiveInstances:    e.activeInstances(spotFleet.InstanceIDs),
		}, nil
	})
}

func (e *EC2API) ModifySpotFleetRequest(_ context.Context, input *ec2.ModifySpotFleetRequestInput, _ ...func(*ec2.Options)) (*ec2.ModifySpotFleetRequestOutput, error) {
	return e.ModifySpotFleetRequestBehavior.Invoke(input, func(input *ec2.ModifySpotFleetRequestInput) (*ec2.ModifySpotFleetRequestOutput, error) {
		id := aws.ToString(input.SpotFleetRequestId)
		record, ok := e.SpotFleets.Load(id)
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotFleetRequestId.NotFound", Message: fmt.Sprintf("spot fleet request %s not found", id)}
		}
		spotFleet := record.(spotFleetRecord)
		if input.TargetCapacity != nil {
			spotFleet.Target = *input.TargetCapacity
		}
		e.SpotFleets.Store(id, spotFleet)
		return &ec2.ModifySpotFleetRequestOutput{Return: lo.ToPtr(true)}, nil
	})
}

func (e *EC2API) CancelSpotFleetRequests(_ context.Context, input *ec2.CancelSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error) {
	return e.CancelSpotFleetRequestsBehavior.Invoke(input, func(input *ec2.CancelSpotFleetRequestsInput) (*ec2.CancelSpotFleetRequestsOutput, error) {
		out := &ec2.CancelSpotFleetRequestsOutput{}
		for _, id := range input.SpotFleetRequestIds {
			record, ok := e.SpotFleets.Load(id)
			if !ok {
				out.UnsuccessfulFleetRequests = append(out.UnsuccessfulFleetRequests, ec2types.CancelSpotFleetRequestsErrorItem{
					SpotFleetRequestId: lo.ToPtr(id),
					Error: &ec2types.CancelSpotFleetRequestsError{
						Code:    ec2types.CancelBatchErrorCodeFleetRequestIdDoesNotExist,
						Message: lo.ToPtr(fmt.Sprintf("spot fleet request %s not found", id)),
					},
				})
				continue
			}
			spotFleet := record.(spotFleetRecord)
			previous := spotFleet.State
			spotFleet.State = ec2types.BatchStateCancelled
			e.SpotFleets.Store(id, spotFleet)
			if aws.ToBool(input.TerminateInstances) {
				e.terminate(spotFleet.InstanceIDs)
			}
			out.SuccessfulFleetRequests = append(out.SuccessfulFleetRequests, ec2types.CancelSpotFleetRequestsSuccessItem{
				SpotFleetRequestId:            lo.ToPtr(id),
				CurrentSpotFleetRequestState:  ec2types.BatchStateCancelled,
				PreviousSpotFleetRequestState: previous,
			})
		}
		return out, nil
	})
}

func (e *EC2API) RunInstances(_ context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return e.RunInstancesBehavior.Invoke(input, func(input *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		count := int(aws.ToInt32(input.MaxCount))
		if count == 0 {
			return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "MaxCount must be at least 1"}
		}
		instanceType := input.InstanceType
		imageID := aws.ToString(input.ImageId)
		if input.LaunchTemplate != nil {
			record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplate.LaunchTemplateId), aws.ToString(input.LaunchTemplate.LaunchTemplateName))
			if err != nil {
				return nil, err
			}
			if data := record.Versions[len(record.Versions)-1].LaunchTemplateData; data != nil {
				if instanceType == "" {
					instanceType = data.InstanceType
				}
				if imageID == "" {
					imageID = aws.ToString(data.ImageId)
				}
			}
		}
		var zone string
		if input.Placement != nil {
			zone = aws.ToString(input.Placement.AvailabilityZone)
		}
		spot := input.InstanceMarketOptions != nil && input.InstanceMarketOptions.MarketType == ec2types.MarketTypeSpot
		tags := tagsFor(input.TagSpecifications, ec2types.ResourceTypeInstance)

		out := &ec2.RunInstancesOutput{
			ReservationId: lo.ToPtr(newID("r-")),
			OwnerId:       lo.ToPtr(DefaultAccountID),
		}
		for i := 0; i < count; i++ {
			out.Instances = append(out.Instances, e.launchInstance(instanceType, zone, aws.ToString(input.SubnetId), imageID, spot, tags))
		}
		e.Reservations.Store(aws.ToString(out.ReservationId), lo.Map(out.Instances, func(instance ec2types.Instance, _ int) string {
			return aws.ToString(instance.InstanceId)
		}))
		return out, nil
	})
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		var instances []ec2types.Instance
		if len(input.InstanceIds) > 0 {
			for _, id := range input.InstanceIds {
				stored, ok := e.Instances.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: fmt.Sprintf("instance %s not found", id)}
				}
				instances = append(instances, stored.(ec2types.Instance))
			}
		} else {
			e.Instances.Range(func(_, value interface{}) bool {
				instances = append(instances, value.(ec2types.Instance))
				return true
			})
		}
		// The reservation-id filter needs the reservation membership map, so it
		// is peeled off before the per-instance attribute filters.
		filters := make([]ec2types.Filter, 0, len(input.Filters))
		var reservationIDs []string
		for _, filter := range input.Filters {
			if aws.ToString(filter.Name) == "reservation-id" {
				reservationIDs = append(reservationIDs, filter.Values...)
				continue
			}
			filters = append(filters, filter)
		}
		if len(reservationIDs) > 0 {
			reserved := map[string]struct{}{}
			for _, reservationID := range reservationIDs {
				if stored, ok := e.Reservations.Load(reservationID); ok {
					for _, id := range stored.([]string) {
						reserved[id] = struct{}{}
					}
				}
			}
			instances = lo.Filter(instances, func(instance ec2types.Instance, _ int) bool {
				_, ok := reserved[aws.ToString(instance.InstanceId)]
				return ok
			})
		}
		instances = lo.Filter(instances, func(instance ec2types.Instance, _ int) bool {
			return matchesFilters(instance, filters)
		})
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: instances}},
		}, nil
	})
}

func (e *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return e.TerminateInstancesBehavior.Invoke(input, func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		out := &ec2.TerminateInstancesOutput{}
		for _, id := range input.InstanceIds {
			stored, ok := e.Instances.Load(id)
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: fmt.Sprintf("instance %s not found", id)}
			}
			instance := stored.(ec2types.Instance)
			previous := instance.State
			instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated, Code: lo.ToPtr[int32](48)}
			e.Instances.Store(id, instance)
			out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
				InstanceId:    lo.ToPtr(id),
				CurrentState:  instance.State,
				PreviousState: previous,
			})
		}
		return out, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		for _, id := range input.Resources {
			stored, ok := e.Instances.Load(id)
			if !ok {
				continue
			}
			instance := stored.(ec2types.Instance)
			for _, tag := range input.Tags {
				replaced := false
				for i := range instance.Tags {
					if aws.ToString(instance.Tags[i].Key) == aws.ToString(tag.Key) {
						instance.Tags[i].Value = tag.Value
						replaced = true
					}
				}
				if !replaced {
					instance.Tags = append(instance.Tags, tag)
				}
			}
			e.Instances.Store(id, instance)
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) CreateLaunchTemplate(_ context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	return e.CreateLaunchTemplateBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		name := aws.ToString(input.LaunchTemplateName)
		if name == "" {
			return nil, &smithy.GenericAPIError{Code: "MissingParameter", Message: "launch template name is required"}
		}
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		if _, ok := e.LaunchTemplates.Load(name); ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidLaunchTemplateName.AlreadyExistsException", Message: fmt.Sprintf("launch template %s already exists", name)}
		}
		template := ec2types.LaunchTemplate{
			LaunchTemplateId:     lo.ToPtr(LaunchTemplateID()),
			LaunchTemplateName:   lo.ToPtr(name),
			CreateTime:           lo.ToPtr(time.Now()),
			DefaultVersionNumber: lo.ToPtr[int64](1),
			LatestVersionNumber:  lo.ToPtr[int64](1),
			Tags:                 tagsFor(input.TagSpecifications, ec2types.ResourceTypeLaunchTemplate),
		}
		record := launchTemplateRecord{
			Template: template,
			Versions: []ec2types.LaunchTemplateVersion{{
				LaunchTemplateId:   template.LaunchTemplateId,
				LaunchTemplateName: template.LaunchTemplateName,
				VersionNumber:      lo.ToPtr[int64](1),
				VersionDescription: input.VersionDescription,
				DefaultVersion:     lo.ToPtr(true),
				CreateTime:         template.CreateTime,
				LaunchTemplateData: responseLaunchTemplateData(input.LaunchTemplateData),
			}},
		}
		e.LaunchTemplates.Store(name, record)
		return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: &template}, nil
	})
}

func (e *EC2API) CreateLaunchTemplateVersion(_ context.Context, input *ec2.CreateLaunchTemplateVersionInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateVersionOutput, error) {
	return e.CreateLaunchTemplateVersionBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateVersionInput) (*ec2.CreateLaunchTemplateVersionOutput, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if err != nil {
			return nil, err
		}
		next := aws.ToInt64(record.Template.LatestVersionNumber) + 1
		version := ec2types.LaunchTemplateVersion{
			LaunchTemplateId:   record.Template.LaunchTemplateId,
			LaunchTemplateName: record.Template.LaunchTemplateName,
			VersionNumber:      lo.ToPtr(next),
			VersionDescription: input.VersionDescription,
			CreateTime:         lo.ToPtr(time.Now()),
			LaunchTemplateData: responseLaunchTemplateData(input.LaunchTemplateData),
		}
		record.Versions = append(record.Versions, version)
		record.Template.LatestVersionNumber = lo.ToPtr(next)
		e.LaunchTemplates.Store(aws.ToString(record.Template.LaunchTemplateName), record)
		return &ec2.CreateLaunchTemplateVersionOutput{LaunchTemplateVersion: &version}, nil
	})
}

func (e *EC2API) ModifyLaunchTemplate(_ context.Context, input *ec2.ModifyLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.ModifyLaunchTemplateOutput, error) {
	return e.ModifyLaunchTemplateBehavior.Invoke(input, func(input *ec2.ModifyLaunchTemplateInput) (*ec2.ModifyLaunchTemplateOutput, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if err != nil {
			return nil, err
		}
		if input.DefaultVersion != nil {
			version, parseErr := strconv.ParseInt(*input.DefaultVersion, 10, 64)
			if parseErr != nil {
				return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: fmt.Sprintf("invalid default version %q", *input.DefaultVersion)}
			}
			record.Template.DefaultVersionNumber = lo.ToPtr(version)
			e.LaunchTemplates.Store(aws.ToString(record.Template.LaunchTemplateName), record)
		}
		template := record.Template
		return &ec2.ModifyLaunchTemplateOutput{LaunchTemplate: &template}, nil
	})
}

func (e *EC2API) DescribeLaunchTemplates(_ context.Context, input *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	return e.DescribeLaunchTemplatesBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
		out := &ec2.DescribeLaunchTemplatesOutput{}
		e.LaunchTemplates.Range(func(_, value interface{}) bool {
			record := value.(launchTemplateRecord)
			if len(input.LaunchTemplateNames) > 0 && !lo.Contains(input.LaunchTemplateNames, aws.ToString(record.Template.LaunchTemplateName)) {
				return true
			}
			if len(input.LaunchTemplateIds) > 0 && !lo.Contains(input.LaunchTemplateIds, aws.ToString(record.Template.LaunchTemplateId)) {
				return true
			}
			out.LaunchTemplates = append(out.LaunchTemplates, record.Template)
			return true
		})
		if len(out.LaunchTemplates) == 0 && (len(input.LaunchTemplateNames) > 0 || len(input.LaunchTemplateIds) > 0) {
			return nil, &smithy.GenericAPIError{Code: "InvalidLaunchTemplateName.NotFoundException", Message: "launch template not found"}
		}
		return out, nil
	})
}

func (e *EC2API) DescribeLaunchTemplateVersions(_ context.Context, input *ec2.DescribeLaunchTemplateVersionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
	return e.DescribeLaunchTemplateVersionsBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplateVersionsInput) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
		record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if err != nil {
			return nil, err
		}
		out := &ec2.DescribeLaunchTemplateVersionsOutput{}
		for _, version := range record.Versions {
			if len(input.Versions) > 0 && !matchesVersionFilter(record, version, input.Versions) {
				continue
			}
			out.LaunchTemplateVersions = append(out.LaunchTemplateVersions, version)
		}
		return out, nil
	})
}

func (e *EC2API) DeleteLaunchTemplate(_ context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	return e.DeleteLaunchTemplateBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if err != nil {
			return nil, err
		}
		e.LaunchTemplates.Delete(aws.ToString(record.Template.LaunchTemplateName))
		template := record.Template
		return &ec2.DeleteLaunchTemplateOutput{LaunchTemplate: &template}, nil
	})
}

func (e *EC2API) DeleteLaunchTemplateVersions(_ context.Context, input *ec2.DeleteLaunchTemplateVersionsInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateVersionsOutput, error) {
	return e.DeleteLaunchTemplateVersionsBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateVersionsInput) (*ec2.DeleteLaunchTemplateVersionsOutput, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		record, err := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if err != nil {
			return nil, err
		}
		out := &ec2.DeleteLaunchTemplateVersionsOutput{}
		for _, raw := range input.Versions {
			number, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: fmt.Sprintf("invalid version %q", raw)}
			}
			idx := lo.IndexOf(lo.Map(record.Versions, func(v ec2types.LaunchTemplateVersion, _ int) int64 {
				return aws.ToInt64(v.VersionNumber)
			}), number)
			if idx < 0 {
				out.UnsuccessfullyDeletedLaunchTemplateVersions = append(out.UnsuccessfullyDeletedLaunchTemplateVersions, ec2types.DeleteLaunchTemplateVersionsResponseErrorItem{
					LaunchTemplateId:   record.Template.LaunchTemplateId,
					LaunchTemplateName: record.Template.LaunchTemplateName,
					VersionNumber:      lo.ToPtr(number),
					ResponseError: &ec2types.ResponseError{
						Code:    ec2types.LaunchTemplateErrorCodeLaunchTemplateVersionDoesNotExist,
						Message: lo.ToPtr(fmt.Sprintf("version %d does not exist", number)),
					},
				})
				continue
			}
			record.Versions = append(record.Versions[:idx], record.Versions[idx+1:]...)
			out.SuccessfullyDeletedLaunchTemplateVersions = append(out.SuccessfullyDeletedLaunchTemplateVersions, ec2types.DeleteLaunchTemplateVersionsResponseSuccessItem{
				LaunchTemplateId:   record.Template.LaunchTemplateId,
				LaunchTemplateName: record.Template.LaunchTemplateName,
				VersionNumber:      lo.ToPtr(number),
			})
		}
		e.LaunchTemplates.Store(aws.ToString(record.Template.LaunchTemplateName), record)
		return out, nil
	})
}

// findLaunchTemplate resolves a template by id or name. Copies of the record
// are returned so callers mutate state only through Store.
func (e *EC2API) findLaunchTemplate(id, name string) (launchTemplateRecord, error) {
	var found *launchTemplateRecord
	e.LaunchTemplates.Range(func(_, value interface{}) bool {
		record := value.(launchTemplateRecord)
		if (name != "" && aws.ToString(record.Template.LaunchTemplateName) == name) ||
			(id != "" && aws.ToString(record.Template.LaunchTemplateId) == id) {
			found = &record
			return false
		}
		return true
	})
	if found == nil {
		return launchTemplateRecord{}, &smithy.GenericAPIError{Code: "InvalidLaunchTemplateName.NotFoundException", Message: fmt.Sprintf("launch template %s%s not found", id, name)}
	}
	return *found, nil
}

func (e *EC2API) activeInstances(ids []string) []ec2types.ActiveInstance {
	var active []ec2types.ActiveInstance
	for _, id := range ids {
		stored, ok := e.Instances.Load(id)
		if !ok {
			continue
		}
		instance := stored.(ec2types.Instance)
		if instance.State != nil && instance.State.Name != ec2types.InstanceStateNameRunning {
			continue
		}
		active = append(active, ec2types.ActiveInstance{
			InstanceId:            instance.InstanceId,
			InstanceType:          lo.ToPtr(string(instance.InstanceType)),
			SpotInstanceRequestId: instance.SpotInstanceRequestId,
			InstanceHealth:        ec2types.InstanceHealthStatusHealthyStatus,
		})
	}
	return active
}

func (e *EC2API) terminate(ids []string) {
	for _, id := range ids {
		stored, ok := e.Instances.Load(id)
		if !ok {
			continue
		}
		instance := stored.(ec2types.Instance)
		instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated, Code: lo.ToPtr[int32](48)}
		e.Instances.Store(id, instance)
	}
}

func matchesFilters(instance ec2types.Instance, filters []ec2types.Filter) bool {
	return lo.EveryBy(filters, func(filter ec2types.Filter) bool {
		switch name := aws.ToString(filter.Name); {
		case name == "instance-state-name":
			return instance.State != nil && lo.Contains(filter.Values, string(instance.State.Name))
		case name == "instance-id":
			return lo.Contains(filter.Values, aws.ToString(instance.InstanceId))
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			return lo.SomeBy(instance.Tags, func(tag ec2types.Tag) bool {
				return aws.ToString(tag.Key) == key && (lo.Contains(filter.Values, "*") || lo.Contains(filter.Values, aws.ToString(tag.Value)))
			})
		case strings.HasPrefix(name, "tag-key"):
			return lo.SomeBy(instance.Tags, func(tag ec2types.Tag) bool {
				return lo.Contains(filter.Values, "*") || lo.Contains(filter.Values, aws.ToString(tag.Key))
			})
		default:
			panic("Unsupported mock filter")
		}
	})
}

func matchesVersionFilter(record launchTemplateRecord, version ec2types.LaunchTemplateVersion, wanted []string) bool {
	return lo.SomeBy(wanted, func(raw string) bool {
		switch raw {
		case "$Latest":
			return aws.ToInt64(version.VersionNumber) == aws.ToInt64(record.Template.LatestVersionNumber)
		case "$Default":
			return aws.ToInt64(version.VersionNumber) == aws.ToInt64(record.Template.DefaultVersionNumber)
		default:
			number, err := strconv.ParseInt(raw, 10, 64)
			return err == nil && aws.ToInt64(version.VersionNumber) == number
		}
	})
}

// responseLaunchTemplateData mirrors the request payload back the way
// DescribeLaunchTemplateVersions reports it.
//
//nolint:gocyclo
func responseLaunchTemplateData(request *ec2types.RequestLaunchTemplateData) *ec2types.ResponseLaunchTemplateData {
	if request == nil {
		return nil
	}
	response := &ec2types.ResponseLaunchTemplateData{
		ImageId:          request.ImageId,
		InstanceType:     request.InstanceType,
		KeyName:          request.KeyName,
		UserData:         request.UserData,
		SecurityGroupIds: request.SecurityGroupIds,
		SecurityGroups:   request.SecurityGroups,
		EbsOptimized:     request.EbsOptimized,
	}
	if request.IamInstanceProfile != nil {
		response.IamInstanceProfile = &ec2types.LaunchTemplateIamInstanceProfileSpecification{
			Arn:  request.IamInstanceProfile.Arn,
			Name: request.IamInstanceProfile.Name,
		}
	}
	if request.Monitoring != nil {
		response.Monitoring = &ec2types.LaunchTemplatesMonitoring{Enabled: request.Monitoring.Enabled}
	}
	if request.Placement != nil {
		response.Placement = &ec2types.LaunchTemplatePlacement{AvailabilityZone: request.Placement.AvailabilityZone}
	}
	for _, mapping := range request.BlockDeviceMappings {
		out := ec2types.LaunchTemplateBlockDeviceMapping{DeviceName: mapping.DeviceName}
		if mapping.Ebs != nil {
			out.Ebs = &ec2types.LaunchTemplateEbsBlockDevice{
				DeleteOnTermination: mapping.Ebs.DeleteOnTermination,
				Encrypted:           mapping.Ebs.Encrypted,
				Iops:                mapping.Ebs.Iops,
				KmsKeyId:            mapping.Ebs.KmsKeyId,
				SnapshotId:          mapping.Ebs.SnapshotId,
				Throughput:          mapping.Ebs.Throughput,
				VolumeSize:          mapping.Ebs.VolumeSize,
				VolumeType:          mapping.Ebs.VolumeType,
			}
		}
		response.BlockDeviceMappings = append(response.BlockDeviceMappings, out)
	}
	for _, nic := range request.NetworkInterfaces {
		response.NetworkInterfaces = append(response.NetworkInterfaces, ec2types.LaunchTemplateInstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: nic.AssociatePublicIpAddress,
			DeviceIndex:              nic.DeviceIndex,
			Groups:                   nic.Groups,
			SubnetId:                 nic.SubnetId,
		})
	}
	for _, spec := range request.TagSpecifications {
		response.TagSpecifications = append(response.TagSpecifications, ec2types.LaunchTemplateTagSpecification{
			ResourceType: spec.ResourceType,
			Tags:         spec.Tags,
		})
	}
	return response
}
