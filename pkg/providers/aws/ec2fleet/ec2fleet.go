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

// Package ec2fleet provisions hosts through the EC2 CreateFleet API. Instant
// fleets return their instances synchronously; request and maintain fleets
// are submitted and their instances discovered by the status poller.
package ec2fleet

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/nativespec"
)

// numericSpecKeys are the CreateFleet fields native specs routinely template
// as strings ("TotalTargetCapacity": "{{ requested_count }}") but the SDK
// types as numbers.
var numericSpecKeys = []string{
	"TotalTargetCapacity",
	"OnDemandTargetCapacity",
	"SpotTargetCapacity",
	"WeightedCapacity",
	"Priority",
	"MinTargetCapacity",
}

type Option func(*Handler)

// WithNativeSpec lets operator-supplied CreateFleet payloads replace the
// computed configuration.
func WithNativeSpec(spec *nativespec.Service) Option {
	return func(h *Handler) { h.spec = spec }
}

type Handler struct {
	log         *zap.Logger
	ec2api      sdk.EC2API
	ops         *awsops.Operations
	templates   *launchtemplate.Manager
	adapter     *awsprovider.MachineAdapter
	unavailable *cache.UnavailableCapacity
	spec        *nativespec.Service
}

func NewHandler(log *zap.Logger, ec2api sdk.EC2API, ops *awsops.Operations, templates *launchtemplate.Manager,
	adapter *awsprovider.MachineAdapter, unavailable *cache.UnavailableCapacity, opts ...Option) *Handler {
	h := &Handler{
		log:         log.Named("ec2fleet"),
		ec2api:      ec2api,
		ops:         ops,
		templates:   templates,
		adapter:     adapter,
		unavailable: unavailable,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) AcquireHosts(ctx context.Context, request *v1.Request, template *v1.Template) (awsprovider.AcquireResult, error) {
	// A request that already owns a fleet must not create a second one.
	if len(request.ResourceIDs) > 0 {
		h.log.Info("request already owns a fleet, skipping creation",
			zap.String("request_id", request.RequestID),
			zap.Strings("resource_ids", request.ResourceIDs))
		machines, err := h.CheckHostsStatus(ctx, request)
		if err != nil {
			return awsprovider.AcquireResult{}, err
		}
		return awsprovider.AcquireResult{ResourceIDs: request.ResourceIDs, Machines: machines}, nil
	}

	lt, err := h.templates.CreateOrUpdateLaunchTemplate(ctx, template, request)
	if err != nil {
		return awsprovider.AcquireResult{}, err
	}
	overrides, skipped := h.buildOverrides(template)
	if len(overrides) == 0 {
		return awsprovider.AcquireResult{}, errors.Newf(errors.KindCapacity, errors.CodeInsufficientCapacity,
			"all %d capacity pools for template %q recently reported insufficient capacity", skipped, template.TemplateID)
	}
	input, err := h.buildInput(request, template, lt, overrides)
	if err != nil {
		return awsprovider.AcquireResult{}, err
	}

	var out *ec2.CreateFleetOutput
	if err := h.ops.DoCritical(ctx, "ec2", "CreateFleet", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.CreateFleet(ctx, input)
		return callErr
	}); err != nil {
		return awsprovider.AcquireResult{}, err
	}
	return h.collect(ctx, request, template, out)
}

// collect turns the CreateFleet response into the acquire result, recording
// unfulfillable pools so later requests skip them.
func (h *Handler) collect(ctx context.Context, request *v1.Request, template *v1.Template, out *ec2.CreateFleetOutput) (awsprovider.AcquireResult, error) {
	fleetID := aws.ToString(out.FleetId)
	priceType := string(template.EffectivePriceType())
	poolErrs := make([]string, 0, len(out.Errors))
	for i := 0; i < len(out.Errors); i++ {
		h.unavailable.MarkUnavailableForFleetErr(out.Errors[i], priceType)
		poolErrs = append(poolErrs, aws.ToString(out.Errors[i].ErrorMessage))
	}

	instanceIDs := []string{}
	for _, fleetInstance := range out.Instances {
		instanceIDs = append(instanceIDs, fleetInstance.InstanceIds...)
	}

	if template.EffectiveFleetType() != v1.FleetTypeInstant {
		h.log.Info("submitted fleet",
			zap.String("request_id", request.RequestID),
			zap.String("fleet_id", fleetID),
			zap.String("fleet_type", string(template.EffectiveFleetType())))
		return awsprovider.AcquireResult{
			ResourceIDs: []string{fleetID},
			Message:     "fleet submitted, instances materialize asynchronously",
		}, nil
	}

	if len(instanceIDs) == 0 {
		if len(out.Errors) > 0 && lo.EveryBy(out.Errors, func(fleetErr ec2types.CreateFleetError) bool {
			return errors.IsCapacityCode(aws.ToString(fleetErr.ErrorCode))
		}) {
			return awsprovider.AcquireResult{}, errors.Newf(errors.KindCapacity, errors.CodeInsufficientCapacity,
				"fleet %s launched no instances: %s", fleetID, strings.Join(poolErrs, "; "))
		}
		return awsprovider.AcquireResult{}, errors.Newf(errors.KindProviderOperation, errors.CodeFleetLaunchFailed,
			"fleet %s launched no instances: %s", fleetID, strings.Join(poolErrs, "; "))
	}

	result := awsprovider.AcquireResult{ResourceIDs: []string{fleetID}}
	if len(poolErrs) > 0 {
		result.Message = strings.Join(poolErrs, "; ")
	}
	instances, err := h.ops.DescribeInstancesChunked(ctx, h.ec2api, instanceIDs)
	if err != nil {
		// The fleet launched; report placeholders rather than failing the
		// acquisition over a describe hiccup.
		h.log.Warn("describing launched instances failed, reporting placeholders",
			zap.String("fleet_id", fleetID), zap.Error(err))
		result.Machines = lo.Map(instanceIDs, func(id string, _ int) *v1.Machine {
			return h.adapter.Placeholder(id, request, fleetID)
		})
		return result, nil
	}
	result.Machines = h.adapter.FromInstances(instances, request, fleetID)
	return result, nil
}

func (h *Handler) CheckHostsStatus(ctx context.Context, request *v1.Request) ([]*v1.Machine, error) {
	machines := []*v1.Machine{}
	for _, resourceID := range request.ResourceIDs {
		var out *ec2.DescribeFleetInstancesOutput
		err := h.ops.Do(ctx, "ec2", "DescribeFleetInstances", func(ctx context.Context) error {
			var callErr error
			out, callErr = h.ec2api.DescribeFleetInstances(ctx, &ec2.DescribeFleetInstancesInput{FleetId: aws.String(resourceID)})
			return callErr
		})
		if err != nil {
			// Instant fleets reject DescribeFleetInstances; the correlation
			// tags recover the same view.
			tagged, tagErr := h.describeByRequestTag(ctx, request, resourceID)
			if tagErr != nil {
				return nil, err
			}
			machines = append(machines, tagged...)
			continue
		}
		instanceIDs := lo.Map(out.ActiveInstances, func(active ec2types.ActiveInstance, _ int) string {
			return aws.ToString(active.InstanceId)
		})
		if len(instanceIDs) == 0 {
			continue
		}
		instances, err := h.ops.DescribeInstancesChunked(ctx, h.ec2api, instanceIDs)
		if err != nil {
			return nil, err
		}
		machines = append(machines, h.adapter.FromInstances(instances, request, resourceID)...)
	}
	return machines, nil
}

func (h *Handler) describeByRequestTag(ctx context.Context, request *v1.Request, resourceID string) ([]*v1.Machine, error) {
	var out *ec2.DescribeInstancesOutput
	err := h.ops.Do(ctx, "ec2", "DescribeInstances", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("tag:" + awsprovider.TagRequestID),
				Values: []string{request.RequestID},
			}},
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	var instances []ec2types.Instance
	for _, reservation := range out.Reservations {
		instances = append(instances, reservation.Instances...)
	}
	return h.adapter.FromInstances(instances, request, resourceID), nil
}

// ReleaseHosts terminates the referenced machines when the scheduler returns
// part of the allocation, and deletes the fleet outright when it returns all
// of it.
func (h *Handler) ReleaseHosts(ctx context.Context, request *v1.Request) error {
	if len(request.MachineReferences) > 0 {
		_, err := h.ops.TerminateInstancesChunked(ctx, h.ec2api, request.MachineReferences)
		return err
	}
	if len(request.ResourceIDs) == 0 {
		return nil
	}
	var out *ec2.DeleteFleetsOutput
	if err := h.ops.DoCritical(ctx, "ec2", "DeleteFleets", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.DeleteFleets(ctx, &ec2.DeleteFleetsInput{
			FleetIds:           request.ResourceIDs,
			TerminateInstances: aws.Bool(true),
		})
		return callErr
	}); err != nil {
		return err
	}
	for _, failed := range out.UnsuccessfulFleetDeletions {
		if failed.Error != nil && failed.Error.Code == ec2types.DeleteFleetErrorCodeFleetIdDoesNotExist {
			continue
		}
		return errors.Newf(errors.KindProviderOperation, errors.CodeFleetDeleteFailed,
			"deleting fleet %s: %s", aws.ToString(failed.FleetId), aws.ToString(failed.Error.Message))
	}
	return nil
}

// buildOverrides expands the template's instance type pool across its subnets,
// skipping offerings that recently reported insufficient capacity. Returns the
// override list and how many pools were skipped.
func (h *Handler) buildOverrides(template *v1.Template) ([]ec2types.FleetLaunchTemplateOverridesRequest, int) {
	weights := template.InstanceTypeWeights()
	instanceTypes := lo.Keys(weights)
	sort.Strings(instanceTypes)
	priceType := string(template.EffectivePriceType())

	overrides := []ec2types.FleetLaunchTemplateOverridesRequest{}
	skipped := 0
	for _, instanceType := range instanceTypes {
		for _, subnetID := range template.SubnetIDs {
			if h.unavailable.IsUnavailable(instanceType, subnetID, priceType) {
				skipped++
				continue
			}
			override := ec2types.FleetLaunchTemplateOverridesRequest{
				InstanceType: ec2types.InstanceType(instanceType),
				SubnetId:     aws.String(subnetID),
			}
			if weight := weights[instanceType]; weight > 1 {
				override.WeightedCapacity = aws.Float64(float64(weight))
			}
			overrides = append(overrides, override)
		}
	}
	return overrides, skipped
}

func (h *Handler) buildInput(request *v1.Request, template *v1.Template, lt *launchtemplate.EnsureResult,
	overrides []ec2types.FleetLaunchTemplateOverridesRequest) (*ec2.CreateFleetInput, error) {
	configs := []ec2types.FleetLaunchTemplateConfigRequest{{
		LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
			LaunchTemplateId: aws.String(lt.TemplateID),
			Version:          aws.String(lt.Version),
		},
		Overrides: overrides,
	}}
	tags := awsprovider.RequestTags(request, template)

	if h.spec != nil && template.HasProviderAPISpec() {
		input, err := h.renderInput(request, template, configs)
		if err != nil {
			return nil, err
		}
		if input != nil {
			input.ClientToken = aws.String(request.RequestID)
			if len(input.TagSpecifications) == 0 {
				input.TagSpecifications = awsprovider.TagSpecifications(tags, ec2types.ResourceTypeInstance, ec2types.ResourceTypeFleet)
			}
			return input, nil
		}
	}

	capacityType := ec2types.DefaultTargetCapacityTypeOnDemand
	if template.EffectivePriceType() == v1.PriceTypeSpot {
		capacityType = ec2types.DefaultTargetCapacityTypeSpot
	}
	input := &ec2.CreateFleetInput{
		Type:                  ec2types.FleetType(template.EffectiveFleetType()),
		ClientToken:           aws.String(request.RequestID),
		LaunchTemplateConfigs: configs,
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity:       aws.Int32(int32(request.MachineCount)),
			DefaultTargetCapacityType: capacityType,
		},
		TagSpecifications: awsprovider.TagSpecifications(tags, ec2types.ResourceTypeInstance, ec2types.ResourceTypeFleet),
	}
	if template.EffectivePriceType() == v1.PriceTypeSpot {
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategy(template.EC2FleetAllocationStrategy()),
		}
	} else {
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategy(template.EC2FleetAllocationStrategy()),
		}
	}
	if template.AWS != nil && template.AWS.PercentOnDemand != nil {
		onDemand := int32(request.MachineCount * *template.AWS.PercentOnDemand / 100)
		input.TargetCapacitySpecification.OnDemandTargetCapacity = aws.Int32(onDemand)
		input.TargetCapacitySpecification.SpotTargetCapacity = aws.Int32(int32(request.MachineCount) - onDemand)
		input.TargetCapacitySpecification.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
	}
	return input, nil
}

// renderInput produces the CreateFleetInput from the operator's native spec,
// overlaying the launch template configs the handler just built. Returns nil
// when native specs are disabled.
func (h *Handler) renderInput(request *v1.Request, template *v1.Template,
	configs []ec2types.FleetLaunchTemplateConfigRequest) (*ec2.CreateFleetInput, error) {
	rendered, err := h.spec.RenderWithMerge(template, request, nil, map[string]interface{}{
		"LaunchTemplateConfigs": jsonValue(configs),
	})
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return nil, nil
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(rendered, &doc); err != nil {
		return nil, errors.NewConfiguration("parsing rendered fleet spec", err)
	}
	nativespec.CoerceNumericStrings(doc, numericSpecKeys...)
	input := &ec2.CreateFleetInput{}
	if err := json.Unmarshal(lo.Must(json.Marshal(doc)), input); err != nil {
		return nil, errors.NewConfiguration("provider api spec does not match the CreateFleet shape", err)
	}
	return input, nil
}

// jsonValue round-trips a typed SDK value into the generic JSON shape the
// native spec merge operates on.
func jsonValue(v interface{}) interface{} {
	var out interface{}
	lo.Must0(json.Unmarshal(lo.Must(json.Marshal(v)), &out))
	return out
}
