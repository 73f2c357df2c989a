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

// Package spotfleet provisions hosts through the legacy Spot Fleet API. Spot
// fleets fulfill asynchronously; the request is submitted with the operator's
// IAM fleet role and instances surface through the status poller.
package spotfleet

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
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

var numericSpecKeys = []string{
	"TargetCapacity",
	"OnDemandTargetCapacity",
	"WeightedCapacity",
	"Priority",
}

type Option func(*Handler)

// WithNativeSpec lets operator-supplied spot fleet payloads replace the
// computed request config.
func WithNativeSpec(spec *nativespec.Service) Option {
	return func(h *Handler) { h.spec = spec }
}

type Handler struct {
	log         *zap.Logger
	ec2api      sdk.EC2API
	iamapi      sdk.IAMAPI
	ops         *awsops.Operations
	templates   *launchtemplate.Manager
	adapter     *awsprovider.MachineAdapter
	unavailable *cache.UnavailableCapacity
	spec        *nativespec.Service
}

func NewHandler(log *zap.Logger, ec2api sdk.EC2API, iamapi sdk.IAMAPI, ops *awsops.Operations,
	templates *launchtemplate.Manager, adapter *awsprovider.MachineAdapter,
	unavailable *cache.UnavailableCapacity, opts ...Option) *Handler {
	h := &Handler{
		log:         log.Named("spotfleet"),
		ec2api:      ec2api,
		iamapi:      iamapi,
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
	if len(request.ResourceIDs) > 0 {
		h.log.Info("request already owns a spot fleet request, skipping creation",
			zap.String("request_id", request.RequestID),
			zap.Strings("resource_ids", request.ResourceIDs))
		machines, err := h.CheckHostsStatus(ctx, request)
		if err != nil {
			return awsprovider.AcquireResult{}, err
		}
		return awsprovider.AcquireResult{ResourceIDs: request.ResourceIDs, Machines: machines}, nil
	}
	if template.AWS == nil || template.AWS.FleetRole == "" {
		return awsprovider.AcquireResult{}, errors.NewTemplateValidation(template.TemplateID,
			"fleet_role is required for SpotFleet templates")
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
	config, err := h.buildConfig(request, template, lt, overrides)
	if err != nil {
		return awsprovider.AcquireResult{}, err
	}

	var out *ec2.RequestSpotFleetOutput
	if err := h.ops.DoCritical(ctx, "ec2", "RequestSpotFleet", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.RequestSpotFleet(ctx, &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: config})
		return callErr
	}); err != nil {
		return awsprovider.AcquireResult{}, err
	}

	requestID := aws.ToString(out.SpotFleetRequestId)
	h.log.Info("submitted spot fleet request",
		zap.String("request_id", request.RequestID),
		zap.String("spot_fleet_request_id", requestID))
	result := awsprovider.AcquireResult{
		ResourceIDs: []string{requestID},
		Message:     "spot fleet request submitted, instances materialize asynchronously",
	}
	// Best effort early view; fulfilled capacity normally arrives later.
	probe := *request
	probe.ResourceIDs = result.ResourceIDs
	if machines, statusErr := h.CheckHostsStatus(ctx, &probe); statusErr == nil {
		result.Machines = machines
	}
	return result, nil
}

func (h *Handler) CheckHostsStatus(ctx context.Context, request *v1.Request) ([]*v1.Machine, error) {
	machines := []*v1.Machine{}
	for _, resourceID := range request.ResourceIDs {
		var out *ec2.DescribeSpotFleetInstancesOutput
		err := h.ops.Do(ctx, "ec2", "DescribeSpotFleetInstances", func(ctx context.Context) error {
			var callErr error
			out, callErr = h.ec2api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
				SpotFleetRequestId: aws.String(resourceID),
			})
			return callErr
		})
		if err != nil {
			if errors.IsNotFoundKind(err) {
				continue
			}
			return nil, err
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

// ReleaseHosts cancels the spot fleet requests with termination and then
// explicitly terminates the referenced machines, catching instances the
// cancellation leaked.
func (h *Handler) ReleaseHosts(ctx context.Context, request *v1.Request) error {
	if len(request.ResourceIDs) > 0 {
		var out *ec2.CancelSpotFleetRequestsOutput
		if err := h.ops.DoCritical(ctx, "ec2", "CancelSpotFleetRequests", func(ctx context.Context) error {
			var callErr error
			out, callErr = h.ec2api.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
				SpotFleetRequestIds: request.ResourceIDs,
				TerminateInstances:  aws.Bool(true),
			})
			return callErr
		}); err != nil {
			return err
		}
		for _, failed := range out.UnsuccessfulFleetRequests {
			if failed.Error != nil && failed.Error.Code == ec2types.CancelBatchErrorCodeFleetRequestIdDoesNotExist {
				continue
			}
			return errors.Newf(errors.KindProviderOperation, errors.CodeFleetDeleteFailed,
				"cancelling spot fleet request %s: %s", aws.ToString(failed.SpotFleetRequestId), aws.ToString(failed.Error.Message))
		}
	}
	if len(request.MachineReferences) > 0 {
		if _, err := h.ops.TerminateInstancesChunked(ctx, h.ec2api, request.MachineReferences); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTemplate checks the SpotFleet prerequisites the aggregate
// validation cannot see: the fleet role must be set and must exist in IAM.
func (h *Handler) ValidateTemplate(ctx context.Context, template *v1.Template) error {
	if template.AWS == nil || template.AWS.FleetRole == "" {
		return errors.NewTemplateValidation(template.TemplateID, "fleet_role is required for SpotFleet templates")
	}
	roleName := roleNameFromARN(template.AWS.FleetRole)
	err := h.ops.Do(ctx, "iam", "GetRole", func(ctx context.Context) error {
		_, callErr := h.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
		return callErr
	})
	if errors.IsNotFoundKind(err) {
		return errors.NewTemplateValidation(template.TemplateID,
			"fleet role "+template.AWS.FleetRole+" does not exist")
	}
	return err
}

func (h *Handler) buildOverrides(template *v1.Template) ([]ec2types.LaunchTemplateOverrides, int) {
	weights := template.InstanceTypeWeights()
	instanceTypes := lo.Keys(weights)
	sort.Strings(instanceTypes)

	overrides := []ec2types.LaunchTemplateOverrides{}
	skipped := 0
	for _, instanceType := range instanceTypes {
		for _, subnetID := range template.SubnetIDs {
			if h.unavailable.IsUnavailable(instanceType, subnetID, string(v1.PriceTypeSpot)) {
				skipped++
				continue
			}
			override := ec2types.LaunchTemplateOverrides{
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

func (h *Handler) buildConfig(request *v1.Request, template *v1.Template, lt *launchtemplate.EnsureResult,
	overrides []ec2types.LaunchTemplateOverrides) (*ec2types.SpotFleetRequestConfigData, error) {
	configs := []ec2types.LaunchTemplateConfig{{
		LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
			LaunchTemplateId: aws.String(lt.TemplateID),
			Version:          aws.String(lt.Version),
		},
		Overrides: overrides,
	}}
	tags := awsprovider.RequestTags(request, template)

	if h.spec != nil && template.HasProviderAPISpec() {
		config, err := h.renderConfig(request, template, configs)
		if err != nil {
			return nil, err
		}
		if config != nil {
			config.ClientToken = aws.String(request.RequestID)
			if config.IamFleetRole == nil {
				config.IamFleetRole = aws.String(template.AWS.FleetRole)
			}
			if len(config.TagSpecifications) == 0 {
				config.TagSpecifications = []ec2types.SpotFleetTagSpecification{{
					ResourceType: ec2types.ResourceTypeSpotFleetRequest,
					Tags:         awsprovider.EC2Tags(tags),
				}}
			}
			return config, nil
		}
	}

	return &ec2types.SpotFleetRequestConfigData{
		ClientToken:           aws.String(request.RequestID),
		IamFleetRole:          aws.String(template.AWS.FleetRole),
		TargetCapacity:        aws.Int32(int32(request.MachineCount)),
		Type:                  ec2types.FleetType(template.EffectiveFleetType()),
		AllocationStrategy:    ec2types.AllocationStrategy(template.SpotFleetAllocationStrategy()),
		LaunchTemplateConfigs: configs,
		TagSpecifications: []ec2types.SpotFleetTagSpecification{{
			ResourceType: ec2types.ResourceTypeSpotFleetRequest,
			Tags:         awsprovider.EC2Tags(tags),
		}},
	}, nil
}

func (h *Handler) renderConfig(request *v1.Request, template *v1.Template,
	configs []ec2types.LaunchTemplateConfig) (*ec2types.SpotFleetRequestConfigData, error) {
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
		return nil, errors.NewConfiguration("parsing rendered spot fleet spec", err)
	}
	nativespec.CoerceNumericStrings(doc, numericSpecKeys...)
	config := &ec2types.SpotFleetRequestConfigData{}
	if err := json.Unmarshal(lo.Must(json.Marshal(doc)), config); err != nil {
		return nil, errors.NewConfiguration("provider api spec does not match the SpotFleetRequestConfigData shape", err)
	}
	return config, nil
}

// roleNameFromARN accepts either a bare role name or a full ARN.
func roleNameFromARN(fleetRole string) string {
	if idx := strings.LastIndex(fleetRole, "/"); idx >= 0 {
		return fleetRole[idx+1:]
	}
	return fleetRole
}

func jsonValue(v interface{}) interface{} {
	var out interface{}
	lo.Must0(json.Unmarshal(lo.Must(json.Marshal(v)), &out))
	return out
}
