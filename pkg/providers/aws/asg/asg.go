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

// Package asg provisions hosts through EC2 Auto Scaling groups. The group
// name embeds the request id, which makes creation naturally idempotent and
// lets a restarted broker re-adopt groups it created before crashing.
package asg

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/nativespec"
)

const groupPrefix = "hf-"

var numericSpecKeys = []string{
	"MinSize",
	"MaxSize",
	"DesiredCapacity",
	"OnDemandBaseCapacity",
	"OnDemandPercentageAboveBaseCapacity",
	"HealthCheckGracePeriod",
}

// GroupName returns the auto scaling group name owned by a request.
func GroupName(requestID string) string {
	return groupPrefix + requestID
}

type Option func(*Handler)

// WithNativeSpec lets operator-supplied CreateAutoScalingGroup payloads
// replace the computed configuration.
func WithNativeSpec(spec *nativespec.Service) Option {
	return func(h *Handler) { h.spec = spec }
}

type Handler struct {
	log       *zap.Logger
	asgapi    sdk.ASGAPI
	ec2api    sdk.EC2API
	ops       *awsops.Operations
	templates *launchtemplate.Manager
	adapter   *awsprovider.MachineAdapter
	spec      *nativespec.Service
}

func NewHandler(log *zap.Logger, asgapi sdk.ASGAPI, ec2api sdk.EC2API, ops *awsops.Operations,
	templates *launchtemplate.Manager, adapter *awsprovider.MachineAdapter, opts ...Option) *Handler {
	h := &Handler{
		log:       log.Named("asg"),
		asgapi:    asgapi,
		ec2api:    ec2api,
		ops:       ops,
		templates: templates,
		adapter:   adapter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) AcquireHosts(ctx context.Context, request *v1.Request, template *v1.Template) (awsprovider.AcquireResult, error) {
	if len(request.ResourceIDs) > 0 {
		h.log.Info("request already owns an auto scaling group, skipping creation",
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
	groupName := GroupName(request.RequestID)
	input, err := h.buildInput(request, template, groupName, lt)
	if err != nil {
		return awsprovider.AcquireResult{}, err
	}

	if err := h.ops.DoCritical(ctx, "autoscaling", "CreateAutoScalingGroup", func(ctx context.Context) error {
		_, callErr := h.asgapi.CreateAutoScalingGroup(ctx, input)
		return callErr
	}); err != nil {
		if errors.APICode(err) != "AlreadyExists" {
			return awsprovider.AcquireResult{}, err
		}
		// The group name embeds the request id; an existing group is this
		// request's earlier attempt.
		h.log.Info("auto scaling group already exists, adopting",
			zap.String("request_id", request.RequestID), zap.String("group", groupName))
	} else {
		h.log.Info("created auto scaling group",
			zap.String("request_id", request.RequestID),
			zap.String("group", groupName),
			zap.Int("desired_capacity", request.MachineCount))
	}

	result := awsprovider.AcquireResult{ResourceIDs: []string{groupName}}
	probe := *request
	probe.ResourceIDs = result.ResourceIDs
	machines, err := h.CheckHostsStatus(ctx, &probe)
	if err != nil {
		h.log.Warn("describing group instances after create failed",
			zap.String("group", groupName), zap.Error(err))
		result.Message = "auto scaling group created, instances materialize asynchronously"
		return result, nil
	}
	result.Machines = machines
	if len(machines) == 0 {
		result.Message = "auto scaling group created, instances materialize asynchronously"
	}
	return result, nil
}

func (h *Handler) CheckHostsStatus(ctx context.Context, request *v1.Request) ([]*v1.Machine, error) {
	machines := []*v1.Machine{}
	for _, groupName := range request.ResourceIDs {
		group, found, err := h.describeGroup(ctx, groupName)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		instanceIDs := lo.Map(group.Instances, func(instance asgtypes.Instance, _ int) string {
			return aws.ToString(instance.InstanceId)
		})
		if len(instanceIDs) == 0 {
			continue
		}
		instances, err := h.ops.DescribeInstancesChunked(ctx, h.ec2api, instanceIDs)
		if err != nil {
			return nil, err
		}
		machines = append(machines, h.adapter.FromInstances(instances, request, groupName)...)
	}
	return machines, nil
}

// ReleaseHosts scales the group down around explicitly returned machines, or
// deletes it outright when the whole allocation comes back. Partial release
// reduces desired capacity first so the group does not immediately replace
// the instances it is about to lose, then detaches and terminates them.
func (h *Handler) ReleaseHosts(ctx context.Context, request *v1.Request) error {
	if len(request.MachineReferences) > 0 {
		return h.releaseMachines(ctx, request)
	}
	for _, groupName := range request.ResourceIDs {
		if err := h.deleteGroup(ctx, groupName); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) releaseMachines(ctx context.Context, request *v1.Request) error {
	refs := request.MachineReferences
	for _, groupName := range request.ResourceIDs {
		group, found, err := h.describeGroup(ctx, groupName)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		desired := aws.ToInt32(group.DesiredCapacity) - int32(len(refs))
		if desired < 0 {
			desired = 0
		}
		if err := h.ops.DoCritical(ctx, "autoscaling", "UpdateAutoScalingGroup", func(ctx context.Context) error {
			_, callErr := h.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
				AutoScalingGroupName: aws.String(groupName),
				DesiredCapacity:      aws.Int32(desired),
			})
			return callErr
		}); err != nil {
			return err
		}
		if err := h.ops.DoCritical(ctx, "autoscaling", "DetachInstances", func(ctx context.Context) error {
			_, callErr := h.asgapi.DetachInstances(ctx, &autoscaling.DetachInstancesInput{
				AutoScalingGroupName:           aws.String(groupName),
				InstanceIds:                    refs,
				ShouldDecrementDesiredCapacity: aws.Bool(true),
			})
			return callErr
		}); err != nil && !errors.IsNotFoundKind(err) {
			return err
		}
		h.log.Info("detached released machines from auto scaling group",
			zap.String("group", groupName), zap.Strings("machine_ids", refs))
		break
	}
	_, err := h.ops.TerminateInstancesChunked(ctx, h.ec2api, refs)
	return err
}

func (h *Handler) deleteGroup(ctx context.Context, groupName string) error {
	err := h.ops.DoCritical(ctx, "autoscaling", "DeleteAutoScalingGroup", func(ctx context.Context) error {
		_, callErr := h.asgapi.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(groupName),
			ForceDelete:          aws.Bool(true),
		})
		return callErr
	})
	if errors.IsNotFoundKind(err) {
		h.log.Debug("auto scaling group already deleted", zap.String("group", groupName))
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info("deleted auto scaling group", zap.String("group", groupName))
	return nil
}

func (h *Handler) describeGroup(ctx context.Context, groupName string) (asgtypes.AutoScalingGroup, bool, error) {
	var out *autoscaling.DescribeAutoScalingGroupsOutput
	err := h.ops.Do(ctx, "autoscaling", "DescribeAutoScalingGroups", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{groupName},
		})
		return callErr
	})
	if err != nil {
		if errors.IsNotFoundKind(err) {
			return asgtypes.AutoScalingGroup{}, false, nil
		}
		return asgtypes.AutoScalingGroup{}, false, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return asgtypes.AutoScalingGroup{}, false, nil
	}
	return out.AutoScalingGroups[0], true, nil
}

func (h *Handler) buildInput(request *v1.Request, template *v1.Template, groupName string,
	lt *launchtemplate.EnsureResult) (*autoscaling.CreateAutoScalingGroupInput, error) {
	tags := buildTags(request, template, groupName)

	if h.spec != nil && template.HasProviderAPISpec() {
		input, err := h.renderInput(request, template, groupName, lt)
		if err != nil {
			return nil, err
		}
		if input != nil {
			if len(input.Tags) == 0 {
				input.Tags = tags
			}
			return input, nil
		}
	}

	ltSpec := &asgtypes.LaunchTemplateSpecification{
		LaunchTemplateId: aws.String(lt.TemplateID),
		Version:          aws.String(lt.Version),
	}
	input := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(groupName),
		MinSize:              aws.Int32(0),
		DesiredCapacity:      aws.Int32(int32(request.MachineCount)),
		MaxSize:              aws.Int32(int32(2 * request.MachineCount)),
		VPCZoneIdentifier:    aws.String(strings.Join(template.SubnetIDs, ",")),
		Tags:                 tags,
	}
	weights := template.InstanceTypeWeights()
	if len(weights) > 1 || template.EffectivePriceType() == v1.PriceTypeSpot ||
		(template.AWS != nil && template.AWS.PercentOnDemand != nil) {
		input.MixedInstancesPolicy = mixedPolicy(template, ltSpec, weights)
	} else {
		input.LaunchTemplate = ltSpec
	}
	return input, nil
}

func mixedPolicy(template *v1.Template, ltSpec *asgtypes.LaunchTemplateSpecification, weights map[string]int32) *asgtypes.MixedInstancesPolicy {
	instanceTypes := lo.Keys(weights)
	sort.Strings(instanceTypes)
	overrides := lo.Map(instanceTypes, func(instanceType string, _ int) asgtypes.LaunchTemplateOverrides {
		override := asgtypes.LaunchTemplateOverrides{InstanceType: aws.String(instanceType)}
		if weight := weights[instanceType]; weight > 1 {
			override.WeightedCapacity = aws.String(strconv.Itoa(int(weight)))
		}
		return override
	})

	distribution := &asgtypes.InstancesDistribution{}
	switch {
	case template.AWS != nil && template.AWS.PercentOnDemand != nil:
		distribution.OnDemandPercentageAboveBaseCapacity = aws.Int32(int32(*template.AWS.PercentOnDemand))
		distribution.SpotAllocationStrategy = aws.String(template.ASGAllocationStrategy())
	case template.EffectivePriceType() == v1.PriceTypeSpot:
		distribution.OnDemandPercentageAboveBaseCapacity = aws.Int32(0)
		distribution.SpotAllocationStrategy = aws.String(template.ASGAllocationStrategy())
	default:
		distribution.OnDemandPercentageAboveBaseCapacity = aws.Int32(100)
	}
	return &asgtypes.MixedInstancesPolicy{
		LaunchTemplate: &asgtypes.LaunchTemplate{
			LaunchTemplateSpecification: ltSpec,
			Overrides:                   overrides,
		},
		InstancesDistribution: distribution,
	}
}

// buildTags renders the correlation and template tags in the auto scaling
// shape. PropagateAtLaunch carries them onto launched instances.
func buildTags(request *v1.Request, template *v1.Template, groupName string) []asgtypes.Tag {
	tags := awsprovider.RequestTags(request, template)
	keys := lo.Keys(tags)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) asgtypes.Tag {
		return asgtypes.Tag{
			Key:               aws.String(key),
			Value:             aws.String(tags[key]),
			PropagateAtLaunch: aws.Bool(true),
			ResourceId:        aws.String(groupName),
			ResourceType:      aws.String("auto-scaling-group"),
		}
	})
}

// renderInput produces the CreateAutoScalingGroupInput from the operator's
// native spec. The group name stays handler-owned so idempotent adoption
// keeps working whatever the spec renders.
func (h *Handler) renderInput(request *v1.Request, template *v1.Template, groupName string,
	lt *launchtemplate.EnsureResult) (*autoscaling.CreateAutoScalingGroupInput, error) {
	rendered, err := h.spec.RenderWithMerge(template, request, nativespec.Vars{
		"asg_name":                groupName,
		"launch_template_id":      lt.TemplateID,
		"launch_template_version": lt.Version,
	}, map[string]interface{}{
		"AutoScalingGroupName": groupName,
	})
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return nil, nil
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(rendered, &doc); err != nil {
		return nil, errors.NewConfiguration("parsing rendered auto scaling spec", err)
	}
	nativespec.CoerceNumericStrings(doc, numericSpecKeys...)
	input := &autoscaling.CreateAutoScalingGroupInput{}
	if err := json.Unmarshal(lo.Must(json.Marshal(doc)), input); err != nil {
		return nil, errors.NewConfiguration("provider api spec does not match the CreateAutoScalingGroup shape", err)
	}
	return input, nil
}
