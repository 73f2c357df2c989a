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
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// ASGBehavior must be reset between tests otherwise tests will
// pollute each other.
type ASGBehavior struct {
	CreateAutoScalingGroupBehavior    MockedFunction[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateAutoScalingGroupBehavior    MockedFunction[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DeleteAutoScalingGroupBehavior    MockedFunction[autoscaling.DeleteAutoScalingGroupInput, autoscaling.DeleteAutoScalingGroupOutput]
	DescribeAutoScalingGroupsBehavior MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	DetachInstancesBehavior           MockedFunction[autoscaling.DetachInstancesInput, autoscaling.DetachInstancesOutput]
	SetDesiredCapacityBehavior        MockedFunction[autoscaling.SetDesiredCapacityInput, autoscaling.SetDesiredCapacityOutput]
}

// ASGAPI is an in-memory double for the Auto Scaling operations the broker
// calls. Instances the fake launches are recorded in the shared EC2 store so
// that DescribeInstances and TerminateInstances observe them.
type ASGAPI struct {
	sdk.ASGAPI
	ASGBehavior

	Groups sync.Map // group name -> asgtypes.AutoScalingGroup

	ec2     *EC2API
	stateMu sync.Mutex
}

func NewASGAPI(ec2api *EC2API) *ASGAPI {
	return &ASGAPI{ec2: ec2api}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *ASGAPI) Reset() {
	a.CreateAutoScalingGroupBehavior.Reset()
	a.UpdateAutoScalingGroupBehavior.Reset()
	a.DeleteAutoScalingGroupBehavior.Reset()
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.DetachInstancesBehavior.Reset()
	a.SetDesiredCapacityBehavior.Reset()
	a.Groups.Clear()
}

func (a *ASGAPI) CreateAutoScalingGroup(_ context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	return a.CreateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		name := aws.ToString(input.AutoScalingGroupName)
		if name == "" {
			return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "AutoScalingGroupName is required"}
		}
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		if _, ok := a.Groups.Load(name); ok {
			return nil, &asgtypes.AlreadyExistsFault{Message: lo.ToPtr(fmt.Sprintf("group %s already exists", name))}
		}
		group := asgtypes.AutoScalingGroup{
			AutoScalingGroupName: lo.ToPtr(name),
			AutoScalingGroupARN:  lo.ToPtr(fmt.Sprintf("arn:aws:autoscaling:us-east-1:%s:autoScalingGroup:%s:autoScalingGroupName/%s", DefaultAccountID, uuid.NewString(), name)),
			MinSize:              input.MinSize,
			MaxSize:              input.MaxSize,
			DesiredCapacity:      input.DesiredCapacity,
			CreatedTime:          lo.ToPtr(time.Now()),
			LaunchTemplate:       input.LaunchTemplate,
			MixedInstancesPolicy: input.MixedInstancesPolicy,
			VPCZoneIdentifier:    input.VPCZoneIdentifier,
			HealthCheckType:      lo.ToPtr(lo.Ternary(aws.ToString(input.HealthCheckType) != "", aws.ToString(input.HealthCheckType), "EC2")),
			Tags: lo.Map(input.Tags, func(tag asgtypes.Tag, _ int) asgtypes.TagDescription {
				return asgtypes.TagDescription{
					Key:               tag.Key,
					Value:             tag.Value,
					PropagateAtLaunch: tag.PropagateAtLaunch,
					ResourceId:        lo.ToPtr(name),
					ResourceType:      lo.ToPtr("auto-scaling-group"),
				}
			}),
		}
		if group.DesiredCapacity == nil {
			group.DesiredCapacity = input.MinSize
		}
		a.launchIntoGroup(&group, int(aws.ToInt32(group.DesiredCapacity)), input.Tags)
		a.Groups.Store(name, group)
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	})
}

func (a *ASGAPI) UpdateAutoScalingGroup(_ context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	return a.UpdateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		if input.MinSize != nil {
			group.MinSize = input.MinSize
		}
		if input.MaxSize != nil {
			group.MaxSize = input.MaxSize
		}
		if input.DesiredCapacity != nil {
			group.DesiredCapacity = input.DesiredCapacity
			a.reconcile(&group)
		}
		a.Groups.Store(aws.ToString(group.AutoScalingGroupName), group)
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	})
}

func (a *ASGAPI) SetDesiredCapacity(_ context.Context, input *autoscaling.SetDesiredCapacityInput, _ ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	return a.SetDesiredCapacityBehavior.Invoke(input, func(input *autoscaling.SetDesiredCapacityInput) (*autoscaling.SetDesiredCapacityOutput, error) {
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		group.DesiredCapacity = input.DesiredCapacity
		a.reconcile(&group)
		a.Groups.Store(aws.ToString(group.AutoScalingGroupName), group)
		return &autoscaling.SetDesiredCapacityOutput{}, nil
	})
}

func (a *ASGAPI) DetachInstances(_ context.Context, input *autoscaling.DetachInstancesInput, _ ...func(*autoscaling.Options)) (*autoscaling.DetachInstancesOutput, error) {
	return a.DetachInstancesBehavior.Invoke(input, func(input *autoscaling.DetachInstancesInput) (*autoscaling.DetachInstancesOutput, error) {
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		group.Instances = lo.Filter(group.Instances, func(instance asgtypes.Instance, _ int) bool {
			return !lo.Contains(input.InstanceIds, aws.ToString(instance.InstanceId))
		})
		if aws.ToBool(input.ShouldDecrementDesiredCapacity) {
			desired := aws.ToInt32(group.DesiredCapacity) - int32(len(input.InstanceIds))
			if desired < 0 {
				desired = 0
			}
			group.DesiredCapacity = lo.ToPtr(desired)
		}
		a.Groups.Store(aws.ToString(group.AutoScalingGroupName), group)
		out := &autoscaling.DetachInstancesOutput{}
		for _, id := range input.InstanceIds {
			out.Activities = append(out.Activities, asgtypes.Activity{
				ActivityId:           lo.ToPtr(uuid.NewString()),
				AutoScalingGroupName: group.AutoScalingGroupName,
				Cause:                lo.ToPtr(fmt.Sprintf("instance %s detached at user request", id)),
				StartTime:            lo.ToPtr(time.Now()),
				StatusCode:           asgtypes.ScalingActivityStatusCodeSuccessful,
				Progress:             lo.ToPtr[int32](100),
			})
		}
		return out, nil
	})
}

func (a *ASGAPI) DeleteAutoScalingGroup(_ context.Context, input *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	return a.DeleteAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		if len(group.Instances) > 0 && !aws.ToBool(input.ForceDelete) {
			return nil, &asgtypes.ResourceInUseFault{Message: lo.ToPtr(fmt.Sprintf("group %s still has instances", aws.ToString(group.AutoScalingGroupName)))}
		}
		a.ec2.terminate(lo.Map(group.Instances, func(instance asgtypes.Instance, _ int) string {
			return aws.ToString(instance.InstanceId)
		}))
		a.Groups.Delete(aws.ToString(group.AutoScalingGroupName))
		return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
	})
}

func (a *ASGAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		out := &autoscaling.DescribeAutoScalingGroupsOutput{}
		a.Groups.Range(func(_, value interface{}) bool {
			group := value.(asgtypes.AutoScalingGroup)
			if len(input.AutoScalingGroupNames) > 0 && !lo.Contains(input.AutoScalingGroupNames, aws.ToString(group.AutoScalingGroupName)) {
				return true
			}
			out.AutoScalingGroups = append(out.AutoScalingGroups, group)
			return true
		})
		return out, nil
	})
}

// group returns a copy of the named group. Mutations must be written back
// with Store.
func (a *ASGAPI) group(name string) (asgtypes.AutoScalingGroup, error) {
	value, ok := a.Groups.Load(name)
	if !ok {
		return asgtypes.AutoScalingGroup{}, &smithy.GenericAPIError{Code: "ValidationError", Message: fmt.Sprintf("group %s not found", name)}
	}
	return value.(asgtypes.AutoScalingGroup), nil
}

// reconcile drives the group's instance count to its desired capacity.
func (a *ASGAPI) reconcile(group *asgtypes.AutoScalingGroup) {
	desired := int(aws.ToInt32(group.DesiredCapacity))
	switch current := len(group.Instances); {
	case current < desired:
		a.launchIntoGroup(group, desired-current, nil)
	case current > desired:
		excess := group.Instances[desired:]
		group.Instances = group.Instances[:desired]
		a.ec2.terminate(lo.Map(excess, func(instance asgtypes.Instance, _ int) string {
			return aws.ToString(instance.InstanceId)
		}))
	}
}

//nolint:gocyclo
func (a *ASGAPI) launchIntoGroup(group *asgtypes.AutoScalingGroup, count int, creationTags []asgtypes.Tag) {
	instanceType := defaultInstanceType
	imageID := ""
	spec := group.LaunchTemplate
	if group.MixedInstancesPolicy != nil && group.MixedInstancesPolicy.LaunchTemplate != nil {
		spec = group.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification
		if overrides := group.MixedInstancesPolicy.LaunchTemplate.Overrides; len(overrides) > 0 && overrides[0].InstanceType != nil {
			instanceType = ec2types.InstanceType(*overrides[0].InstanceType)
		}
	}
	if spec != nil {
		if record, err := a.ec2.findLaunchTemplate(aws.ToString(spec.LaunchTemplateId), aws.ToString(spec.LaunchTemplateName)); err == nil {
			if data := record.Versions[len(record.Versions)-1].LaunchTemplateData; data != nil {
				if instanceType == defaultInstanceType && data.InstanceType != "" {
					instanceType = data.InstanceType
				}
				imageID = aws.ToString(data.ImageId)
			}
		}
	}
	subnetID := ""
	if zones := strings.Split(aws.ToString(group.VPCZoneIdentifier), ","); len(zones) > 0 {
		subnetID = strings.TrimSpace(zones[0])
	}
	tags := []ec2types.Tag{{Key: lo.ToPtr("aws:autoscaling:groupName"), Value: group.AutoScalingGroupName}}
	for _, tag := range creationTags {
		if aws.ToBool(tag.PropagateAtLaunch) {
			tags = append(tags, ec2types.Tag{Key: tag.Key, Value: tag.Value})
		}
	}
	for i := 0; i < count; i++ {
		instance := a.ec2.launchInstance(instanceType, defaultZone, subnetID, imageID, false, tags)
		group.Instances = append(group.Instances, asgtypes.Instance{
			InstanceId:           instance.InstanceId,
			InstanceType:         lo.ToPtr(string(instance.InstanceType)),
			AvailabilityZone:     instance.Placement.AvailabilityZone,
			LifecycleState:       asgtypes.LifecycleStateInService,
			HealthStatus:         lo.ToPtr("Healthy"),
			LaunchTemplate:       spec,
			ProtectedFromScaleIn: lo.ToPtr(false),
		})
	}
}
