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
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
)

// MachineAdapter normalizes EC2 instance structs into the broker's machine
// records. Handlers share one adapter per provider instance so that every
// machine carries the same provider attribution.
type MachineAdapter struct {
	providerName string
}

func NewMachineAdapter(providerName string) *MachineAdapter {
	return &MachineAdapter{providerName: providerName}
}

// FromInstance maps one EC2 instance to a machine owned by the given request
// and resource id. The machine name prefers the private DNS name since that
// is what the scheduler registers; instances too young to have one fall back
// to the instance id.
func (a *MachineAdapter) FromInstance(instance ec2types.Instance, request *v1.Request, resourceID string) *v1.Machine {
	instanceID := aws.ToString(instance.InstanceId)
	state := v1.InstanceStatePending
	if instance.State != nil {
		state = string(instance.State.Name)
	}
	name := aws.ToString(instance.PrivateDnsName)
	if name == "" {
		name = instanceID
	}
	priceType := v1.PriceTypeOnDemand
	if instance.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		priceType = v1.PriceTypeSpot
	}
	machine := &v1.Machine{
		MachineID:    instanceID,
		Name:         name,
		InstanceID:   instanceID,
		RequestID:    request.RequestID,
		TemplateID:   request.TemplateID,
		ResourceID:   resourceID,
		Status:       state,
		Result:       v1.ResultFromInstanceState(state),
		InstanceType: string(instance.InstanceType),
		PrivateIP:    aws.ToString(instance.PrivateIpAddress),
		PublicIP:     aws.ToString(instance.PublicIpAddress),
		PriceType:    priceType,
		ProviderName: a.providerName,
		ProviderType: ProviderType,
		ProviderAPI:  request.ProviderAPI,
		Tags:         instanceTags(instance),
	}
	if instance.Placement != nil {
		machine.AvailabilityZone = aws.ToString(instance.Placement.AvailabilityZone)
	}
	if instance.LaunchTime != nil {
		machine.LaunchTime = *instance.LaunchTime
	}
	return machine
}

// FromInstances maps a batch of instances for the same request and resource.
func (a *MachineAdapter) FromInstances(instances []ec2types.Instance, request *v1.Request, resourceID string) []*v1.Machine {
	machines := make([]*v1.Machine, 0, len(instances))
	for i := 0; i < len(instances); i++ {
		machines = append(machines, a.FromInstance(instances[i], request, resourceID))
	}
	return machines
}

// Placeholder records a machine known only by id, for instances the describe
// path cannot see yet. The status poller fills in the rest once the instance
// materializes.
func (a *MachineAdapter) Placeholder(instanceID string, request *v1.Request, resourceID string) *v1.Machine {
	return &v1.Machine{
		MachineID:    instanceID,
		Name:         instanceID,
		InstanceID:   instanceID,
		RequestID:    request.RequestID,
		TemplateID:   request.TemplateID,
		ResourceID:   resourceID,
		Status:       v1.InstanceStatePending,
		Result:       v1.MachineResultExecuting,
		ProviderName: a.providerName,
		ProviderType: ProviderType,
		ProviderAPI:  request.ProviderAPI,
	}
}

func instanceTags(instance ec2types.Instance) map[string]string {
	if len(instance.Tags) == 0 {
		return nil
	}
	tags := make(map[string]string, len(instance.Tags))
	for _, tag := range instance.Tags {
		if tag.Key == nil {
			continue
		}
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags
}
