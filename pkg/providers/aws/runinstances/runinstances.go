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

// Package runinstances provisions hosts with a direct RunInstances call. It
// is the simplest provisioning path: one subnet, one instance type, and the
// whole count in a single synchronous launch. The reservation id serves as
// the resource handle.
package runinstances

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/launchtemplate"
)

type Handler struct {
	log         *zap.Logger
	ec2api      sdk.EC2API
	ops         *awsops.Operations
	templates   *launchtemplate.Manager
	adapter     *awsprovider.MachineAdapter
	unavailable *cache.UnavailableCapacity
}

func NewHandler(log *zap.Logger, ec2api sdk.EC2API, ops *awsops.Operations, templates *launchtemplate.Manager,
	adapter *awsprovider.MachineAdapter, unavailable *cache.UnavailableCapacity) *Handler {
	return &Handler{
		log:         log.Named("runinstances"),
		ec2api:      ec2api,
		ops:         ops,
		templates:   templates,
		adapter:     adapter,
		unavailable: unavailable,
	}
}

func (h *Handler) AcquireHosts(ctx context.Context, request *v1.Request, template *v1.Template) (awsprovider.AcquireResult, error) {
	if len(request.ResourceIDs) > 0 {
		h.log.Info("request already owns a reservation, skipping launch",
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
	priceType := string(template.EffectivePriceType())
	subnetID, ok := h.pickSubnet(template, priceType)
	if !ok {
		return awsprovider.AcquireResult{}, errors.Newf(errors.KindCapacity, errors.CodeInsufficientCapacity,
			"all %d subnets for template %q recently reported insufficient capacity", len(template.SubnetIDs), template.TemplateID)
	}

	input := &ec2.RunInstancesInput{
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(lt.TemplateID),
			Version:          aws.String(lt.Version),
		},
		MinCount:          aws.Int32(int32(request.MachineCount)),
		MaxCount:          aws.Int32(int32(request.MachineCount)),
		SubnetId:          aws.String(subnetID),
		ClientToken:       aws.String(request.RequestID),
		TagSpecifications: awsprovider.TagSpecifications(awsprovider.RequestTags(request, template), ec2types.ResourceTypeInstance),
	}
	if template.EffectivePriceType() == v1.PriceTypeSpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{MarketType: ec2types.MarketTypeSpot}
	}

	var out *ec2.RunInstancesOutput
	if err := h.ops.DoCritical(ctx, "ec2", "RunInstances", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.RunInstances(ctx, input)
		return callErr
	}); err != nil {
		if errors.IsCapacity(err) {
			h.unavailable.MarkUnavailable(errors.APICode(err), template.InstanceType, subnetID, priceType)
		}
		return awsprovider.AcquireResult{}, err
	}

	reservationID := aws.ToString(out.ReservationId)
	h.log.Info("launched instances",
		zap.String("request_id", request.RequestID),
		zap.String("reservation_id", reservationID),
		zap.Int("count", len(out.Instances)))
	return awsprovider.AcquireResult{
		ResourceIDs: []string{reservationID},
		Machines:    h.adapter.FromInstances(out.Instances, request, reservationID),
	}, nil
}

func (h *Handler) CheckHostsStatus(ctx context.Context, request *v1.Request) ([]*v1.Machine, error) {
	machines := []*v1.Machine{}
	for _, reservationID := range request.ResourceIDs {
		instances, err := h.describeReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		machines = append(machines, h.adapter.FromInstances(instances, request, reservationID)...)
	}
	return machines, nil
}

func (h *Handler) ReleaseHosts(ctx context.Context, request *v1.Request) error {
	if len(request.MachineReferences) > 0 {
		_, err := h.ops.TerminateInstancesChunked(ctx, h.ec2api, request.MachineReferences)
		return err
	}
	for _, reservationID := range request.ResourceIDs {
		instances, err := h.describeReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		instanceIDs := make([]string, 0, len(instances))
		for i := 0; i < len(instances); i++ {
			if instances[i].State != nil && instances[i].State.Name == ec2types.InstanceStateNameTerminated {
				continue
			}
			instanceIDs = append(instanceIDs, aws.ToString(instances[i].InstanceId))
		}
		if len(instanceIDs) == 0 {
			continue
		}
		if _, err := h.ops.TerminateInstancesChunked(ctx, h.ec2api, instanceIDs); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) describeReservation(ctx context.Context, reservationID string) ([]ec2types.Instance, error) {
	var out *ec2.DescribeInstancesOutput
	err := h.ops.Do(ctx, "ec2", "DescribeInstances", func(ctx context.Context) error {
		var callErr error
		out, callErr = h.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("reservation-id"),
				Values: []string{reservationID},
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
	return instances, nil
}

// pickSubnet returns the first subnet without a fresh insufficient-capacity
// record. RunInstances targets exactly one subnet per call.
func (h *Handler) pickSubnet(template *v1.Template, priceType string) (string, bool) {
	for _, subnetID := range template.SubnetIDs {
		if !h.unavailable.IsUnavailable(template.InstanceType, subnetID, priceType) {
			return subnetID, true
		}
	}
	return "", false
}
