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
	"context"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
)

// AcquireResult is what a host handler reports back after submitting
// capacity. ResourceIDs always carries at least one cloud-side handle on
// success; Machines is populated only for provisioning paths that return
// instances synchronously (instant fleets, RunInstances). Asynchronous fleet
// types leave Machines empty and rely on CheckHostsStatus to discover
// instances as they materialize.
type AcquireResult struct {
	ResourceIDs []string
	Machines    []*v1.Machine
	Message     string
}

// HostHandler is the per-provisioning-API contract. One implementation
// exists per provider API (EC2Fleet, SpotFleet, ASG, RunInstances); the
// Strategy routes operations to the handler matching the template's or
// request's recorded API.
//
// AcquireHosts must be idempotent at the resource-id level: invoked twice
// with the same request it must not create a second fleet. CheckHostsStatus
// must not mutate cloud state. ReleaseHosts scales down or deletes the
// resources recorded on the request and terminates any instances named in
// request.MachineReferences.
type HostHandler interface {
	AcquireHosts(ctx context.Context, request *v1.Request, template *v1.Template) (AcquireResult, error)
	CheckHostsStatus(ctx context.Context, request *v1.Request) ([]*v1.Machine, error)
	ReleaseHosts(ctx context.Context, request *v1.Request) error
}

// TemplateValidator is implemented by handlers that have API-specific
// template requirements beyond aggregate validation, e.g. the SpotFleet
// handler verifying that the configured fleet role exists in IAM.
type TemplateValidator interface {
	ValidateTemplate(ctx context.Context, template *v1.Template) error
}

// TemplateSource lists the host templates available on this provider
// instance. The strategy only advertises the template listing operation when
// a source is wired.
type TemplateSource interface {
	ListTemplates(ctx context.Context) ([]*v1.Template, error)
}

// ImageResolver turns image aliases (SSM parameter references) into concrete
// AMI ids before a launch template is built.
type ImageResolver interface {
	Resolve(ctx context.Context, imageID string) (string, error)
}
