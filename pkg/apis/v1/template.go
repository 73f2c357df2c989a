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

package v1

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// ProviderAPI is the concrete provisioning verb within a provider type.
type ProviderAPI string

const (
	ProviderAPIEC2Fleet     ProviderAPI = "EC2Fleet"
	ProviderAPISpotFleet    ProviderAPI = "SpotFleet"
	ProviderAPIASG          ProviderAPI = "ASG"
	ProviderAPIRunInstances ProviderAPI = "RunInstances"
)

func KnownProviderAPIs() []ProviderAPI {
	return []ProviderAPI{ProviderAPIEC2Fleet, ProviderAPISpotFleet, ProviderAPIASG, ProviderAPIRunInstances}
}

type PriceType string

const (
	PriceTypeOnDemand PriceType = "ondemand"
	PriceTypeSpot     PriceType = "spot"
)

type FleetType string

const (
	FleetTypeInstant  FleetType = "instant"
	FleetTypeRequest  FleetType = "request"
	FleetTypeMaintain FleetType = "maintain"
)

// Template source tracking, recorded by the configuration loader.
const (
	TemplateFileTypeProviderInstance = "provider_instance"
	TemplateFileTypeProviderType     = "provider_type"
	TemplateFileTypeMain             = "main"
	TemplateFileTypeLegacy           = "legacy"
)

// Template is the immutable description of one acquirable machine shape.
// Reloads produce new values; templates are never mutated in place.
type Template struct {
	TemplateID         string            `json:"template_id"`
	Name               string            `json:"name,omitempty"`
	ProviderAPI        ProviderAPI       `json:"provider_api"`
	ImageID            string            `json:"image_id"`
	InstanceType       string            `json:"instance_type,omitempty"`
	InstanceTypes      map[string]int32  `json:"instance_types,omitempty"`
	SubnetIDs          []string          `json:"subnet_ids"`
	SecurityGroupIDs   []string          `json:"security_group_ids,omitempty"`
	MaxInstances       int               `json:"max_instances"`
	PriceType          PriceType         `json:"price_type,omitempty"`
	AllocationStrategy string            `json:"allocation_strategy,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	ProviderName       string            `json:"provider_name,omitempty"`
	ProviderType       string            `json:"provider_type,omitempty"`

	AWS *AWSTemplateExtensions `json:"aws,omitempty"`

	SourceFile string `json:"source_file,omitempty"`
	FileType   string `json:"file_type,omitempty"`
}

// AWSTemplateExtensions carries the optional AWS-only knobs. The core
// template composes them instead of inheriting, so other provider types can
// hang their own extension struct off the same core.
type AWSTemplateExtensions struct {
	FleetType              FleetType             `json:"fleet_type,omitempty"`
	FleetRole              string                `json:"fleet_role,omitempty"`
	KeyName                string                `json:"key_name,omitempty"`
	UserData               string                `json:"user_data,omitempty"`
	RootDeviceVolumeSize   int32                 `json:"root_device_volume_size,omitempty"`
	VolumeType             string                `json:"volume_type,omitempty"`
	Iops                   int32                 `json:"iops,omitempty"`
	InstanceProfile        string                `json:"instance_profile,omitempty"`
	PercentOnDemand        *int                  `json:"percent_on_demand,omitempty"`
	PoolsCount             int                   `json:"pools_count,omitempty"`
	LaunchTemplateID       string                `json:"launch_template_id,omitempty"`
	LaunchTemplateVersion  string                `json:"launch_template_version,omitempty"`
	AssignPublicIP         bool                  `json:"assign_public_ip,omitempty"`
	Monitoring             bool                  `json:"monitoring,omitempty"`
	InstanceRequirements   *InstanceRequirements `json:"instance_requirements,omitempty"`
	LaunchTemplateSpec     json.RawMessage       `json:"launch_template_spec,omitempty"`
	LaunchTemplateSpecFile string                `json:"launch_template_spec_file,omitempty"`
	ProviderAPISpec        json.RawMessage       `json:"provider_api_spec,omitempty"`
	ProviderAPISpecFile    string                `json:"provider_api_spec_file,omitempty"`
}

// InstanceRequirements selects instance types by attribute instead of by
// name.
type InstanceRequirements struct {
	VCPUCount *MinMax `json:"vcpu_count,omitempty"`
	MemoryMiB *MinMax `json:"memory_mib,omitempty"`
}

type MinMax struct {
	Min int32 `json:"min,omitempty"`
	Max int32 `json:"max,omitempty"`
}

// Validate enforces the template invariants, accumulating every violation.
func (t *Template) Validate() error {
	var errs error
	if t.TemplateID == "" {
		errs = multierr.Append(errs, fmt.Errorf("template id must be set"))
	}
	if !lo.Contains(KnownProviderAPIs(), t.ProviderAPI) {
		errs = multierr.Append(errs, fmt.Errorf("provider api %q is not one of %v", t.ProviderAPI, KnownProviderAPIs()))
	}
	if t.ImageID == "" {
		errs = multierr.Append(errs, fmt.Errorf("image id must be set"))
	}
	if len(t.SubnetIDs) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one subnet id must be set"))
	}
	if t.MaxInstances < 1 {
		errs = multierr.Append(errs, fmt.Errorf("max instances must be at least 1, got %d", t.MaxInstances))
	}
	if t.PriceType != "" && t.PriceType != PriceTypeOnDemand && t.PriceType != PriceTypeSpot {
		errs = multierr.Append(errs, fmt.Errorf("price type %q is not one of [%s, %s]", t.PriceType, PriceTypeOnDemand, PriceTypeSpot))
	}
	if t.AWS != nil {
		errs = multierr.Append(errs, t.AWS.validate(t.ProviderAPI))
	}
	if errs != nil {
		return errors.NewTemplateValidation(t.TemplateID, errs.Error())
	}
	return nil
}

func (e *AWSTemplateExtensions) validate(api ProviderAPI) error {
	var errs error
	if e.PercentOnDemand != nil && (*e.PercentOnDemand < 0 || *e.PercentOnDemand > 100) {
		errs = multierr.Append(errs, fmt.Errorf("percent on demand must be within [0, 100], got %d", *e.PercentOnDemand))
	}
	if len(e.LaunchTemplateSpec) > 0 && e.LaunchTemplateSpecFile != "" {
		errs = multierr.Append(errs, fmt.Errorf("launch_template_spec and launch_template_spec_file are mutually exclusive"))
	}
	if len(e.ProviderAPISpec) > 0 && e.ProviderAPISpecFile != "" {
		errs = multierr.Append(errs, fmt.Errorf("provider_api_spec and provider_api_spec_file are mutually exclusive"))
	}
	if e.LaunchTemplateVersion != "" && !validLaunchTemplateVersion(e.LaunchTemplateVersion) {
		errs = multierr.Append(errs, fmt.Errorf("launch template version %q must be $Latest, $Default, or a positive integer", e.LaunchTemplateVersion))
	}
	if e.FleetType != "" {
		switch api {
		case ProviderAPIEC2Fleet:
			if e.FleetType != FleetTypeInstant && e.FleetType != FleetTypeRequest && e.FleetType != FleetTypeMaintain {
				errs = multierr.Append(errs, fmt.Errorf("fleet type %q is not valid for EC2Fleet", e.FleetType))
			}
		case ProviderAPISpotFleet:
			if e.FleetType != FleetTypeRequest && e.FleetType != FleetTypeMaintain {
				errs = multierr.Append(errs, fmt.Errorf("fleet type %q is not valid for SpotFleet", e.FleetType))
			}
		}
	}
	return errs
}

func validLaunchTemplateVersion(version string) bool {
	if version == "$Latest" || version == "$Default" {
		return true
	}
	n, err := strconv.Atoi(version)
	return err == nil && n > 0
}

// EffectiveFleetType resolves the fleet type, defaulting per provider API
// when the template leaves it unset.
func (t *Template) EffectiveFleetType() FleetType {
	if t.AWS != nil && t.AWS.FleetType != "" {
		return t.AWS.FleetType
	}
	switch t.ProviderAPI {
	case ProviderAPISpotFleet:
		return FleetTypeRequest
	default:
		return FleetTypeInstant
	}
}

// EffectivePriceType defaults to on-demand.
func (t *Template) EffectivePriceType() PriceType {
	if t.PriceType == "" {
		return PriceTypeOnDemand
	}
	return t.PriceType
}

// InstanceTypeWeights returns the instance type pool with weights, falling
// back to the single configured type at weight one.
func (t *Template) InstanceTypeWeights() map[string]int32 {
	if len(t.InstanceTypes) > 0 {
		return t.InstanceTypes
	}
	if t.InstanceType != "" {
		return map[string]int32{t.InstanceType: 1}
	}
	return nil
}

// The template stores a provider-neutral allocation strategy; each provider
// API consumes its own spelling. Neutral values use the kebab-case EC2Fleet
// vocabulary; the mapping methods accept any of the three spellings on
// input.

func canonicalAllocationStrategy(s string) string {
	if s == "" {
		return ""
	}
	var out []rune
	for i, r := range s {
		switch {
		case r == '_':
			out = append(out, '-')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				out = append(out, '-')
			}
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// EC2FleetAllocationStrategy renders the kebab-case EC2Fleet spelling,
// defaulting by price type.
func (t *Template) EC2FleetAllocationStrategy() string {
	s := canonicalAllocationStrategy(t.AllocationStrategy)
	if s == "" {
		return lo.Ternary(t.EffectivePriceType() == PriceTypeSpot, "price-capacity-optimized", "lowest-price")
	}
	return s
}

// SpotFleetAllocationStrategy renders the camelCase SpotFleet spelling.
func (t *Template) SpotFleetAllocationStrategy() string {
	s := canonicalAllocationStrategy(t.AllocationStrategy)
	if s == "" {
		return "priceCapacityOptimized"
	}
	parts := strings.Split(s, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// ASGAllocationStrategy renders the snake-case spelling used by mixed
// instances policies.
func (t *Template) ASGAllocationStrategy() string {
	s := canonicalAllocationStrategy(t.AllocationStrategy)
	if s == "" {
		return "lowest_price"
	}
	return strings.ReplaceAll(s, "-", "_")
}

// HasProviderAPISpec reports whether the operator shipped a native
// provisioning payload, inline or by file.
func (t *Template) HasProviderAPISpec() bool {
	return t.AWS != nil && (len(t.AWS.ProviderAPISpec) > 0 || t.AWS.ProviderAPISpecFile != "")
}

// HasLaunchTemplateSpec reports whether the operator shipped a native launch
// template payload, inline or by file.
func (t *Template) HasLaunchTemplateSpec() bool {
	return t.AWS != nil && (len(t.AWS.LaunchTemplateSpec) > 0 || t.AWS.LaunchTemplateSpecFile != "")
}
