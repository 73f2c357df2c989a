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

package providers

import (
	"fmt"

	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
)

// ValidationLevel controls how findings are reported.
type ValidationLevel string

const (
	// ValidationStrict promotes warnings to errors.
	ValidationStrict ValidationLevel = "STRICT"
	// ValidationLenient reports warnings alongside errors.
	ValidationLenient ValidationLevel = "LENIENT"
	// ValidationBasic reports only errors and clears warnings.
	ValidationBasic ValidationLevel = "BASIC"
)

// Hard caps on machines per request by provisioning API.
const (
	MaxFleetMachineCount        = 1000
	MaxRunInstancesMachineCount = 100
)

// MaxMachineCountFor returns the hard cap for a provisioning API.
func MaxMachineCountFor(api v1.ProviderAPI) int {
	if api == v1.ProviderAPIRunInstances {
		return MaxRunInstancesMachineCount
	}
	return MaxFleetMachineCount
}

// ValidationReport carries the findings for one (template, provider
// instance) pair. Valid is false whenever errors remain after the level is
// applied.
type ValidationReport struct {
	Valid    bool            `json:"is_valid"`
	Level    ValidationLevel `json:"level"`
	Errors   []string        `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

func (r ValidationReport) HasFindings() bool {
	return len(r.Errors) > 0 || len(r.Warnings) > 0
}

// CapabilityService checks whether a provider instance can serve a template
// before any provisioning call is made.
type CapabilityService struct {
	log *zap.Logger
}

func NewCapabilityService(log *zap.Logger) *CapabilityService {
	return &CapabilityService{log: log.Named("provider-capability")}
}

// ValidateTemplateRequirements runs every capability check and folds the
// findings per the validation level.
func (s *CapabilityService) ValidateTemplateRequirements(template *v1.Template, instance config.ProviderInstanceConfig, machineCount int, level ValidationLevel) ValidationReport {
	report := ValidationReport{Level: level}
	if template == nil {
		report.Errors = append(report.Errors, "template is required")
		return finishReport(report)
	}

	s.checkAPIDeclared(template, instance, &report)
	s.checkPriceType(template, &report)
	s.checkMachineCount(template, machineCount, &report)
	s.checkFleetType(template, &report)
	s.checkFleetRole(template, &report)

	switch level {
	case ValidationStrict:
		report.Errors = append(report.Errors, report.Warnings...)
		report.Warnings = nil
	case ValidationBasic:
		report.Warnings = nil
	}
	return finishReport(report)
}

// checkAPIDeclared requires the template's provider API in the instance's
// capability list; an empty list declares the full set.
func (s *CapabilityService) checkAPIDeclared(template *v1.Template, instance config.ProviderInstanceConfig, report *ValidationReport) {
	if !instanceSupportsAPI(instance, template.ProviderAPI) {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"provider instance %q does not declare capability %q", instance.Name, template.ProviderAPI))
	}
}

// checkPriceType rejects spot pricing on RunInstances, which provisions
// on-demand capacity only.
func (s *CapabilityService) checkPriceType(template *v1.Template, report *ValidationReport) {
	if template.EffectivePriceType() == v1.PriceTypeSpot && template.ProviderAPI == v1.ProviderAPIRunInstances {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"provider api %q does not support spot instances", template.ProviderAPI))
	}
}

func (s *CapabilityService) checkMachineCount(template *v1.Template, machineCount int, report *ValidationReport) {
	if machineCount <= 0 {
		return
	}
	if limit := MaxMachineCountFor(template.ProviderAPI); machineCount > limit {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"machine count %d exceeds the %s cap of %d", machineCount, template.ProviderAPI, limit))
	}
	if template.MaxInstances > 0 && machineCount > template.MaxInstances {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"machine count %d exceeds template max_instances %d", machineCount, template.MaxInstances))
	}
}

// checkFleetType enforces per-API fleet type vocabulary: SpotFleet has no
// instant mode, and the field means nothing outside the fleet APIs.
func (s *CapabilityService) checkFleetType(template *v1.Template, report *ValidationReport) {
	if template.AWS == nil || template.AWS.FleetType == "" {
		return
	}
	switch template.ProviderAPI {
	case v1.ProviderAPISpotFleet:
		if template.AWS.FleetType == v1.FleetTypeInstant {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"fleet type %q is not supported by SpotFleet", template.AWS.FleetType))
		}
	case v1.ProviderAPIASG, v1.ProviderAPIRunInstances:
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"fleet type %q is ignored by provider api %q", template.AWS.FleetType, template.ProviderAPI))
	}
}

// checkFleetRole requires the IAM fleet role SpotFleet cannot run without.
func (s *CapabilityService) checkFleetRole(template *v1.Template, report *ValidationReport) {
	if template.ProviderAPI != v1.ProviderAPISpotFleet {
		return
	}
	if template.AWS == nil || template.AWS.FleetRole == "" {
		report.Errors = append(report.Errors, "SpotFleet requires a fleet_role")
	}
}

func finishReport(report ValidationReport) ValidationReport {
	report.Valid = len(report.Errors) == 0
	return report
}
