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

package cache

import "time"

const (
	// DefaultTTL restricts the default lifetime of any cached entry
	DefaultTTL = 5 * time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval
	DefaultCleanupInterval = 10 * time.Minute
	// UnavailableCapacityTTL is the time we consider an offering unusable after
	// EC2 reports insufficient capacity for it
	UnavailableCapacityTTL = 3 * time.Minute
	// SSMParameterTTL restricts the lifetime of resolved SSM image aliases
	SSMParameterTTL = time.Hour
	// LaunchTemplateTTL restricts the lifetime of cached launch template names
	LaunchTemplateTTL = 10 * time.Minute
	// TemplateConfigTTL restricts the lifetime of cached host template definitions
	TemplateConfigTTL = 5 * time.Minute
	// InstanceStatusTTL restricts the lifetime of cached instance status lookups
	InstanceStatusTTL = 30 * time.Second
)
