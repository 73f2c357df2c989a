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

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// UnavailableCapacity stores offerings that recently returned insufficient
// capacity when we attempted to launch them. Handlers skip these offerings
// while the entry lives so repeated fleet requests don't burn retries on
// pools EC2 already told us are empty.
type UnavailableCapacity struct {
	// key: <priceType>:<instanceType>:<pool>, value: struct{}{}; pool is a
	// subnet id or an availability zone
	cache *cache.Cache
	log   *zap.Logger
}

func NewUnavailableCapacity(log *zap.Logger) *UnavailableCapacity {
	return &UnavailableCapacity{
		cache: cache.New(UnavailableCapacityTTL, DefaultCleanupInterval),
		log:   log.Named("unavailable-capacity"),
	}
}

// IsUnavailable returns true if the offering appears in the cache
func (u *UnavailableCapacity) IsUnavailable(instanceType, zone, priceType string) bool {
	_, found := u.cache.Get(u.key(instanceType, zone, priceType))
	return found
}

// MarkUnavailable communicates recently observed temporary capacity shortages in the provided offering
func (u *UnavailableCapacity) MarkUnavailable(reason, instanceType, zone, priceType string) {
	// even if the key is already in the cache, we still need to call Set to extend the cached entry's TTL
	u.log.Debug("marking offering unavailable",
		zap.String("reason", reason),
		zap.String("instance_type", instanceType),
		zap.String("zone", zone),
		zap.String("price_type", priceType),
		zap.Duration("ttl", UnavailableCapacityTTL))
	u.cache.SetDefault(u.key(instanceType, zone, priceType), struct{}{})
}

// MarkUnavailableForFleetErr records the offering named by a CreateFleet
// per-pool launch error. Fleet overrides are subnet scoped, so the subnet id
// is the pool key; the availability zone is the fallback for errors that only
// name a zone.
func (u *UnavailableCapacity) MarkUnavailableForFleetErr(fleetErr ec2types.CreateFleetError, priceType string) {
	if fleetErr.LaunchTemplateAndOverrides == nil || fleetErr.LaunchTemplateAndOverrides.Overrides == nil {
		return
	}
	overrides := fleetErr.LaunchTemplateAndOverrides.Overrides
	pool := aws.ToString(overrides.SubnetId)
	if pool == "" {
		pool = aws.ToString(overrides.AvailabilityZone)
	}
	u.MarkUnavailable(aws.ToString(fleetErr.ErrorCode), string(overrides.InstanceType), pool, priceType)
}

func (u *UnavailableCapacity) key(instanceType, zone, priceType string) string {
	return fmt.Sprintf("%s:%s:%s", priceType, instanceType, zone)
}
