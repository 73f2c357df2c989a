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

// Package health probes every registered provider strategy on a fixed cadence
// so circuit breakers recover and the health gauge stays current without
// waiting for scheduler traffic.
package health

import (
	"context"

	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
)

type Controller struct {
	log       *zap.Logger
	providers *providers.Context

	// last observed health per strategy, to log transitions once instead of
	// every pass.
	previous map[string]bool
}

func NewController(log *zap.Logger, providerCtx *providers.Context) *Controller {
	return &Controller{
		log:       log.Named("health"),
		providers: providerCtx,
		previous:  map[string]bool{},
	}
}

// Reconcile checks every strategy once. The registry records the results and
// moves the gauge; this pass only reports changes.
func (c *Controller) Reconcile(ctx context.Context) error {
	statuses := c.providers.CheckAllHealth(ctx)
	for name, status := range statuses {
		before, seen := c.previous[name]
		c.previous[name] = status.Healthy
		if seen && before == status.Healthy {
			continue
		}
		if status.Healthy {
			c.log.Info("provider healthy", zap.String("provider", name))
			continue
		}
		c.log.Warn("provider unhealthy",
			zap.String("provider", name),
			zap.String("message", status.Message))
	}
	for name := range c.previous {
		if _, ok := statuses[name]; !ok {
			delete(c.previous, name)
		}
	}
	return nil
}
