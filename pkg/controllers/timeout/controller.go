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

// Package timeout fails processing requests whose deadline has passed. The
// deadline is fixed at creation from the request's timeout minutes; a request
// the status poller can no longer finish in time fails here instead of
// staying processing forever.
package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

var timedOutRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "requests",
		Name:      "timed_out_total",
		Help:      "Requests failed for exceeding their deadline, by request type.",
	},
	[]string{"request_type"},
)

func init() {
	metrics.MustRegister(timedOutRequests)
}

type Controller struct {
	log *zap.Logger
	uow storage.Factory
}

func NewController(log *zap.Logger, factory storage.Factory) *Controller {
	return &Controller{
		log: log.Named("timeout"),
		uow: factory,
	}
}

// Reconcile sweeps the processing requests once and fails every one past its
// deadline. The sweep is a single unit of work; machines already provisioned
// stay up and are handed back through a return request.
func (c *Controller) Reconcile(ctx context.Context) error {
	now := time.Now().UTC()
	return storage.Execute(ctx, c.uow, func(uow storage.UnitOfWork) error {
		requests, err := uow.Requests().FindBy(ctx, map[string]interface{}{
			"status": string(v1.RequestStatusProcessing),
		})
		if err != nil {
			return err
		}
		for _, request := range requests {
			if !request.IsTimedOut(now) {
				continue
			}
			if err := request.FailWithError(fmt.Sprintf("request timed out after %d minutes", request.TimeoutMinutes)); err != nil {
				return err
			}
			if err := uow.Requests().Save(ctx, request); err != nil {
				return err
			}
			timedOutRequests.WithLabelValues(string(request.RequestType)).Inc()
			c.log.Warn("request timed out",
				zap.String("request_id", request.RequestID),
				zap.String("request_type", string(request.RequestType)),
				zap.Time("deadline", request.GetTimeoutAt()),
				zap.Int("completed_machines", request.CompletedMachineCount),
				zap.Int("machine_count", request.MachineCount))
		}
		return nil
	})
}
