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

// Package status drives processing requests to their terminal state. Each
// pass polls the provider for the instances behind every processing request,
// folds the observed states into the machine inventory and the request's
// progress, and completes or fails the request when the outcome is decided.
// Acquisitions that never reached the provider are re-dispatched here under
// the request's retry budget.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/templates"
)

var completedRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "requests",
		Name:      "completed_total",
		Help:      "Requests driven to completed by the status poller, by request type.",
	},
	[]string{"request_type"},
)

func init() {
	metrics.MustRegister(completedRequests)
}

type Controller struct {
	log       *zap.Logger
	uow       storage.Factory
	providers *providers.Context
	templates *templates.Manager
	workers   int
}

func NewController(log *zap.Logger, factory storage.Factory, providerCtx *providers.Context,
	templateManager *templates.Manager, workers int) *Controller {
	if workers < 1 {
		workers = 1
	}
	return &Controller{
		log:       log.Named("status"),
		uow:       factory,
		providers: providerCtx,
		templates: templateManager,
		workers:   workers,
	}
}

// Reconcile runs one pass over every processing request. Requests are
// reconciled in parallel under the worker limit, each in its own unit of
// work; one request's failure never blocks the others.
func (c *Controller) Reconcile(ctx context.Context) error {
	var ids []string
	err := storage.Execute(ctx, c.uow, func(uow storage.UnitOfWork) error {
		requests, err := uow.Requests().FindBy(ctx, map[string]interface{}{
			"status": string(v1.RequestStatusProcessing),
		})
		if err != nil {
			return err
		}
		for _, request := range requests {
			ids = append(ids, request.RequestID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := c.reconcileRequest(ctx, id); err != nil && ctx.Err() == nil {
				c.log.Warn("request reconciliation failed",
					zap.String("request_id", id),
					zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (c *Controller) reconcileRequest(ctx context.Context, id string) error {
	return storage.Execute(ctx, c.uow, func(uow storage.UnitOfWork) error {
		request, ok, err := uow.Requests().GetByID(ctx, id)
		if err != nil {
			return err
		}
		// Listed and reconciled in separate units of work; the request may
		// have completed, cancelled or timed out in between.
		if !ok || request.Status != v1.RequestStatusProcessing {
			return nil
		}
		if request.RequestType == v1.RequestTypeReturn {
			return c.reconcileReturn(ctx, uow, request)
		}
		return c.reconcileAcquisition(ctx, uow, request)
	})
}

// reconcileAcquisition folds the provider's view of the request's instances
// into the inventory and the request progress. An acquisition without
// resource ids never reached the provider and is re-dispatched first.
func (c *Controller) reconcileAcquisition(ctx context.Context, uow storage.UnitOfWork, request *v1.Request) error {
	if len(request.ResourceIDs) == 0 {
		return c.redriveCreate(ctx, uow, request)
	}

	op := providers.NewOperation(providers.OperationGetInstanceStatus, c.operationContext(request)).
		WithParameter(providers.ParamRequest, request)
	result := c.providers.ExecuteWithStrategy(ctx, request.ProviderName, op)
	if !result.Success {
		return c.recordStatusFailure(ctx, uow, request, result)
	}

	running := 0
	succeeded := make([]string, 0, request.MachineCount)
	for _, machine := range result.Machines() {
		if err := uow.Machines().Save(ctx, machine); err != nil {
			return err
		}
		request.AddMachineReference(machine.MachineID)
		if machine.Result == v1.MachineResultSucceed {
			running++
			succeeded = append(succeeded, machine.MachineID)
		}
	}

	if running >= request.MachineCount {
		message := fmt.Sprintf("all %d machines running", request.MachineCount)
		if err := request.CompleteSuccessfully(succeeded, message); err != nil {
			return err
		}
		completedRequests.WithLabelValues(string(request.RequestType)).Inc()
		c.log.Info("acquisition completed",
			zap.String("request_id", request.RequestID),
			zap.Int("machine_count", request.MachineCount))
		return uow.Requests().Save(ctx, request)
	}

	progress := running
	if progress > request.MachineCount {
		progress = request.MachineCount
	}
	message := fmt.Sprintf("%d of %d machines running", running, request.MachineCount)
	if err := request.UpdateProgress(progress, message); err != nil {
		return err
	}
	return uow.Requests().Save(ctx, request)
}

// reconcileReturn watches the returned machines drain. A machine the
// provider no longer reports, or reports terminated, is done; the request
// completes once every referenced machine is gone.
func (c *Controller) reconcileReturn(ctx context.Context, uow storage.UnitOfWork, request *v1.Request) error {
	op := providers.NewOperation(providers.OperationGetInstanceStatus, c.operationContext(request)).
		WithParameter(providers.ParamRequest, request)
	result := c.providers.ExecuteWithStrategy(ctx, request.ProviderName, op)
	if !result.Success {
		// The backing resource disappearing entirely means every instance is
		// gone, which is the outcome a return wants.
		if errors.IsNotFoundKind(result.Err) {
			return c.completeReturn(ctx, uow, request)
		}
		return c.recordStatusFailure(ctx, uow, request, result)
	}

	reported := map[string]*v1.Machine{}
	for _, machine := range result.Machines() {
		reported[machine.MachineID] = machine
	}

	pending := 0
	for _, id := range request.MachineReferences {
		observed, known := reported[id]
		stored, ok, err := uow.Machines().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !known || observed.Status == v1.InstanceStateTerminated {
			if ok {
				stored.MarkTerminated()
				if err := uow.Machines().Save(ctx, stored); err != nil {
					return err
				}
			}
			continue
		}
		pending++
		if ok {
			stored.Status = observed.Status
			if err := uow.Machines().Save(ctx, stored); err != nil {
				return err
			}
		}
	}

	if pending == 0 {
		return c.completeReturn(ctx, uow, request)
	}
	done := len(request.MachineReferences) - pending
	message := fmt.Sprintf("%d of %d machines terminated", done, len(request.MachineReferences))
	if err := request.UpdateProgress(done, message); err != nil {
		return err
	}
	return uow.Requests().Save(ctx, request)
}

func (c *Controller) completeReturn(ctx context.Context, uow storage.UnitOfWork, request *v1.Request) error {
	for _, id := range request.MachineReferences {
		stored, ok, err := uow.Machines().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		stored.MarkTerminated()
		if err := uow.Machines().Save(ctx, stored); err != nil {
			return err
		}
	}
	message := fmt.Sprintf("%d machines returned", len(request.MachineReferences))
	if err := request.CompleteSuccessfully(request.MachineReferences, message); err != nil {
		return err
	}
	completedRequests.WithLabelValues(string(request.RequestType)).Inc()
	c.log.Info("return completed",
		zap.String("request_id", request.RequestID),
		zap.Int("machine_count", len(request.MachineReferences)))
	return uow.Requests().Save(ctx, request)
}

// redriveCreate re-dispatches an acquisition whose create never produced a
// resource. The dispatch consumes the request's retry budget the same way the
// original command did; the template vanishing in the meantime is permanent.
func (c *Controller) redriveCreate(ctx context.Context, uow storage.UnitOfWork, request *v1.Request) error {
	template, err := c.templates.GetTemplate(ctx, request.TemplateID)
	if err != nil {
		if errors.IsNotFoundKind(err) {
			c.log.Error("template gone, failing acquisition",
				zap.String("request_id", request.RequestID),
				zap.String("template_id", request.TemplateID))
			if failErr := request.FailWithError(fmt.Sprintf("template %q no longer exists", request.TemplateID)); failErr != nil {
				return failErr
			}
			return uow.Requests().Save(ctx, request)
		}
		return err
	}

	op := providers.NewOperation(providers.OperationCreateInstances, c.operationContext(request)).
		WithParameter(providers.ParamRequest, request).
		WithParameter(providers.ParamTemplate, template)
	result := c.providers.ExecuteWithStrategy(ctx, request.ProviderName, op)
	if !result.Success {
		if err := c.recordDispatchFailure(request, result); err != nil {
			return err
		}
		return uow.Requests().Save(ctx, request)
	}

	for _, id := range result.ResourceIDs() {
		request.AddResourceID(id)
	}
	for _, machine := range result.Machines() {
		request.AddMachineReference(machine.MachineID)
		if err := uow.Machines().Save(ctx, machine); err != nil {
			return err
		}
	}
	c.log.Info("acquisition re-dispatched",
		zap.String("request_id", request.RequestID),
		zap.Strings("resource_ids", request.ResourceIDs),
		zap.Int("retry_count", request.RetryCount))
	return uow.Requests().Save(ctx, request)
}

func (c *Controller) operationContext(request *v1.Request) providers.OperationContext {
	return providers.OperationContext{
		CorrelationID: request.RequestID,
		CallerID:      request.RequesterID,
		RequestedAt:   time.Now().UTC(),
	}
}

// recordStatusFailure applies the propagation policy to a failed status poll.
// A recoverable failure leaves the request untouched for the next pass
// without consuming the retry budget; the per-call retries underneath already
// absorbed the transient, and the timeout controller bounds how long a
// request can stay stuck. Permanent failures fail the request.
func (c *Controller) recordStatusFailure(ctx context.Context, uow storage.UnitOfWork, request *v1.Request, result providers.Result) error {
	message := result.ErrorMessage
	if message == "" && result.Err != nil {
		message = result.Err.Error()
	}
	if errors.IsRecoverable(result.Err) {
		c.log.Warn("status poll failed, will retry next pass",
			zap.String("request_id", request.RequestID),
			zap.String("error_code", result.ErrorCode),
			zap.String("error", message))
		return nil
	}
	c.log.Error("status poll failed permanently",
		zap.String("request_id", request.RequestID),
		zap.String("error_code", result.ErrorCode),
		zap.String("error", message))
	if err := request.FailWithError(message); err != nil {
		return err
	}
	return uow.Requests().Save(ctx, request)
}

// recordDispatchFailure applies the propagation policy to a failed
// re-dispatch. Recoverable failures keep the request processing while the
// retry budget lasts; an exhausted budget or a permanent failure fails the
// request.
func (c *Controller) recordDispatchFailure(request *v1.Request, result providers.Result) error {
	message := result.ErrorMessage
	if message == "" && result.Err != nil {
		message = result.Err.Error()
	}
	if errors.IsRecoverable(result.Err) {
		if err := request.IncrementRetryCount(message); err == nil {
			c.log.Warn("re-dispatch will be retried",
				zap.String("request_id", request.RequestID),
				zap.String("error_code", result.ErrorCode),
				zap.Int("retry_count", request.RetryCount),
				zap.Int("max_retries", request.MaxRetries))
			return nil
		}
	}
	c.log.Error("re-dispatch failed",
		zap.String("request_id", request.RequestID),
		zap.String("error_code", result.ErrorCode),
		zap.String("error", message))
	return request.FailWithError(message)
}
