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

// Package handlers is the application layer. Every scheduler-facing operation
// is a command or query dispatched through the bus and handled here by
// coordinating the template catalog, provider selection, the provider
// strategies and the storage unit of work. Handlers own the control flow;
// lifecycle rules stay on the aggregates and provisioning mechanics stay in
// the strategies.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/bus"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/templates"
)

// Handlers carries the collaborators shared by every command and query
// handler. One instance serves all registrations; it holds no per-request
// state and is safe for concurrent dispatch.
type Handlers struct {
	log        *zap.Logger
	config     *config.Store
	uow        storage.Factory
	providers  *providers.Context
	selection  *providers.SelectionService
	capability *providers.CapabilityService
	templates  *templates.Manager
	reloadHook func(ctx context.Context, cfg *config.Config) error
}

func New(
	log *zap.Logger,
	store *config.Store,
	factory storage.Factory,
	providerCtx *providers.Context,
	selection *providers.SelectionService,
	capability *providers.CapabilityService,
	templateManager *templates.Manager,
) *Handlers {
	return &Handlers{
		log:        log.Named("handlers"),
		config:     store,
		uow:        factory,
		providers:  providerCtx,
		selection:  selection,
		capability: capability,
		templates:  templateManager,
	}
}

// OnConfigReload registers a callback run after each successful configuration
// reload, so the operator can refresh the registered provider strategies.
func (h *Handlers) OnConfigReload(fn func(ctx context.Context, cfg *config.Config) error) {
	h.reloadHook = fn
}

// RegisterAll binds every command and query handler to its bus.
func (h *Handlers) RegisterAll(commands *bus.CommandBus, queries *bus.QueryBus) error {
	commandHandlers := []bus.CommandHandler{
		bus.NewCommandHandlerFunc(h.CreateAcquisitionRequest),
		bus.NewCommandHandlerFunc(h.CreateReturnRequest),
		bus.NewCommandHandlerFunc(h.CancelRequest),
		bus.NewCommandHandlerFunc(h.ReloadTemplates),
		bus.NewCommandHandlerFunc(h.ReloadProviderConfig),
	}
	for _, handler := range commandHandlers {
		if err := commands.Register(handler); err != nil {
			return err
		}
	}

	queryHandlers := []bus.QueryHandler{
		bus.NewQueryHandlerFunc(h.GetTemplate),
		bus.NewQueryHandlerFunc(h.ListTemplates),
		bus.NewQueryHandlerFunc(h.GetRequestStatus),
		bus.NewQueryHandlerFunc(h.ListRequests),
		bus.NewQueryHandlerFunc(h.GetMachinesByRequest),
		bus.NewQueryHandlerFunc(h.GetProviderInfo),
		bus.NewQueryHandlerFunc(h.ValidateProviderConfig),
	}
	for _, handler := range queryHandlers {
		if err := queries.Register(handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) operationContext(request *v1.Request) providers.OperationContext {
	return providers.OperationContext{
		CorrelationID: request.RequestID,
		CallerID:      request.RequesterID,
		RequestedAt:   time.Now().UTC(),
	}
}

// recordDispatchFailure applies the propagation policy to a failed provider
// dispatch. Recoverable failures keep the request processing while the retry
// budget lasts; an exhausted budget or a permanent failure fails the request.
// The command still returns the request id, the verdict lives on the
// aggregate.
func (h *Handlers) recordDispatchFailure(request *v1.Request, result providers.Result) error {
	message := result.ErrorMessage
	if message == "" && result.Err != nil {
		message = result.Err.Error()
	}
	if errors.IsRecoverable(result.Err) {
		if err := request.IncrementRetryCount(message); err == nil {
			h.log.Warn("provider dispatch will be retried",
				zap.String("request_id", request.RequestID),
				zap.String("error_code", result.ErrorCode),
				zap.Int("retry_count", request.RetryCount),
				zap.Int("max_retries", request.MaxRetries))
			return nil
		}
	}
	h.log.Error("provider dispatch failed",
		zap.String("request_id", request.RequestID),
		zap.String("error_code", result.ErrorCode),
		zap.String("error", message))
	return request.FailWithError(message)
}
