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

package handlers

import (
	"context"
	"fmt"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

// GetTemplate returns one template from the catalog.
type GetTemplate struct {
	TemplateID string `json:"template_id"`
}

func (GetTemplate) QueryName() string { return "GetTemplate" }

// ListTemplates returns every valid template, sorted by id.
type ListTemplates struct{}

func (ListTemplates) QueryName() string { return "ListTemplates" }

// GetRequestStatus returns a request together with its machine records.
type GetRequestStatus struct {
	RequestID string `json:"request_id"`
}

func (GetRequestStatus) QueryName() string { return "GetRequestStatus" }

// ListRequests returns requests, optionally narrowed by status and type.
type ListRequests struct {
	Status v1.RequestStatus `json:"status,omitempty"`
	Type   v1.RequestType   `json:"request_type,omitempty"`
}

func (ListRequests) QueryName() string { return "ListRequests" }

// GetMachinesByRequest returns the machine records provisioned for a request.
type GetMachinesByRequest struct {
	RequestID string `json:"request_id"`
}

func (GetMachinesByRequest) QueryName() string { return "GetMachinesByRequest" }

// GetProviderInfo describes the registered provider strategies with their
// health and counters.
type GetProviderInfo struct{}

func (GetProviderInfo) QueryName() string { return "GetProviderInfo" }

// ValidateProviderConfig checks every template in the catalog against the
// provider instance that would serve it. The level defaults to STRICT.
type ValidateProviderConfig struct {
	Level providers.ValidationLevel `json:"level,omitempty"`
}

func (ValidateProviderConfig) QueryName() string { return "ValidateProviderConfig" }

// RequestDetails pairs a request with its machines, ready for the scheduler
// status translation.
type RequestDetails struct {
	Request  *v1.Request   `json:"request"`
	Machines []*v1.Machine `json:"machines,omitempty"`
}

// StrategyInfo is one provider strategy's registration, health and counters.
type StrategyInfo struct {
	Name         string                    `json:"name"`
	ProviderType string                    `json:"provider_type,omitempty"`
	Active       bool                      `json:"active"`
	Details      map[string]string         `json:"details,omitempty"`
	Health       providers.HealthStatus    `json:"health"`
	Metrics      providers.MetricsSnapshot `json:"metrics"`
}

// ProviderInfo describes the provider layer as configured and registered.
type ProviderInfo struct {
	ActiveProvider  string         `json:"active_provider"`
	SelectionPolicy string         `json:"selection_policy"`
	Strategies      []StrategyInfo `json:"strategies"`
}

// ConfigValidation is the verdict for the live configuration: one report per
// served template plus the templates the loader had to drop.
type ConfigValidation struct {
	Valid     bool                                  `json:"valid"`
	Templates map[string]providers.ValidationReport `json:"templates,omitempty"`
	Dropped   map[string]string                     `json:"dropped,omitempty"`
}

func (h *Handlers) GetTemplate(ctx context.Context, q GetTemplate) (*v1.Template, error) {
	return h.templates.GetTemplate(ctx, q.TemplateID)
}

func (h *Handlers) ListTemplates(ctx context.Context, _ ListTemplates) ([]*v1.Template, error) {
	return h.templates.ListTemplates(ctx)
}

func (h *Handlers) GetRequestStatus(ctx context.Context, q GetRequestStatus) (RequestDetails, error) {
	var details RequestDetails
	err := storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		request, ok, err := uow.Requests().GetByID(ctx, q.RequestID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFound("request", q.RequestID)
		}
		machines, err := uow.Machines().FindBy(ctx, map[string]interface{}{"request_id": q.RequestID})
		if err != nil {
			return err
		}
		details = RequestDetails{Request: request, Machines: machines}
		return nil
	})
	return details, err
}

func (h *Handlers) ListRequests(ctx context.Context, q ListRequests) ([]*v1.Request, error) {
	filters := map[string]interface{}{}
	if q.Status != "" {
		filters["status"] = string(q.Status)
	}
	if q.Type != "" {
		filters["request_type"] = string(q.Type)
	}
	var requests []*v1.Request
	err := storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		var err error
		requests, err = uow.Requests().FindBy(ctx, filters)
		return err
	})
	return requests, err
}

func (h *Handlers) GetMachinesByRequest(ctx context.Context, q GetMachinesByRequest) ([]*v1.Machine, error) {
	var machines []*v1.Machine
	err := storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		var err error
		machines, err = uow.Machines().FindBy(ctx, map[string]interface{}{"request_id": q.RequestID})
		return err
	})
	return machines, err
}

func (h *Handlers) GetProviderInfo(ctx context.Context, _ GetProviderInfo) (ProviderInfo, error) {
	cfg := h.config.Current()
	info := ProviderInfo{
		ActiveProvider:  h.providers.Active(),
		SelectionPolicy: cfg.Provider.SelectionPolicy,
	}
	health := h.providers.CheckAllHealth(ctx)
	for _, name := range h.providers.Strategies() {
		entry := StrategyInfo{
			Name:   name,
			Active: name == info.ActiveProvider,
			Health: health[name],
		}
		if strategy, ok := h.providers.Strategy(name); ok {
			entry.ProviderType = strategy.ProviderType()
			if describer, ok := strategy.(providers.Describer); ok {
				entry.Details = describer.Describe(ctx)
			}
		}
		if snapshot, ok := h.providers.MetricsSnapshot(name); ok {
			entry.Metrics = snapshot
		}
		info.Strategies = append(info.Strategies, entry)
	}
	return info, nil
}

func (h *Handlers) ValidateProviderConfig(ctx context.Context, q ValidateProviderConfig) (ConfigValidation, error) {
	level := q.Level
	if level == "" {
		level = providers.ValidationStrict
	}
	set, err := h.templates.Load(ctx)
	if err != nil {
		return ConfigValidation{}, err
	}

	cfg := h.config.Current()
	verdict := ConfigValidation{Valid: true, Templates: map[string]providers.ValidationReport{}}
	for _, template := range set.All() {
		report := h.validateTemplate(cfg, template, level)
		verdict.Templates[template.TemplateID] = report
		if !report.Valid {
			verdict.Valid = false
		}
	}
	for id, problem := range set.Problems() {
		if verdict.Dropped == nil {
			verdict.Dropped = map[string]string{}
		}
		verdict.Dropped[id] = problem.Error()
		verdict.Valid = false
	}
	return verdict, nil
}

// validateTemplate resolves the instance that would serve the template and
// runs the capability checks against the template's own machine cap.
func (h *Handlers) validateTemplate(cfg *config.Config, template *v1.Template, level providers.ValidationLevel) providers.ValidationReport {
	selection, err := h.selection.Select(cfg.Provider, template)
	if err != nil {
		return providers.ValidationReport{Level: level, Errors: []string{err.Error()}}
	}
	instance, ok := cfg.Provider.Instance(selection.ProviderInstance)
	if !ok {
		return providers.ValidationReport{Level: level, Errors: []string{
			fmt.Sprintf("selected provider instance %q is not configured", selection.ProviderInstance),
		}}
	}
	return h.capability.ValidateTemplateRequirements(template, instance, template.MaxInstances, level)
}
