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
	"strconv"
	"strings"

	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

// CreateAcquisitionRequest asks for machines built from a template. The
// handler returns the request id; provisioning progress is observed through
// GetRequestStatus.
type CreateAcquisitionRequest struct {
	TemplateID     string            `json:"template_id"`
	MachineCount   int               `json:"machine_count"`
	RequesterID    string            `json:"requester_id,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	TimeoutMinutes int               `json:"timeout_minutes,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func (CreateAcquisitionRequest) CommandName() string { return "CreateAcquisitionRequest" }

// CreateReturnRequest hands machines back to the provider.
type CreateReturnRequest struct {
	MachineIDs  []string `json:"machine_ids"`
	Reason      string   `json:"reason,omitempty"`
	RequesterID string   `json:"requester_id,omitempty"`
}

func (CreateReturnRequest) CommandName() string { return "CreateReturnRequest" }

// CancelRequest cancels a pending or processing request. Instances already
// provisioned stay up and are handed back through a return request.
type CancelRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (CancelRequest) CommandName() string { return "CancelRequest" }

// ReloadTemplates drops the cached template snapshot and reloads the files.
type ReloadTemplates struct{}

func (ReloadTemplates) CommandName() string { return "ReloadTemplates" }

// ReloadProviderConfig re-reads the configuration file and swaps the live
// snapshot.
type ReloadProviderConfig struct{}

func (ReloadProviderConfig) CommandName() string { return "ReloadProviderConfig" }

// CreateAcquisitionRequest resolves the template, picks a provider instance,
// validates the pairing and brackets persist plus dispatch in one unit of
// work. A rollback therefore publishes nothing and leaves no request behind.
// The command errs only before the request exists or when persistence fails;
// provider failures are recorded on the aggregate per the propagation policy.
func (h *Handlers) CreateAcquisitionRequest(ctx context.Context, cmd CreateAcquisitionRequest) (string, error) {
	template, err := h.templates.GetTemplate(ctx, cmd.TemplateID)
	if err != nil {
		return "", err
	}

	cfg := h.config.Current()
	selection, err := h.selection.Select(cfg.Provider, template)
	if err != nil {
		return "", err
	}
	instance, ok := cfg.Provider.Instance(selection.ProviderInstance)
	if !ok {
		return "", errors.Newf(errors.KindConfiguration, "PROVIDER_NOT_CONFIGURED",
			"selected provider instance %q is not configured", selection.ProviderInstance)
	}

	report := h.capability.ValidateTemplateRequirements(template, instance, cmd.MachineCount, providers.ValidationLenient)
	if !report.Valid {
		return "", errors.Newf(errors.KindValidation, "TEMPLATE_CAPABILITY_MISMATCH",
			"template %q cannot be served by provider %q, %s",
			template.TemplateID, instance.Name, strings.Join(report.Errors, "; "))
	}
	for _, warning := range report.Warnings {
		h.log.Warn("capability warning",
			zap.String("template_id", template.TemplateID),
			zap.String("provider", instance.Name),
			zap.String("warning", warning))
	}

	request, err := v1.NewAcquisitionRequest(v1.RequestSpec{
		TemplateID:     cmd.TemplateID,
		MachineCount:   cmd.MachineCount,
		RequesterID:    cmd.RequesterID,
		Priority:       cmd.Priority,
		Tags:           cmd.Tags,
		TimeoutMinutes: cmd.TimeoutMinutes,
		MaxRetries:     cmd.MaxRetries,
		ProviderName:   selection.ProviderInstance,
		ProviderType:   selection.ProviderType,
		ProviderAPI:    string(template.ProviderAPI),
	})
	if err != nil {
		return "", err
	}
	h.log.Info("accepted acquisition request",
		zap.String("request_id", request.RequestID),
		zap.String("template_id", cmd.TemplateID),
		zap.Int("machine_count", cmd.MachineCount),
		zap.String("provider", selection.ProviderInstance),
		zap.String("selection_reason", selection.Reason))

	err = storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		if err := uow.Requests().Save(ctx, request); err != nil {
			return err
		}
		if err := request.StartProcessing(); err != nil {
			return err
		}

		op := providers.NewOperation(providers.OperationCreateInstances, h.operationContext(request)).
			WithParameter(providers.ParamRequest, request).
			WithParameter(providers.ParamTemplate, template)
		result := h.providers.ExecuteWithStrategy(ctx, request.ProviderName, op)

		if !result.Success {
			if err := h.recordDispatchFailure(request, result); err != nil {
				return err
			}
			return uow.Requests().Save(ctx, request)
		}

		for _, id := range result.ResourceIDs() {
			request.AddResourceID(id)
		}
		// RunInstances reports its machines synchronously; the fleet APIs
		// leave materialization to the status poller.
		for _, machine := range result.Machines() {
			request.AddMachineReference(machine.MachineID)
			if err := uow.Machines().Save(ctx, machine); err != nil {
				return err
			}
		}
		return uow.Requests().Save(ctx, request)
	})
	if err != nil {
		return "", err
	}
	return request.RequestID, nil
}

// CreateReturnRequest builds a RETURN request over the machines' recorded
// resource handles and dispatches the termination. Machines the inventory
// does not know are skipped; the request completes once the status poller
// sees the instances gone.
func (h *Handlers) CreateReturnRequest(ctx context.Context, cmd CreateReturnRequest) (string, error) {
	if len(cmd.MachineIDs) == 0 {
		return "", errors.NewRequestValidation("return requests require at least one machine id")
	}

	var request *v1.Request
	err := storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		machines := make([]*v1.Machine, 0, len(cmd.MachineIDs))
		for _, id := range cmd.MachineIDs {
			machine, ok, err := uow.Machines().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				h.log.Warn("return request references unknown machine", zap.String("machine_id", id))
				continue
			}
			machines = append(machines, machine)
		}
		if len(machines) == 0 {
			return errors.NewNotFound("machines", strings.Join(cmd.MachineIDs, ","))
		}

		ids := make([]string, 0, len(machines))
		for _, machine := range machines {
			ids = append(ids, machine.MachineID)
		}
		first := machines[0]
		var err error
		request, err = v1.NewReturnRequest(ids, cmd.Reason, v1.RequestSpec{
			TemplateID:   first.TemplateID,
			RequesterID:  cmd.RequesterID,
			ProviderName: first.ProviderName,
			ProviderType: first.ProviderType,
			ProviderAPI:  first.ProviderAPI,
		})
		if err != nil {
			return err
		}
		for _, machine := range machines {
			request.AddResourceID(machine.ResourceID)
		}
		h.log.Info("accepted return request",
			zap.String("request_id", request.RequestID),
			zap.Int("machine_count", len(ids)),
			zap.String("provider", request.ProviderName))

		if err := uow.Requests().Save(ctx, request); err != nil {
			return err
		}
		if err := request.StartProcessing(); err != nil {
			return err
		}

		op := providers.NewOperation(providers.OperationTerminateInstances, h.operationContext(request)).
			WithParameter(providers.ParamRequest, request).
			WithParameter(providers.ParamMachineIDs, ids)
		result := h.providers.ExecuteWithStrategy(ctx, request.ProviderName, op)

		if !result.Success {
			if err := h.recordDispatchFailure(request, result); err != nil {
				return err
			}
			return uow.Requests().Save(ctx, request)
		}

		for _, machine := range machines {
			machine.Status = v1.InstanceStateShuttingDown
			if err := uow.Machines().Save(ctx, machine); err != nil {
				return err
			}
		}
		return uow.Requests().Save(ctx, request)
	})
	if err != nil {
		return "", err
	}
	return request.RequestID, nil
}

// CancelRequest applies the cancel transition to a pending or processing
// request. Terminal requests reject the transition; in-flight provider calls
// are never interrupted.
func (h *Handlers) CancelRequest(ctx context.Context, cmd CancelRequest) (string, error) {
	err := storage.Execute(ctx, h.uow, func(uow storage.UnitOfWork) error {
		request, ok, err := uow.Requests().GetByID(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFound("request", cmd.RequestID)
		}
		if err := request.Cancel(cmd.Reason); err != nil {
			return err
		}
		return uow.Requests().Save(ctx, request)
	})
	if err != nil {
		return "", err
	}
	h.log.Info("cancelled request",
		zap.String("request_id", cmd.RequestID),
		zap.String("reason", cmd.Reason))
	return cmd.RequestID, nil
}

// ReloadTemplates reloads the template files and returns the number of valid
// templates now served.
func (h *Handlers) ReloadTemplates(ctx context.Context, _ ReloadTemplates) (string, error) {
	set, err := h.templates.Reload(ctx)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(set.Len()), nil
}

// ReloadProviderConfig re-reads the configuration file, swaps the live
// snapshot, invalidates the template cache so the new defaults apply, and
// runs the registered reload hook. A parse or validation failure keeps the
// previous configuration live.
func (h *Handlers) ReloadProviderConfig(ctx context.Context, _ ReloadProviderConfig) (string, error) {
	cfg, err := h.config.Reload()
	if err != nil {
		return "", err
	}
	h.templates.Invalidate()
	if h.reloadHook != nil {
		if err := h.reloadHook(ctx, cfg); err != nil {
			return "", err
		}
	}
	h.log.Info("configuration reloaded",
		zap.String("path", h.config.Path()),
		zap.Int("providers", len(cfg.Provider.Providers)))
	return h.config.Path(), nil
}
