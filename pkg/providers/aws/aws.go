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

// Package aws implements the AWS provider strategy. One Strategy value
// represents one configured provider instance (e.g. "aws-us-east-1") and
// routes provider operations to per-API host handlers.
package aws

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsclient "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
)

// ProviderType is the family name every AWS provider instance reports.
const ProviderType = "aws"

// Option configures a Strategy at construction time.
type Option func(*Strategy)

// WithHandler wires the host handler for one provisioning API.
func WithHandler(api v1.ProviderAPI, handler HostHandler) Option {
	return func(s *Strategy) {
		s.handlers[api] = handler
	}
}

// WithTemplateSource wires the template listing source. Without one the
// strategy does not advertise the template listing operation.
func WithTemplateSource(source TemplateSource) Option {
	return func(s *Strategy) {
		s.source = source
	}
}

// WithImageResolver wires SSM image alias resolution. When set, templates
// whose image id is an alias are resolved to a concrete AMI id before any
// handler sees them.
func WithImageResolver(resolver ImageResolver) Option {
	return func(s *Strategy) {
		s.images = resolver
	}
}

// Strategy dispatches provider operations for a single AWS provider
// instance. Safe for concurrent use; handlers carry their own
// synchronization.
type Strategy struct {
	log      *zap.Logger
	name     string
	client   *awsclient.Client
	handlers map[v1.ProviderAPI]HostHandler
	source   TemplateSource
	images   ImageResolver

	initialized atomic.Bool
}

func NewStrategy(log *zap.Logger, name string, client *awsclient.Client, opts ...Option) *Strategy {
	s := &Strategy{
		log:      log.Named("providers.aws").With(zap.String("provider", name)),
		name:     name,
		client:   client,
		handlers: map[v1.ProviderAPI]HostHandler{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Strategy) Name() string { return s.name }

func (s *Strategy) ProviderType() string { return ProviderType }

// Initialize verifies EC2 connectivity with a dry-run describe and resolves
// the caller identity before the instance is put into rotation.
func (s *Strategy) Initialize(ctx context.Context) error {
	if err := awsclient.CheckEC2Connectivity(ctx, s.client.EC2()); err != nil {
		return fmt.Errorf("initializing provider instance %q, %w", s.name, err)
	}
	account, err := s.client.AccountID(ctx)
	if err != nil {
		return fmt.Errorf("initializing provider instance %q, %w", s.name, err)
	}
	s.initialized.Store(true)
	s.log.Info("initialized provider instance",
		zap.String("region", s.client.Region()),
		zap.String("account_id", account))
	return nil
}

func (s *Strategy) IsInitialized() bool { return s.initialized.Load() }

func (s *Strategy) Cleanup(ctx context.Context) error {
	s.initialized.Store(false)
	return nil
}

func (s *Strategy) Capabilities() providers.Capabilities {
	apis := make([]v1.ProviderAPI, 0, len(s.handlers))
	for api := range s.handlers {
		apis = append(apis, api)
	}
	sort.Slice(apis, func(i, j int) bool { return apis[i] < apis[j] })
	operations := []providers.OperationType{
		providers.OperationCreateInstances,
		providers.OperationTerminateInstances,
		providers.OperationGetInstanceStatus,
		providers.OperationValidateTemplate,
	}
	if s.source != nil {
		operations = append(operations, providers.OperationGetAvailableTemplates)
	}
	return providers.Capabilities{ProviderAPIs: apis, Operations: operations}
}

func (s *Strategy) CheckHealth(ctx context.Context) providers.HealthStatus {
	status := providers.HealthStatus{Healthy: true, Message: "ec2 reachable", CheckedAt: time.Now()}
	if err := awsclient.CheckEC2Connectivity(ctx, s.client.EC2()); err != nil {
		status.Healthy = false
		status.Message = err.Error()
	}
	return status
}

// Describe reports the instance's region and, when the caller identity has
// been resolvable, the backing account id.
func (s *Strategy) Describe(ctx context.Context) map[string]string {
	details := map[string]string{"region": s.client.Region()}
	account, err := s.client.AccountID(ctx)
	if err != nil {
		s.log.Debug("caller identity unavailable", zap.Error(err))
		return details
	}
	details["account_id"] = account
	return details
}

func (s *Strategy) ExecuteOperation(ctx context.Context, operation providers.Operation) providers.Result {
	switch operation.Type {
	case providers.OperationCreateInstances:
		return s.createInstances(ctx, operation)
	case providers.OperationTerminateInstances:
		return s.terminateInstances(ctx, operation)
	case providers.OperationGetInstanceStatus:
		return s.instanceStatus(ctx, operation)
	case providers.OperationValidateTemplate:
		return s.validateTemplate(ctx, operation)
	case providers.OperationGetAvailableTemplates:
		return s.availableTemplates(ctx)
	default:
		return providers.Fail(errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"operation %q is not supported by provider instance %q", operation.Type, s.name))
	}
}

func (s *Strategy) createInstances(ctx context.Context, operation providers.Operation) providers.Result {
	request, ok := operation.Request()
	if !ok {
		return providers.Fail(errors.NewRequestValidation("create instances requires a request"))
	}
	template, ok := operation.Template()
	if !ok {
		return providers.Fail(errors.NewRequestValidation("create instances requires a template"))
	}
	handler, err := s.handlerFor(template.ProviderAPI)
	if err != nil {
		return providers.Fail(err)
	}
	template, err = s.resolveImage(ctx, template)
	if err != nil {
		return providers.Fail(err)
	}

	acquired, err := handler.AcquireHosts(ctx, request, template)
	if err != nil {
		s.log.Warn("host acquisition failed",
			zap.String("request_id", request.RequestID),
			zap.String("provider_api", string(template.ProviderAPI)),
			zap.Error(err))
		return providers.Fail(err)
	}
	s.log.Info("acquired hosts",
		zap.String("request_id", request.RequestID),
		zap.String("provider_api", string(template.ProviderAPI)),
		zap.Strings("resource_ids", acquired.ResourceIDs),
		zap.Int("machine_count", len(acquired.Machines)))
	result := providers.OK(map[string]interface{}{
		providers.DataResourceIDs: acquired.ResourceIDs,
		providers.DataMachines:    acquired.Machines,
	})
	if acquired.Message != "" {
		result = result.WithMetadata("message", acquired.Message)
	}
	return result
}

func (s *Strategy) terminateInstances(ctx context.Context, operation providers.Operation) providers.Result {
	request, ok := operation.Request()
	if !ok {
		return providers.Fail(errors.NewRequestValidation("terminate instances requires a request"))
	}
	handler, err := s.handlerFor(v1.ProviderAPI(request.ProviderAPI))
	if err != nil {
		return providers.Fail(err)
	}
	if err := handler.ReleaseHosts(ctx, request); err != nil {
		s.log.Warn("host release failed",
			zap.String("request_id", request.RequestID),
			zap.Error(err))
		return providers.Fail(err)
	}
	s.log.Info("released hosts",
		zap.String("request_id", request.RequestID),
		zap.Strings("resource_ids", request.ResourceIDs),
		zap.Int("machine_references", len(request.MachineReferences)))
	return providers.OK(map[string]interface{}{
		providers.DataResourceIDs: request.ResourceIDs,
	})
}

func (s *Strategy) instanceStatus(ctx context.Context, operation providers.Operation) providers.Result {
	request, ok := operation.Request()
	if !ok {
		return providers.Fail(errors.NewRequestValidation("instance status requires a request"))
	}
	handler, err := s.handlerFor(v1.ProviderAPI(request.ProviderAPI))
	if err != nil {
		return providers.Fail(err)
	}
	machines, err := handler.CheckHostsStatus(ctx, request)
	if err != nil {
		return providers.Fail(err)
	}
	return providers.OK(map[string]interface{}{
		providers.DataMachines: machines,
	})
}

// validateTemplate runs aggregate validation plus any handler-specific
// checks. The operation itself succeeds whenever validation ran; the verdict
// travels in the report.
func (s *Strategy) validateTemplate(ctx context.Context, operation providers.Operation) providers.Result {
	template, ok := operation.Template()
	if !ok {
		return providers.Fail(errors.NewRequestValidation("validate template requires a template"))
	}
	report := providers.ValidationReport{Valid: true, Level: providers.ValidationStrict}
	if err := template.Validate(); err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, err.Error())
	}
	handler, err := s.handlerFor(template.ProviderAPI)
	if err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, err.Error())
	} else if validator, ok := handler.(TemplateValidator); ok {
		if err := validator.ValidateTemplate(ctx, template); err != nil {
			report.Valid = false
			report.Errors = append(report.Errors, err.Error())
		}
	}
	return providers.OK(map[string]interface{}{
		providers.DataValidation: report,
	})
}

func (s *Strategy) availableTemplates(ctx context.Context) providers.Result {
	if s.source == nil {
		return providers.Fail(errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"provider instance %q has no template source", s.name))
	}
	templates, err := s.source.ListTemplates(ctx)
	if err != nil {
		return providers.Fail(err)
	}
	return providers.OK(map[string]interface{}{
		providers.DataTemplates: templates,
	})
}

func (s *Strategy) handlerFor(api v1.ProviderAPI) (HostHandler, error) {
	if api == "" {
		return nil, errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"no provider api recorded for provider instance %q", s.name)
	}
	handler, ok := s.handlers[api]
	if !ok {
		return nil, errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"provider api %q is not wired on provider instance %q", api, s.name)
	}
	return handler, nil
}

// resolveImage swaps an image alias for the concrete AMI id on a copy of the
// template, leaving the caller's template untouched.
func (s *Strategy) resolveImage(ctx context.Context, template *v1.Template) (*v1.Template, error) {
	if s.images == nil || template.ImageID == "" {
		return template, nil
	}
	resolved, err := s.images.Resolve(ctx, template.ImageID)
	if err != nil {
		return nil, err
	}
	if resolved == template.ImageID {
		return template, nil
	}
	clone := *template
	clone.ImageID = resolved
	return &clone, nil
}
