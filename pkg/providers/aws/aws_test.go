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

package aws_test

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsclient "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/fake"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
)

type stubHandler struct {
	acquireResult awsprovider.AcquireResult
	acquireErr    error
	machines      []*v1.Machine
	statusErr     error
	releaseErr    error

	acquiredRequests  []*v1.Request
	acquiredTemplates []*v1.Template
	released          []*v1.Request
}

func (h *stubHandler) AcquireHosts(_ context.Context, request *v1.Request, template *v1.Template) (awsprovider.AcquireResult, error) {
	h.acquiredRequests = append(h.acquiredRequests, request)
	h.acquiredTemplates = append(h.acquiredTemplates, template)
	return h.acquireResult, h.acquireErr
}

func (h *stubHandler) CheckHostsStatus(_ context.Context, _ *v1.Request) ([]*v1.Machine, error) {
	return h.machines, h.statusErr
}

func (h *stubHandler) ReleaseHosts(_ context.Context, request *v1.Request) error {
	h.released = append(h.released, request)
	return h.releaseErr
}

type validatingHandler struct {
	stubHandler
	validateErr error
	validated   []*v1.Template
}

func (h *validatingHandler) ValidateTemplate(_ context.Context, template *v1.Template) error {
	h.validated = append(h.validated, template)
	return h.validateErr
}

type stubSource struct {
	templates []*v1.Template
	err       error
}

func (s *stubSource) ListTemplates(_ context.Context) ([]*v1.Template, error) {
	return s.templates, s.err
}

type stubResolver struct {
	resolved map[string]string
	err      error
}

func (r *stubResolver) Resolve(_ context.Context, imageID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if concrete, ok := r.resolved[imageID]; ok {
		return concrete, nil
	}
	return imageID, nil
}

var _ = Describe("Strategy", func() {
	var (
		ctx      context.Context
		ec2api   *fake.EC2API
		stsapi   *fake.STSAPI
		fleet    *stubHandler
		asg      *stubHandler
		strategy *awsprovider.Strategy
		request  *v1.Request
		template *v1.Template
	)

	newClient := func() *awsclient.Client {
		return awsclient.NewClientFromConfig(zap.NewNop(), awssdk.Config{Region: "us-east-1"}, awsclient.APIs{EC2: ec2api, STS: stsapi})
	}
	operation := func(operationType providers.OperationType) providers.Operation {
		return providers.NewOperation(operationType, providers.OperationContext{CorrelationID: "corr-1"})
	}

	BeforeEach(func() {
		ctx = context.Background()
		ec2api = &fake.EC2API{}
		stsapi = &fake.STSAPI{}
		fleet = &stubHandler{}
		asg = &stubHandler{}
		strategy = awsprovider.NewStrategy(zap.NewNop(), "aws-test", newClient(),
			awsprovider.WithHandler(v1.ProviderAPIEC2Fleet, fleet),
			awsprovider.WithHandler(v1.ProviderAPIASG, asg),
		)
		request = &v1.Request{RequestID: "req-1", TemplateID: "tmpl-1", MachineCount: 2}
		template = &v1.Template{
			TemplateID:   "tmpl-1",
			ProviderAPI:  v1.ProviderAPIEC2Fleet,
			ImageID:      "ami-12345",
			InstanceType: "t3.micro",
			SubnetIDs:    []string{"subnet-a"},
			MaxInstances: 10,
		}
	})

	Context("lifecycle", func() {
		It("should initialize after a successful connectivity probe", func() {
			Expect(strategy.IsInitialized()).To(BeFalse())
			Expect(strategy.Initialize(ctx)).To(Succeed())
			Expect(strategy.IsInitialized()).To(BeTrue())
			Expect(strategy.Cleanup(ctx)).To(Succeed())
			Expect(strategy.IsInitialized()).To(BeFalse())
		})
		It("should fail initialization when EC2 is unreachable", func() {
			ec2api.DescribeInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "AuthFailure", Message: "bad credentials"})
			Expect(strategy.Initialize(ctx)).ToNot(Succeed())
			Expect(strategy.IsInitialized()).To(BeFalse())
		})
		It("should fail initialization when the caller identity cannot be resolved", func() {
			stsapi.GetCallerIdentityBehavior.Error.Set(&smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"})
			Expect(strategy.Initialize(ctx)).To(MatchError(ContainSubstring("caller identity")))
			Expect(strategy.IsInitialized()).To(BeFalse())
		})
		It("should describe the backing account and region", func() {
			Expect(strategy.Describe(ctx)).To(Equal(map[string]string{
				"region":     "us-east-1",
				"account_id": fake.DefaultAccountID,
			}))
		})
		It("should omit the account id while the caller identity is unresolvable", func() {
			stsapi.GetCallerIdentityBehavior.Error.Set(&smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"})
			Expect(strategy.Describe(ctx)).To(Equal(map[string]string{"region": "us-east-1"}))
		})
		It("should report health from the connectivity probe", func() {
			Expect(strategy.CheckHealth(ctx).Healthy).To(BeTrue())

			ec2api.DescribeInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"})
			status := strategy.CheckHealth(ctx)
			Expect(status.Healthy).To(BeFalse())
			Expect(status.Message).To(ContainSubstring("RequestLimitExceeded"))
		})
	})

	Context("capabilities", func() {
		It("should advertise wired provider apis in stable order", func() {
			capabilities := strategy.Capabilities()
			Expect(capabilities.ProviderAPIs).To(Equal([]v1.ProviderAPI{v1.ProviderAPIASG, v1.ProviderAPIEC2Fleet}))
			Expect(capabilities.SupportsOperation(providers.OperationCreateInstances)).To(BeTrue())
			Expect(capabilities.SupportsOperation(providers.OperationGetAvailableTemplates)).To(BeFalse())
		})
		It("should advertise template listing only with a source", func() {
			strategy = awsprovider.NewStrategy(zap.NewNop(), "aws-test", newClient(),
				awsprovider.WithHandler(v1.ProviderAPIEC2Fleet, fleet),
				awsprovider.WithTemplateSource(&stubSource{}),
			)
			Expect(strategy.Capabilities().SupportsOperation(providers.OperationGetAvailableTemplates)).To(BeTrue())
		})
	})

	Context("create instances", func() {
		It("should route to the handler owning the template's provider api", func() {
			fleet.acquireResult = awsprovider.AcquireResult{
				ResourceIDs: []string{"fleet-1"},
				Machines:    []*v1.Machine{{MachineID: "i-1"}},
			}
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamRequest, request).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(result.ResourceIDs()).To(Equal([]string{"fleet-1"}))
			Expect(result.Machines()).To(HaveLen(1))
			Expect(fleet.acquiredRequests).To(HaveLen(1))
			Expect(asg.acquiredRequests).To(BeEmpty())
		})
		It("should carry the handler message as metadata", func() {
			fleet.acquireResult = awsprovider.AcquireResult{ResourceIDs: []string{"fleet-1"}, Message: "2 of 2 pools available"}
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamRequest, request).
				WithParameter(providers.ParamTemplate, template))
			Expect(result.Metadata).To(HaveKeyWithValue("message", "2 of 2 pools available"))
		})
		It("should fail without a request", func() {
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamTemplate, template))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorMessage).To(ContainSubstring("requires a request"))
		})
		It("should fail when no handler owns the template's provider api", func() {
			template.ProviderAPI = v1.ProviderAPISpotFleet
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamRequest, request).
				WithParameter(providers.ParamTemplate, template))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorCode).To(Equal(errors.CodeOperationNotSupported))
		})
		It("should resolve image aliases before the handler sees the template", func() {
			strategy = awsprovider.NewStrategy(zap.NewNop(), "aws-test", newClient(),
				awsprovider.WithHandler(v1.ProviderAPIEC2Fleet, fleet),
				awsprovider.WithImageResolver(&stubResolver{resolved: map[string]string{"ssm:/hpc/images/compute": "ami-resolved"}}),
			)
			template.ImageID = "ssm:/hpc/images/compute"

			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamRequest, request).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(fleet.acquiredTemplates).To(HaveLen(1))
			Expect(fleet.acquiredTemplates[0].ImageID).To(Equal("ami-resolved"))
			Expect(template.ImageID).To(Equal("ssm:/hpc/images/compute"))
		})
		It("should preserve the handler error for the request lifecycle", func() {
			fleet.acquireErr = errors.Newf(errors.KindCapacity, errors.CodeInsufficientCapacity, "no capacity in any pool")
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationCreateInstances).
				WithParameter(providers.ParamRequest, request).
				WithParameter(providers.ParamTemplate, template))
			Expect(result.Success).To(BeFalse())
			Expect(errors.IsCapacity(result.Err)).To(BeTrue())
			Expect(result.ErrorCode).To(Equal(errors.CodeInsufficientCapacity))
		})
	})

	Context("terminate instances", func() {
		It("should route on the provider api recorded at acquisition", func() {
			request.ProviderAPI = string(v1.ProviderAPIASG)
			request.ResourceIDs = []string{"hf-req-1"}

			result := strategy.ExecuteOperation(ctx, operation(providers.OperationTerminateInstances).
				WithParameter(providers.ParamRequest, request))

			Expect(result.Success).To(BeTrue())
			Expect(result.ResourceIDs()).To(Equal([]string{"hf-req-1"}))
			Expect(asg.released).To(HaveLen(1))
			Expect(fleet.released).To(BeEmpty())
		})
		It("should fail when the request never recorded a provider api", func() {
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationTerminateInstances).
				WithParameter(providers.ParamRequest, request))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorMessage).To(ContainSubstring("no provider api recorded"))
		})
	})

	Context("instance status", func() {
		It("should return the handler's machine view", func() {
			request.ProviderAPI = string(v1.ProviderAPIEC2Fleet)
			fleet.machines = []*v1.Machine{{MachineID: "i-1", Result: v1.MachineResultSucceed}}

			result := strategy.ExecuteOperation(ctx, operation(providers.OperationGetInstanceStatus).
				WithParameter(providers.ParamRequest, request))

			Expect(result.Success).To(BeTrue())
			Expect(result.Machines()).To(HaveLen(1))
			Expect(result.Machines()[0].Result).To(Equal(v1.MachineResultSucceed))
		})
	})

	Context("validate template", func() {
		var validating *validatingHandler

		BeforeEach(func() {
			validating = &validatingHandler{}
			strategy = awsprovider.NewStrategy(zap.NewNop(), "aws-test", newClient(),
				awsprovider.WithHandler(v1.ProviderAPIEC2Fleet, validating),
			)
		})

		report := func(result providers.Result) providers.ValidationReport {
			validation, ok := result.Data[providers.DataValidation].(providers.ValidationReport)
			Expect(ok).To(BeTrue())
			return validation
		}

		It("should pass a well-formed template through handler validation", func() {
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationValidateTemplate).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(report(result).Valid).To(BeTrue())
			Expect(report(result).Level).To(Equal(providers.ValidationStrict))
			Expect(validating.validated).To(HaveLen(1))
		})
		It("should collect aggregate violations into the report", func() {
			template.ImageID = ""
			template.SubnetIDs = nil
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationValidateTemplate).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(report(result).Valid).To(BeFalse())
			Expect(report(result).Errors).To(HaveLen(1))
			Expect(report(result).Errors[0]).To(ContainSubstring("image id must be set"))
			Expect(report(result).Errors[0]).To(ContainSubstring("at least one subnet id"))
		})
		It("should record handler-specific failures", func() {
			validating.validateErr = errors.NewNotFound("fleet role", "arn:aws:iam::123456789012:role/missing")
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationValidateTemplate).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(report(result).Valid).To(BeFalse())
		})
		It("should flag templates targeting an unwired provider api", func() {
			template.ProviderAPI = v1.ProviderAPIRunInstances
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationValidateTemplate).
				WithParameter(providers.ParamTemplate, template))

			Expect(result.Success).To(BeTrue())
			Expect(report(result).Valid).To(BeFalse())
			Expect(report(result).Errors[0]).To(ContainSubstring("not wired"))
		})
	})

	Context("available templates", func() {
		It("should list templates from the source", func() {
			strategy = awsprovider.NewStrategy(zap.NewNop(), "aws-test", newClient(),
				awsprovider.WithHandler(v1.ProviderAPIEC2Fleet, fleet),
				awsprovider.WithTemplateSource(&stubSource{templates: []*v1.Template{template}}),
			)
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationGetAvailableTemplates))
			Expect(result.Success).To(BeTrue())
			Expect(result.Data[providers.DataTemplates]).To(HaveLen(1))
		})
		It("should fail without a source", func() {
			result := strategy.ExecuteOperation(ctx, operation(providers.OperationGetAvailableTemplates))
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorCode).To(Equal(errors.CodeOperationNotSupported))
		})
	})

	It("should reject unknown operation types", func() {
		result := strategy.ExecuteOperation(ctx, operation("DEFRAGMENT_INSTANCES"))
		Expect(result.Success).To(BeFalse())
		Expect(result.ErrorCode).To(Equal(errors.CodeOperationNotSupported))
	})
})
