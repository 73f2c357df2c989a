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

package metrics_test

import (
	"context"
	"net/http"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/smithy-go"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	awsmetrics "github.com/awslabs/open-resource-broker-sub002/pkg/aws/metrics"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	. "github.com/awslabs/open-resource-broker-sub002/pkg/test/expectations"
)

// invoke runs a synthetic SDK call through a middleware stack that carries the
// instrumentor, the same way service clients compose it in production.
func invoke(instrumentor *awsmetrics.Instrumentor, serviceID, operation string, response *smithyhttp.Response, callErr error, inspect func(ctx context.Context)) error {
	GinkgoHelper()
	stack := smithymiddleware.NewStack("test", smithyhttp.NewStackRequest)
	Expect(instrumentor.Middleware()(stack)).To(Succeed())
	Expect(stack.Initialize.Add(&awsmiddleware.RegisterServiceMetadata{
		ServiceID:     serviceID,
		OperationName: operation,
		Region:        "us-east-1",
	}, smithymiddleware.Before)).To(Succeed())

	handler := smithymiddleware.DecorateHandler(smithymiddleware.HandlerFunc(
		func(ctx context.Context, _ interface{}) (interface{}, smithymiddleware.Metadata, error) {
			if inspect != nil {
				inspect(ctx)
			}
			return response, smithymiddleware.Metadata{}, callErr
		}), stack)
	_, _, err := handler.Handle(context.Background(), struct{}{})
	return err
}

var _ = Describe("Instrumentor", func() {
	var cfg config.AWSMetricsConfig

	BeforeEach(func() {
		cfg = config.AWSMetricsConfig{Enabled: true, SampleRate: 1.0}
	})

	It("should count successful calls with snake_case labels", func() {
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		Expect(invoke(instrumentor, "EC2", "CreateFleet", &smithyhttp.Response{}, nil, nil)).To(Succeed())

		ExpectMetricCounterValue("hostfactory_aws_api_calls_total",
			map[string]string{"service": "ec2", "operation": "create_fleet", "result": "success"}, 1)
		ExpectMetricHistogramSampleCount("hostfactory_aws_api_call_duration_seconds",
			map[string]string{"service": "ec2", "operation": "create_fleet"}, 1)
	})
	It("should classify failed calls by error type", func() {
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		throttle := &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
		Expect(invoke(instrumentor, "EC2", "RunInstances", nil, throttle, nil)).ToNot(Succeed())

		ExpectMetricCounterValue("hostfactory_aws_api_calls_total",
			map[string]string{"service": "ec2", "operation": "run_instances", "result": "error"}, 1)
		ExpectMetricCounterValue("hostfactory_aws_api_errors_total",
			map[string]string{"service": "ec2", "operation": "run_instances", "error_type": "throttling"}, 1)
		ExpectMetricCounterValue("hostfactory_aws_api_throttling_total",
			map[string]string{"service": "ec2", "operation": "run_instances"}, 1)
	})
	It("should record access denied error types", func() {
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		denied := &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "no"}
		Expect(invoke(instrumentor, "EC2", "TerminateInstances", nil, denied, nil)).ToNot(Succeed())

		ExpectMetricCounterValue("hostfactory_aws_api_errors_total",
			map[string]string{"service": "ec2", "operation": "terminate_instances", "error_type": "access_denied"}, 1)
	})
	It("should observe response sizes when payload tracking is enabled", func() {
		cfg.TrackPayloadSizes = true
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		response := &smithyhttp.Response{Response: &http.Response{ContentLength: 2048}}
		Expect(invoke(instrumentor, "EC2", "DescribeFleets", response, nil, nil)).To(Succeed())

		ExpectMetricHistogramSampleCount("hostfactory_aws_api_response_size_bytes",
			map[string]string{"service": "ec2", "operation": "describe_fleets"}, 1)
	})
	It("should stamp a correlation id that the call sees", func() {
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		var correlationID string
		Expect(invoke(instrumentor, "EC2", "DescribeInstances", &smithyhttp.Response{}, nil, func(ctx context.Context) {
			correlationID = awsmetrics.CorrelationID(ctx)
		})).To(Succeed())
		Expect(correlationID).ToNot(BeEmpty())
	})
	It("should skip services outside the whitelist", func() {
		cfg.MonitoredServices = []string{"EC2"}
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		Expect(invoke(instrumentor, "DynamoDB", "PutItem", &smithyhttp.Response{}, nil, nil)).To(Succeed())

		_, found := FindMetricWithLabelValues("hostfactory_aws_api_calls_total",
			map[string]string{"service": "dynamo_db", "operation": "put_item"})
		Expect(found).To(BeFalse())
	})
	It("should skip operations outside the whitelist", func() {
		cfg.MonitoredOperations = []string{"CreateFleet"}
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		Expect(invoke(instrumentor, "EC2", "DeleteFleets", &smithyhttp.Response{}, nil, nil)).To(Succeed())

		_, found := FindMetricWithLabelValues("hostfactory_aws_api_calls_total",
			map[string]string{"service": "ec2", "operation": "delete_fleets"})
		Expect(found).To(BeFalse())
	})
	It("should record nothing when the sample rate is zero", func() {
		cfg.SampleRate = 0
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		Expect(invoke(instrumentor, "Auto Scaling", "CreateAutoScalingGroup", &smithyhttp.Response{}, nil, nil)).To(Succeed())

		_, found := FindMetricWithLabelValues("hostfactory_aws_api_calls_total",
			map[string]string{"service": "auto_scaling", "operation": "create_auto_scaling_group"})
		Expect(found).To(BeFalse())
	})
	It("should install nothing when disabled", func() {
		cfg.Enabled = false
		instrumentor := awsmetrics.NewInstrumentor(cfg, zap.NewNop())
		var correlationID string
		Expect(invoke(instrumentor, "EC2", "CreateTags", &smithyhttp.Response{}, nil, func(ctx context.Context) {
			correlationID = awsmetrics.CorrelationID(ctx)
		})).To(Succeed())
		// No middleware installed means no correlation id is minted.
		Expect(correlationID).To(BeEmpty())
	})
})
