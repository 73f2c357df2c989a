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

// Package metrics instruments AWS API calls through a smithy middleware
// attached to the shared client config.
package metrics

import (
	"context"
	"math/rand"
	"strings"
	"time"
	"unicode"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

type correlationIDKey struct{}

// CorrelationID returns the id stamped on the call by the instrumentation
// middleware. The id is minted once per logical call and survives SDK retries.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Instrumentor builds the middleware hook that records API call metrics
// according to the aws_metrics configuration.
type Instrumentor struct {
	cfg        config.AWSMetricsConfig
	log        *zap.Logger
	services   map[string]struct{}
	operations map[string]struct{}
}

func NewInstrumentor(cfg config.AWSMetricsConfig, log *zap.Logger) *Instrumentor {
	return &Instrumentor{
		cfg: cfg,
		log: log.Named("aws-metrics"),
		services: lo.SliceToMap(cfg.MonitoredServices, func(s string) (string, struct{}) {
			return snakeCase(s), struct{}{}
		}),
		operations: lo.SliceToMap(cfg.MonitoredOperations, func(s string) (string, struct{}) {
			return snakeCase(s), struct{}{}
		}),
	}
}

// Middleware returns the hook to append to aws.Config.APIOptions. When metrics
// are disabled the hook installs nothing.
func (i *Instrumentor) Middleware() func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		if !i.cfg.Enabled {
			return nil
		}
		if i.cfg.TrackPayloadSizes {
			if err := awsmiddleware.AddRawResponseToMetadata(stack); err != nil {
				return err
			}
		}
		return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("HostFactoryAPIMetrics", i.handle), middleware.Before)
	}
}

// handle wraps the whole call, retries included: the initialize step is entered
// once per logical API call, so timing and counting here sees each call exactly
// once regardless of how many attempts the SDK retryer makes.
func (i *Instrumentor) handle(ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (middleware.InitializeOutput, middleware.Metadata, error) {
	service := snakeCase(awsmiddleware.GetServiceID(ctx))
	operation := snakeCase(awsmiddleware.GetOperationName(ctx))
	if !i.monitored(service, operation) || !i.sampled() {
		return next.HandleInitialize(ctx, in)
	}

	ctx = context.WithValue(ctx, correlationIDKey{}, uuid.NewString())
	start := time.Now()
	out, metadata, err := next.HandleInitialize(ctx, in)
	duration := time.Since(start)

	APIDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
	result := lo.Ternary(err == nil, "success", "error")
	APICalls.WithLabelValues(service, operation, result).Inc()
	if err != nil {
		APIErrors.WithLabelValues(service, operation, errorType(err)).Inc()
	}
	i.recordAttempts(service, operation, metadata, err)
	if i.cfg.TrackPayloadSizes {
		if resp, ok := awsmiddleware.GetRawResponse(metadata).(*smithyhttp.Response); ok && resp != nil && resp.ContentLength >= 0 {
			APIResponseSize.WithLabelValues(service, operation).Observe(float64(resp.ContentLength))
		}
	}
	return out, metadata, err
}

// recordAttempts derives retry and throttle counts from the retryer's attempt
// metadata; when the metadata is absent (custom retryer) it falls back to
// classifying the final error.
func (i *Instrumentor) recordAttempts(service, operation string, metadata middleware.Metadata, finalErr error) {
	attempts, ok := retry.GetAttemptResults(metadata)
	if !ok {
		if errors.IsThrottling(finalErr) {
			APIThrottles.WithLabelValues(service, operation).Inc()
		}
		return
	}
	for n, attempt := range attempts.Results {
		if n > 0 {
			APIRetries.WithLabelValues(service, operation).Inc()
		}
		if attempt.Err != nil && errors.IsThrottling(attempt.Err) {
			APIThrottles.WithLabelValues(service, operation).Inc()
		}
	}
}

func (i *Instrumentor) monitored(service, operation string) bool {
	if len(i.services) > 0 {
		if _, ok := i.services[service]; !ok {
			return false
		}
	}
	if len(i.operations) > 0 {
		if _, ok := i.operations[operation]; !ok {
			return false
		}
	}
	return true
}

func (i *Instrumentor) sampled() bool {
	if i.cfg.SampleRate >= 1 {
		return true
	}
	if i.cfg.SampleRate <= 0 {
		return false
	}
	return rand.Float64() < i.cfg.SampleRate
}

func errorType(err error) string {
	switch {
	case errors.IsThrottling(err):
		return "throttling"
	case errors.IsAccessDenied(err):
		return "access_denied"
	case errors.IsNotFound(err):
		return "not_found"
	case errors.IsCapacityCode(errors.APICode(err)):
		return "capacity"
	case errors.IsNetwork(err):
		return "network"
	case errors.APICode(err) != "":
		return "api_error"
	default:
		return "unknown"
	}
}

// snakeCase converts SDK service and operation names (CreateFleet, Auto
// Scaling) into prometheus-friendly snake_case (create_fleet, auto_scaling).
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for n, r := range runes {
		switch {
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		case unicode.IsUpper(r):
			if n > 0 && (unicode.IsLower(runes[n-1]) || unicode.IsDigit(runes[n-1]) ||
				(n+1 < len(runes) && unicode.IsLower(runes[n+1]) && unicode.IsUpper(runes[n-1]))) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
