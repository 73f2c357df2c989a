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

package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Fallback chains child strategies in order. An operation runs against the
// first child; on failure it advances to the next, stopping at the first
// success. The last failure is returned when every child fails. Each child
// keeps its own operation counters.
type Fallback struct {
	name     string
	children []*fallbackChild
	log      *zap.Logger
}

type fallbackChild struct {
	strategy Strategy
	metrics  *StrategyMetrics
}

func NewFallback(log *zap.Logger, name string, children ...Strategy) *Fallback {
	f := &Fallback{
		name: name,
		log:  log.Named("fallback").With(zap.String("provider", name)),
	}
	for _, child := range children {
		f.children = append(f.children, &fallbackChild{strategy: child, metrics: NewStrategyMetrics()})
	}
	return f
}

func (f *Fallback) Name() string { return f.name }

// ProviderType reports the family of the primary child; a fallback chain
// normally spans instances of one provider type.
func (f *Fallback) ProviderType() string {
	if len(f.children) == 0 {
		return ""
	}
	return f.children[0].strategy.ProviderType()
}

func (f *Fallback) Initialize(ctx context.Context) error {
	var errs error
	for _, child := range f.children {
		if err := child.strategy.Initialize(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("initializing %s, %w", child.strategy.Name(), err))
		}
	}
	return errs
}

func (f *Fallback) IsInitialized() bool {
	for _, child := range f.children {
		if !child.strategy.IsInitialized() {
			return false
		}
	}
	return len(f.children) > 0
}

func (f *Fallback) Cleanup(ctx context.Context) error {
	var errs error
	for _, child := range f.children {
		if err := child.strategy.Cleanup(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cleaning up %s, %w", child.strategy.Name(), err))
		}
	}
	return errs
}

// Capabilities is the union of the children's capabilities.
func (f *Fallback) Capabilities() Capabilities {
	var merged Capabilities
	for _, child := range f.children {
		merged = merged.Merge(child.strategy.Capabilities())
	}
	return merged
}

// ExecuteOperation walks the chain. Children that do not declare the
// operation are skipped without being invoked. Every advance past a child
// bumps fallback_used_total.
func (f *Fallback) ExecuteOperation(ctx context.Context, op Operation) Result {
	if len(f.children) == 0 {
		return Fail(errors.New(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"fallback strategy has no children"))
	}
	var last Result
	executed := false
	for i, child := range f.children {
		if i > 0 {
			fallbackUsed.WithLabelValues(f.name).Inc()
			f.log.Warn("falling back to next provider",
				zap.String("from", f.children[i-1].strategy.Name()),
				zap.String("to", child.strategy.Name()),
				zap.String("operation", string(op.Type)),
				zap.String("correlation_id", op.Context.CorrelationID))
		}
		if !child.strategy.Capabilities().SupportsOperation(op.Type) {
			child.metrics.RecordRejected()
			last = Fail(errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
				"strategy %q does not support operation %s", child.strategy.Name(), op.Type))
			continue
		}
		executed = true
		last = f.execute(ctx, child, op)
		if last.Success {
			return last
		}
	}
	if !executed {
		return Fail(errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"no child of fallback %q supports operation %s", f.name, op.Type))
	}
	return last
}

func (f *Fallback) execute(ctx context.Context, child *fallbackChild, op Operation) Result {
	start := time.Now()
	result := child.strategy.ExecuteOperation(ctx, op)
	elapsed := time.Since(start)
	child.metrics.RecordOperation(elapsed, result.Success)
	operationsTotal.WithLabelValues(child.strategy.Name(), string(op.Type), resultLabel(result)).Inc()
	operationDuration.WithLabelValues(child.strategy.Name(), string(op.Type)).Observe(elapsed.Seconds())
	return result
}

// CheckHealth reports healthy while at least one child is healthy.
func (f *Fallback) CheckHealth(ctx context.Context) HealthStatus {
	healthy := 0
	for _, child := range f.children {
		if child.strategy.CheckHealth(ctx).Healthy {
			healthy++
		}
	}
	return HealthStatus{
		Healthy:   healthy > 0,
		Message:   fmt.Sprintf("%d of %d providers healthy", healthy, len(f.children)),
		CheckedAt: time.Now(),
	}
}

// ChildMetrics returns the counters recorded for the named child.
func (f *Fallback) ChildMetrics(name string) (MetricsSnapshot, bool) {
	for _, child := range f.children {
		if child.strategy.Name() == name {
			return child.metrics.Snapshot(), true
		}
	}
	return MetricsSnapshot{}, false
}
