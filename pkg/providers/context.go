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
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Context is the strategy registry and operation router. Registration and
// replacement take the write lock; dispatch takes no lock beyond the
// strategy's own.
type Context struct {
	mu         sync.RWMutex
	strategies map[string]*registeredStrategy
	active     string
	log        *zap.Logger
}

type registeredStrategy struct {
	strategy Strategy
	metrics  *StrategyMetrics
}

func NewContext(log *zap.Logger) *Context {
	return &Context{
		strategies: map[string]*registeredStrategy{},
		log:        log.Named("provider-context"),
	}
}

// Register adds a strategy under its name. Registering a second strategy with
// the same name replaces the first after logging a warning, and the replaced
// instance is cleaned up before it is dropped. The first registration becomes
// the active strategy until SetStrategy picks another.
func (c *Context) Register(ctx context.Context, strategy Strategy) {
	c.mu.Lock()
	previous, replaced := c.strategies[strategy.Name()]
	c.strategies[strategy.Name()] = &registeredStrategy{
		strategy: strategy,
		metrics:  NewStrategyMetrics(),
	}
	if c.active == "" {
		c.active = strategy.Name()
	}
	c.mu.Unlock()

	if replaced {
		c.log.Warn("replacing registered provider strategy",
			zap.String("provider", strategy.Name()),
			zap.String("provider_type", strategy.ProviderType()))
		if err := previous.strategy.Cleanup(ctx); err != nil {
			c.log.Error("cleaning up replaced strategy",
				zap.String("provider", strategy.Name()),
				zap.Error(err))
		}
		return
	}
	c.log.Info("registered provider strategy",
		zap.String("provider", strategy.Name()),
		zap.String("provider_type", strategy.ProviderType()))
}

// SetStrategy switches the active strategy.
func (c *Context) SetStrategy(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.strategies[name]; !ok {
		return errors.Newf(errors.KindProviderOperation, errors.CodeStrategyNotFound,
			"strategy %q is not registered", name).WithDetail("provider", name)
	}
	c.active = name
	return nil
}

// Active returns the name of the active strategy, empty when none.
func (c *Context) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Strategy returns the registered strategy by name.
func (c *Context) Strategy(name string) (Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.strategies[name]
	if !ok {
		return nil, false
	}
	return entry.strategy, true
}

// Strategies returns the registered strategy names in sorted order.
func (c *Context) Strategies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.strategies))
	for name := range c.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteOperation routes the operation to the active strategy.
func (c *Context) ExecuteOperation(ctx context.Context, op Operation) Result {
	c.mu.RLock()
	name := c.active
	entry := c.strategies[name]
	c.mu.RUnlock()
	if entry == nil {
		return Fail(errors.New(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"no active provider strategy"))
	}
	return c.dispatch(ctx, name, entry, op)
}

// ExecuteWithStrategy routes the operation to the named strategy regardless
// of which one is active. Only the named strategy's metrics move.
func (c *Context) ExecuteWithStrategy(ctx context.Context, name string, op Operation) Result {
	c.mu.RLock()
	entry := c.strategies[name]
	c.mu.RUnlock()
	if entry == nil {
		return Fail(errors.Newf(errors.KindProviderOperation, errors.CodeStrategyNotFound,
			"strategy %q is not registered", name).WithDetail("provider", name))
	}
	return c.dispatch(ctx, name, entry, op)
}

// dispatch verifies the strategy declares the operation before invoking it.
// A capability rejection moves only the strategy's total, which is why a
// snapshot can show successful+failed below total.
func (c *Context) dispatch(ctx context.Context, name string, entry *registeredStrategy, op Operation) Result {
	if !entry.strategy.Capabilities().SupportsOperation(op.Type) {
		entry.metrics.RecordRejected()
		operationsTotal.WithLabelValues(name, string(op.Type), "unsupported").Inc()
		return Fail(errors.Newf(errors.KindProviderOperation, errors.CodeOperationNotSupported,
			"strategy %q does not support operation %s", name, op.Type).
			WithDetail("provider", name).
			WithDetail("operation", string(op.Type)))
	}
	start := time.Now()
	result := entry.strategy.ExecuteOperation(ctx, op)
	elapsed := time.Since(start)
	entry.metrics.RecordOperation(elapsed, result.Success)
	operationsTotal.WithLabelValues(name, string(op.Type), resultLabel(result)).Inc()
	operationDuration.WithLabelValues(name, string(op.Type)).Observe(elapsed.Seconds())
	if !result.Success {
		c.log.Warn("provider operation failed",
			zap.String("provider", name),
			zap.String("operation", string(op.Type)),
			zap.String("correlation_id", op.Context.CorrelationID),
			zap.String("error_code", result.ErrorCode),
			zap.String("error", result.ErrorMessage))
	}
	return result
}

// MetricsSnapshot returns the named strategy's counters.
func (c *Context) MetricsSnapshot(name string) (MetricsSnapshot, bool) {
	c.mu.RLock()
	entry := c.strategies[name]
	c.mu.RUnlock()
	if entry == nil {
		return MetricsSnapshot{}, false
	}
	return entry.metrics.Snapshot(), true
}

// CheckHealth probes the named strategy and records the outcome.
func (c *Context) CheckHealth(ctx context.Context, name string) (HealthStatus, error) {
	c.mu.RLock()
	entry := c.strategies[name]
	c.mu.RUnlock()
	if entry == nil {
		return HealthStatus{}, errors.Newf(errors.KindProviderOperation, errors.CodeStrategyNotFound,
			"strategy %q is not registered", name).WithDetail("provider", name)
	}
	status := entry.strategy.CheckHealth(ctx)
	if status.CheckedAt.IsZero() {
		status.CheckedAt = time.Now()
	}
	entry.metrics.RecordHealthCheck(status.CheckedAt)
	healthChecksTotal.WithLabelValues(name, healthLabel(status)).Inc()
	healthyGauge.WithLabelValues(name).Set(boolToGauge(status.Healthy))
	return status, nil
}

// CheckAllHealth probes every registered strategy.
func (c *Context) CheckAllHealth(ctx context.Context) map[string]HealthStatus {
	statuses := map[string]HealthStatus{}
	for _, name := range c.Strategies() {
		status, err := c.CheckHealth(ctx, name)
		if err != nil {
			// Unregistered between listing and probing.
			continue
		}
		statuses[name] = status
	}
	return statuses
}

// Cleanup tears down every registered strategy and empties the registry.
func (c *Context) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	strategies := c.strategies
	c.strategies = map[string]*registeredStrategy{}
	c.active = ""
	c.mu.Unlock()

	var errs error
	for name, entry := range strategies {
		if err := entry.strategy.Cleanup(ctx); err != nil {
			errs = multierr.Append(errs, err)
			c.log.Error("cleaning up strategy", zap.String("provider", name), zap.Error(err))
		}
	}
	return errs
}

func resultLabel(result Result) string {
	if result.Success {
		return "success"
	}
	return "error"
}

func healthLabel(status HealthStatus) string {
	if status.Healthy {
		return "healthy"
	}
	return "unhealthy"
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
