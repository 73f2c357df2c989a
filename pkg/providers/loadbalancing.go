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
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// LoadBalancedChild pairs a child strategy with its configured weight.
// Weights below one are treated as one.
type LoadBalancedChild struct {
	Strategy Strategy
	Weight   int
}

// LoadBalancing distributes operations across child strategies. Children are
// assumed healthy until a health probe says otherwise; unhealthy children are
// skipped by every policy.
type LoadBalancing struct {
	name     string
	policy   string
	children []*lbChild
	rr       atomic.Uint64
	mu       sync.Mutex
	log      *zap.Logger
}

type lbChild struct {
	strategy Strategy
	weight   int
	healthy  atomic.Bool
	metrics  *StrategyMetrics

	// smooth weighted round robin state, guarded by LoadBalancing.mu
	current int
}

var loadBalancingPolicies = []string{
	config.PolicyRoundRobin,
	config.PolicyWeightedRoundRobin,
	config.PolicyCapabilityBased,
	config.PolicyFastestResponse,
}

func NewLoadBalancing(log *zap.Logger, name string, policy string, children ...LoadBalancedChild) (*LoadBalancing, error) {
	if !lo.Contains(loadBalancingPolicies, policy) {
		return nil, errors.Newf(errors.KindConfiguration, "LOAD_BALANCING_POLICY_INVALID",
			"policy %q is not one of %v", policy, loadBalancingPolicies)
	}
	l := &LoadBalancing{
		name:   name,
		policy: policy,
		log:    log.Named("loadbalancing").With(zap.String("provider", name)),
	}
	for _, child := range children {
		c := &lbChild{
			strategy: child.Strategy,
			weight:   max(child.Weight, 1),
			metrics:  NewStrategyMetrics(),
		}
		c.healthy.Store(true)
		l.children = append(l.children, c)
	}
	return l, nil
}

func (l *LoadBalancing) Name() string { return l.name }

func (l *LoadBalancing) ProviderType() string {
	if len(l.children) == 0 {
		return ""
	}
	return l.children[0].strategy.ProviderType()
}

func (l *LoadBalancing) Initialize(ctx context.Context) error {
	var errs error
	for _, child := range l.children {
		if err := child.strategy.Initialize(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("initializing %s, %w", child.strategy.Name(), err))
		}
	}
	return errs
}

func (l *LoadBalancing) IsInitialized() bool {
	for _, child := range l.children {
		if !child.strategy.IsInitialized() {
			return false
		}
	}
	return len(l.children) > 0
}

func (l *LoadBalancing) Cleanup(ctx context.Context) error {
	var errs error
	for _, child := range l.children {
		if err := child.strategy.Cleanup(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cleaning up %s, %w", child.strategy.Name(), err))
		}
	}
	return errs
}

func (l *LoadBalancing) Capabilities() Capabilities {
	var merged Capabilities
	for _, child := range l.children {
		merged = merged.Merge(child.strategy.Capabilities())
	}
	return merged
}

// ExecuteOperation picks a child by policy and runs the operation against it.
func (l *LoadBalancing) ExecuteOperation(ctx context.Context, op Operation) Result {
	child := l.pick(op)
	if child == nil {
		return Fail(errors.Newf(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"no healthy child of %q supports operation %s", l.name, op.Type))
	}
	start := time.Now()
	result := child.strategy.ExecuteOperation(ctx, op)
	elapsed := time.Since(start)
	child.metrics.RecordOperation(elapsed, result.Success)
	operationsTotal.WithLabelValues(child.strategy.Name(), string(op.Type), resultLabel(result)).Inc()
	operationDuration.WithLabelValues(child.strategy.Name(), string(op.Type)).Observe(elapsed.Seconds())
	return result
}

// pick applies the configured policy over the healthy children that declare
// the operation.
func (l *LoadBalancing) pick(op Operation) *lbChild {
	eligible := lo.Filter(l.children, func(c *lbChild, _ int) bool {
		return c.healthy.Load() && c.strategy.Capabilities().SupportsOperation(op.Type)
	})
	if len(eligible) == 0 {
		return nil
	}
	switch l.policy {
	case config.PolicyWeightedRoundRobin:
		return l.pickWeighted(eligible)
	case config.PolicyCapabilityBased:
		return l.pickByCapability(eligible, op)
	case config.PolicyFastestResponse:
		return l.pickFastest(eligible)
	default:
		return eligible[int((l.rr.Add(1)-1)%uint64(len(eligible)))]
	}
}

// pickWeighted runs smooth weighted round robin: each pick advances every
// eligible child by its weight and charges the winner the combined weight, so
// the long-run pick ratio matches the weight ratio without bursts.
func (l *LoadBalancing) pickWeighted(eligible []*lbChild) *lbChild {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	var best *lbChild
	for _, child := range eligible {
		child.current += child.weight
		total += child.weight
		if best == nil || child.current > best.current {
			best = child
		}
	}
	best.current -= total
	return best
}

// pickByCapability prefers a child that explicitly declares the template's
// provider API over one that merely accepts the operation.
func (l *LoadBalancing) pickByCapability(eligible []*lbChild, op Operation) *lbChild {
	if template, ok := op.Template(); ok {
		for _, child := range eligible {
			if child.strategy.Capabilities().SupportsAPI(template.ProviderAPI) {
				return child
			}
		}
	}
	return eligible[0]
}

// pickFastest picks the child with the lowest rolling average response time.
// Children with no samples yet report zero and are tried first.
func (l *LoadBalancing) pickFastest(eligible []*lbChild) *lbChild {
	best := eligible[0]
	bestAvg := best.metrics.Snapshot().AverageResponseMs
	for _, child := range eligible[1:] {
		if avg := child.metrics.Snapshot().AverageResponseMs; avg < bestAvg {
			best, bestAvg = child, avg
		}
	}
	return best
}

// CheckHealth probes every child, refreshes the skip flags used by pick, and
// reports healthy while at least one child is.
func (l *LoadBalancing) CheckHealth(ctx context.Context) HealthStatus {
	healthy := 0
	for _, child := range l.children {
		status := child.strategy.CheckHealth(ctx)
		child.healthy.Store(status.Healthy)
		child.metrics.RecordHealthCheck(time.Now())
		healthyGauge.WithLabelValues(child.strategy.Name()).Set(boolToGauge(status.Healthy))
		if status.Healthy {
			healthy++
		}
	}
	return HealthStatus{
		Healthy:   healthy > 0,
		Message:   fmt.Sprintf("%d of %d providers healthy", healthy, len(l.children)),
		CheckedAt: time.Now(),
	}
}

// ChildMetrics returns the counters recorded for the named child.
func (l *LoadBalancing) ChildMetrics(name string) (MetricsSnapshot, bool) {
	for _, child := range l.children {
		if child.strategy.Name() == name {
			return child.metrics.Snapshot(), true
		}
	}
	return MetricsSnapshot{}, false
}
