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
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// SelectionResult names the provider instance chosen for a template and how
// the choice was made.
type SelectionResult struct {
	ProviderType     string   `json:"provider_type"`
	ProviderInstance string   `json:"provider_instance"`
	Reason           string   `json:"selection_reason"`
	Confidence       float64  `json:"confidence"`
	Alternatives     []string `json:"alternatives,omitempty"`
}

// MetricsSource exposes per-strategy counters to the selection service;
// Context satisfies it. The fastest-response policy degrades to first
// available without one.
type MetricsSource interface {
	MetricsSnapshot(name string) (MetricsSnapshot, bool)
}

// SelectionService picks a provider instance for a template. Precedence:
// an instance named by the template, then the selection policy over enabled
// instances of the template's provider type, then any enabled instance
// declaring the template's provider API, then the configured default
// followed by the first enabled instance.
type SelectionService struct {
	metricsSource MetricsSource
	log           *zap.Logger

	mu         sync.Mutex
	rrCounters map[string]int
}

func NewSelectionService(log *zap.Logger, metricsSource MetricsSource) *SelectionService {
	return &SelectionService{
		metricsSource: metricsSource,
		log:           log.Named("provider-selection"),
		rrCounters:    map[string]int{},
	}
}

// Select applies the precedence chain and returns the choice with its reason,
// confidence, and the candidates passed over.
func (s *SelectionService) Select(cfg config.ProviderConfig, template *v1.Template) (SelectionResult, error) {
	if template == nil {
		return SelectionResult{}, errors.New(errors.KindValidation, "TEMPLATE_REQUIRED",
			"provider selection requires a template")
	}

	if template.ProviderName != "" {
		return s.selectNamed(cfg, template.ProviderName)
	}
	if template.ProviderType != "" {
		return s.selectByType(cfg, template.ProviderType)
	}
	if template.ProviderAPI != "" {
		if result, err := s.selectByAPI(cfg, template.ProviderAPI); err == nil {
			return result, nil
		}
	}
	return s.selectDefault(cfg)
}

// selectNamed resolves step one: the template names an instance outright.
func (s *SelectionService) selectNamed(cfg config.ProviderConfig, name string) (SelectionResult, error) {
	instance, ok := cfg.Instance(name)
	if !ok {
		return SelectionResult{}, errors.Newf(errors.KindProviderOperation, errors.CodeStrategyNotFound,
			"template names unknown provider instance %q", name).WithDetail("provider", name)
	}
	if !instance.Enabled {
		return SelectionResult{}, errors.Newf(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"provider instance %q is disabled", name).WithDetail("provider", name)
	}
	return SelectionResult{
		ProviderType:     instance.Type,
		ProviderInstance: instance.Name,
		Reason:           fmt.Sprintf("template names provider instance %q", name),
		Confidence:       1.0,
		Alternatives:     instanceNames(byPriority(cfg.Enabled()), instance.Name),
	}, nil
}

// selectByType resolves step two: the configured policy over enabled
// instances of the template's provider type.
func (s *SelectionService) selectByType(cfg config.ProviderConfig, providerType string) (SelectionResult, error) {
	candidates := byPriority(lo.Filter(cfg.Enabled(), func(i config.ProviderInstanceConfig, _ int) bool {
		return i.Type == providerType
	}))
	if len(candidates) == 0 {
		return SelectionResult{}, errors.Newf(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"no enabled provider instance of type %q", providerType).WithDetail("provider_type", providerType)
	}
	picked := s.applyPolicy(cfg.SelectionPolicy, "type:"+providerType, candidates)
	return SelectionResult{
		ProviderType:     picked.Type,
		ProviderInstance: picked.Name,
		Reason:           fmt.Sprintf("policy %s over provider type %q", cfg.SelectionPolicy, providerType),
		Confidence:       0.9,
		Alternatives:     instanceNames(candidates, picked.Name),
	}, nil
}

// selectByAPI resolves step three: any enabled instance declaring support for
// the template's provider API. An instance with an empty capability list
// supports its provider type's full set.
func (s *SelectionService) selectByAPI(cfg config.ProviderConfig, api v1.ProviderAPI) (SelectionResult, error) {
	candidates := byPriority(lo.Filter(cfg.Enabled(), func(i config.ProviderInstanceConfig, _ int) bool {
		return instanceSupportsAPI(i, api)
	}))
	if len(candidates) == 0 {
		return SelectionResult{}, errors.Newf(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"no enabled provider instance supports provider api %q", api).WithDetail("provider_api", string(api))
	}
	picked := candidates[0]
	return SelectionResult{
		ProviderType:     picked.Type,
		ProviderInstance: picked.Name,
		Reason:           fmt.Sprintf("provider instance supports provider api %q", api),
		Confidence:       0.7,
		Alternatives:     instanceNames(candidates, picked.Name),
	}, nil
}

// selectDefault resolves step four: the configured default instance, then
// the first enabled instance.
func (s *SelectionService) selectDefault(cfg config.ProviderConfig) (SelectionResult, error) {
	enabled := byPriority(cfg.Enabled())
	if cfg.ActiveProvider != "" {
		if instance, ok := cfg.Instance(cfg.ActiveProvider); ok && instance.Enabled {
			return SelectionResult{
				ProviderType:     instance.Type,
				ProviderInstance: instance.Name,
				Reason:           fmt.Sprintf("configured default provider instance %q", instance.Name),
				Confidence:       0.5,
				Alternatives:     instanceNames(enabled, instance.Name),
			}, nil
		}
		s.log.Warn("configured default provider is unknown or disabled",
			zap.String("provider", cfg.ActiveProvider))
	}
	if len(enabled) == 0 {
		return SelectionResult{}, errors.New(errors.KindProviderOperation, errors.CodeNoStrategyAvailable,
			"no enabled provider instance configured")
	}
	picked := enabled[0]
	return SelectionResult{
		ProviderType:     picked.Type,
		ProviderInstance: picked.Name,
		Reason:           "first enabled provider instance",
		Confidence:       0.5,
		Alternatives:     instanceNames(enabled, picked.Name),
	}, nil
}

func (s *SelectionService) applyPolicy(policy string, scope string, candidates []config.ProviderInstanceConfig) config.ProviderInstanceConfig {
	switch policy {
	case config.PolicyRoundRobin:
		return candidates[s.nextCounter(scope)%len(candidates)]
	case config.PolicyWeightedRoundRobin:
		return s.pickWeightedInstance(scope, candidates)
	case config.PolicyFastestResponse:
		return s.pickFastestInstance(candidates)
	case config.PolicyCapabilityBased:
		// Prefer instances that declare capabilities explicitly.
		if picked, ok := lo.Find(candidates, func(i config.ProviderInstanceConfig) bool {
			return len(i.Capabilities) > 0
		}); ok {
			return picked
		}
		return candidates[0]
	default:
		return candidates[0]
	}
}

func (s *SelectionService) nextCounter(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rrCounters[scope]
	s.rrCounters[scope] = n + 1
	return n
}

// pickWeightedInstance buckets a shared counter over the cumulative weights,
// so instance i is picked weight_i times out of every total.
func (s *SelectionService) pickWeightedInstance(scope string, candidates []config.ProviderInstanceConfig) config.ProviderInstanceConfig {
	total := lo.SumBy(candidates, func(i config.ProviderInstanceConfig) int {
		return max(i.Weight, 1)
	})
	n := s.nextCounter(scope) % total
	for _, candidate := range candidates {
		n -= max(candidate.Weight, 1)
		if n < 0 {
			return candidate
		}
	}
	return candidates[len(candidates)-1]
}

// pickFastestInstance consults the metrics source for rolling response
// times; instances with no recorded operations are tried first.
func (s *SelectionService) pickFastestInstance(candidates []config.ProviderInstanceConfig) config.ProviderInstanceConfig {
	if s.metricsSource == nil {
		return candidates[0]
	}
	best := candidates[0]
	bestAvg := s.averageResponse(best.Name)
	for _, candidate := range candidates[1:] {
		if avg := s.averageResponse(candidate.Name); avg < bestAvg {
			best, bestAvg = candidate, avg
		}
	}
	return best
}

func (s *SelectionService) averageResponse(name string) float64 {
	snapshot, ok := s.metricsSource.MetricsSnapshot(name)
	if !ok {
		return 0
	}
	return snapshot.AverageResponseMs
}

func instanceSupportsAPI(instance config.ProviderInstanceConfig, api v1.ProviderAPI) bool {
	if len(instance.Capabilities) == 0 {
		return true
	}
	return lo.Contains(instance.Capabilities, string(api))
}

// byPriority orders instances by ascending priority value, keeping the
// configured order for ties.
func byPriority(instances []config.ProviderInstanceConfig) []config.ProviderInstanceConfig {
	ordered := append([]config.ProviderInstanceConfig{}, instances...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

func instanceNames(instances []config.ProviderInstanceConfig, exclude string) []string {
	return lo.FilterMap(instances, func(i config.ProviderInstanceConfig, _ int) (string, bool) {
		return i.Name, i.Name != exclude
	})
}
