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

package config

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Selection policies for picking among enabled provider instances.
const (
	PolicyFirstAvailable     = "FIRST_AVAILABLE"
	PolicyRoundRobin         = "ROUND_ROBIN"
	PolicyWeightedRoundRobin = "WEIGHTED_ROUND_ROBIN"
	PolicyFastestResponse    = "FASTEST_RESPONSE"
	PolicyCapabilityBased    = "CAPABILITY_BASED"
)

// Storage backends.
const (
	StorageBackendFile   = "file"
	StorageBackendSQL    = "sql"
	StorageBackendDynamo = "dynamodb"
)

// Launch template naming and version strategies.
const (
	NamingRequestBased  = "request_based"
	NamingTemplateBased = "template_based"

	VersionStrategyIncremental = "incremental"
	VersionStrategyTimestamp   = "timestamp"
)

// Config is the full provider configuration file model.
type Config struct {
	Provider       ProviderConfig       `json:"provider" toml:"provider"`
	LaunchTemplate LaunchTemplateConfig `json:"launch_template" toml:"launch_template"`
	NativeSpec     NativeSpecConfig     `json:"native_spec" toml:"native_spec"`
	Performance    PerformanceConfig    `json:"performance" toml:"performance"`
	AWSMetrics     AWSMetricsConfig     `json:"aws_metrics" toml:"aws_metrics"`
	Storage        StorageConfig        `json:"storage" toml:"storage"`
	Templates      TemplatesConfig      `json:"templates" toml:"templates"`
	// Template carries global template field defaults applied underneath
	// every loaded template.
	Template map[string]interface{} `json:"template,omitempty" toml:"template,omitempty"`
	// ProviderDefaults carries defaults shared by every instance of a
	// provider type, keyed by type name.
	ProviderDefaults map[string]ProviderTypeDefaults `json:"provider_defaults,omitempty" toml:"provider_defaults,omitempty"`
}

// TypeTemplateDefaults returns the template defaults declared for a provider
// type, nil when the type declares none.
func (c *Config) TypeTemplateDefaults(providerType string) map[string]interface{} {
	return c.ProviderDefaults[providerType].TemplateDefaults
}

// ProviderTypeDefaults groups the per-type default blocks.
type ProviderTypeDefaults struct {
	TemplateDefaults map[string]interface{} `json:"template_defaults,omitempty" toml:"template_defaults,omitempty"`
}

// TemplatesConfig locates template definition files and tunes the reload
// watcher.
type TemplatesConfig struct {
	// Path is the directory scanned for template files.
	Path string `json:"path" toml:"path"`
	// WatchEnabled reloads templates when files under Path change.
	WatchEnabled bool `json:"watch_enabled" toml:"watch_enabled"`
	// DebounceMS collapses bursts of file events into one reload.
	DebounceMS int `json:"debounce_ms" toml:"debounce_ms"`
}

// DebouncePeriod returns the watcher debounce window.
func (t TemplatesConfig) DebouncePeriod() time.Duration {
	return time.Duration(t.DebounceMS) * time.Millisecond
}

// ProviderConfig selects and parameterizes provider instances.
type ProviderConfig struct {
	// ActiveProvider is the fallback default when a request names no provider
	// and no template binds one.
	ActiveProvider      string                   `json:"active_provider" toml:"active_provider"`
	SelectionPolicy     string                   `json:"selection_policy" toml:"selection_policy"`
	HealthCheckInterval int                      `json:"health_check_interval" toml:"health_check_interval"`
	CircuitBreaker      CircuitBreakerConfig     `json:"circuit_breaker" toml:"circuit_breaker"`
	Providers           []ProviderInstanceConfig `json:"providers" toml:"providers"`
}

// HealthCheckPeriod returns the health probe cadence.
func (p ProviderConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Second
}

// Instance returns the named provider instance config.
func (p ProviderConfig) Instance(name string) (ProviderInstanceConfig, bool) {
	return lo.Find(p.Providers, func(i ProviderInstanceConfig) bool { return i.Name == name })
}

// Enabled returns the enabled provider instances.
func (p ProviderConfig) Enabled() []ProviderInstanceConfig {
	return lo.Filter(p.Providers, func(i ProviderInstanceConfig, _ int) bool { return i.Enabled })
}

// CircuitBreakerConfig parameterizes the breaker guarding critical AWS calls.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" toml:"enabled"`
	FailureThreshold int  `json:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  int  `json:"recovery_timeout" toml:"recovery_timeout"`
}

func (c CircuitBreakerConfig) RecoveryPeriod() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Second
}

// ProviderInstanceConfig configures one named provider instance, e.g. an AWS
// provider bound to a region and credential set.
type ProviderInstanceConfig struct {
	Name     string `json:"name" toml:"name"`
	Type     string `json:"type" toml:"type"`
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Priority int    `json:"priority" toml:"priority"`
	Weight   int    `json:"weight" toml:"weight"`
	// Capabilities the instance claims; empty means the provider type's full set.
	Capabilities []string `json:"capabilities,omitempty" toml:"capabilities,omitempty"`
	// Config carries provider-type specific settings (region, endpoint, profile).
	Config map[string]interface{} `json:"config,omitempty" toml:"config,omitempty"`
	// TemplateDefaults are provider-instance level template field defaults.
	TemplateDefaults map[string]interface{} `json:"template_defaults,omitempty" toml:"template_defaults,omitempty"`
}

// StringSetting returns a string entry from the instance's Config map.
func (p ProviderInstanceConfig) StringSetting(key string) (string, bool) {
	v, ok := p.Config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NativeSpecConfig gates vendor-exact spec rendering. With Enabled false
// every render returns nothing and handlers build their default payloads.
type NativeSpecConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
	// BaseDir resolves relative spec file references; empty means the
	// template directory.
	BaseDir string `json:"base_dir,omitempty" toml:"base_dir,omitempty"`
}

// LaunchTemplateConfig tunes launch template lifecycle management.
type LaunchTemplateConfig struct {
	CreatePerRequest       bool   `json:"create_per_request" toml:"create_per_request"`
	NamingStrategy         string `json:"naming_strategy" toml:"naming_strategy"`
	VersionStrategy        string `json:"version_strategy" toml:"version_strategy"`
	ReuseExisting          bool   `json:"reuse_existing" toml:"reuse_existing"`
	MaxVersionsPerTemplate int    `json:"max_versions_per_template" toml:"max_versions_per_template"`
	CleanupOldVersions     bool   `json:"cleanup_old_versions" toml:"cleanup_old_versions"`
}

// PerformanceConfig tunes batching, parallelism and caching.
type PerformanceConfig struct {
	EnableBatching bool           `json:"enable_batching" toml:"enable_batching"`
	BatchSizes     map[string]int `json:"batch_sizes,omitempty" toml:"batch_sizes,omitempty"`
	EnableParallel bool           `json:"enable_parallel" toml:"enable_parallel"`
	MaxWorkers     int            `json:"max_workers" toml:"max_workers"`
	EnableCaching  bool           `json:"enable_caching" toml:"enable_caching"`
	CacheTTL       int            `json:"cache_ttl" toml:"cache_ttl"`
}

func (p PerformanceConfig) CachePeriod() time.Duration {
	return time.Duration(p.CacheTTL) * time.Second
}

// BatchSize returns the configured flush threshold for a batching operation,
// or zero when the operation has no override.
func (p PerformanceConfig) BatchSize(operation string) int {
	if v, ok := p.BatchSizes[operation]; ok && v > 0 {
		return v
	}
	return 0
}

// Workers returns the reconcile fan-out: MaxWorkers with parallel dispatch
// enabled, one without.
func (p PerformanceConfig) Workers() int {
	if !p.EnableParallel || p.MaxWorkers < 1 {
		return 1
	}
	return p.MaxWorkers
}

// AWSMetricsConfig tunes the AWS API instrumentation middleware.
type AWSMetricsConfig struct {
	Enabled             bool     `json:"aws_metrics_enabled" toml:"aws_metrics_enabled"`
	SampleRate          float64  `json:"sample_rate" toml:"sample_rate"`
	MonitoredServices   []string `json:"monitored_services,omitempty" toml:"monitored_services,omitempty"`
	MonitoredOperations []string `json:"monitored_operations,omitempty" toml:"monitored_operations,omitempty"`
	TrackPayloadSizes   bool     `json:"track_payload_sizes" toml:"track_payload_sizes"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	Backend string              `json:"backend" toml:"backend"`
	File    FileStorageConfig   `json:"file" toml:"file"`
	SQL     SQLStorageConfig    `json:"sql" toml:"sql"`
	Dynamo  DynamoStorageConfig `json:"dynamodb" toml:"dynamodb"`
}

type FileStorageConfig struct {
	BasePath string `json:"base_path" toml:"base_path"`
}

type SQLStorageConfig struct {
	Driver string `json:"driver" toml:"driver"`
	DSN    string `json:"dsn" toml:"dsn"`
}

type DynamoStorageConfig struct {
	TablePrefix string `json:"table_prefix" toml:"table_prefix"`
	// Endpoint overrides the service endpoint, e.g. for dynamodb-local.
	Endpoint string `json:"endpoint,omitempty" toml:"endpoint,omitempty"`
}

// Default returns the configuration applied before any file is read.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			SelectionPolicy:     PolicyFirstAvailable,
			HealthCheckInterval: 60,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  60,
			},
		},
		LaunchTemplate: LaunchTemplateConfig{
			CreatePerRequest:       true,
			NamingStrategy:         NamingRequestBased,
			VersionStrategy:        VersionStrategyIncremental,
			ReuseExisting:          true,
			MaxVersionsPerTemplate: 10,
			CleanupOldVersions:     true,
		},
		NativeSpec: NativeSpecConfig{Enabled: true},
		Performance: PerformanceConfig{
			EnableBatching: true,
			EnableParallel: true,
			MaxWorkers:     10,
			EnableCaching:  true,
			CacheTTL:       300,
		},
		AWSMetrics: AWSMetricsConfig{
			Enabled:    true,
			SampleRate: 1.0,
		},
		Storage: StorageConfig{
			Backend: StorageBackendFile,
			File:    FileStorageConfig{BasePath: "data"},
			SQL:     SQLStorageConfig{Driver: "sqlite", DSN: "file:hostfactory.db?_pragma=journal_mode(WAL)"},
			Dynamo:  DynamoStorageConfig{TablePrefix: "hostfactory"},
		},
		Templates: TemplatesConfig{
			Path:         "conf",
			WatchEnabled: true,
			DebounceMS:   500,
		},
	}
}

var validPolicies = []string{
	PolicyFirstAvailable,
	PolicyRoundRobin,
	PolicyWeightedRoundRobin,
	PolicyFastestResponse,
	PolicyCapabilityBased,
}

var validBackends = []string{StorageBackendFile, StorageBackendSQL, StorageBackendDynamo}

// Validate accumulates every configuration problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs error
	if !lo.Contains(validPolicies, c.Provider.SelectionPolicy) {
		errs = multierr.Append(errs, fmt.Errorf("provider.selection_policy %q is not one of %v", c.Provider.SelectionPolicy, validPolicies))
	}
	if c.Provider.HealthCheckInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("provider.health_check_interval must be positive, got %d", c.Provider.HealthCheckInterval))
	}
	if c.Provider.CircuitBreaker.Enabled {
		if c.Provider.CircuitBreaker.FailureThreshold <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("provider.circuit_breaker.failure_threshold must be positive, got %d", c.Provider.CircuitBreaker.FailureThreshold))
		}
		if c.Provider.CircuitBreaker.RecoveryTimeout <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("provider.circuit_breaker.recovery_timeout must be positive, got %d", c.Provider.CircuitBreaker.RecoveryTimeout))
		}
	}
	names := map[string]struct{}{}
	for i, inst := range c.Provider.Providers {
		if inst.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("provider.providers[%d].name is required", i))
		}
		if inst.Type == "" {
			errs = multierr.Append(errs, fmt.Errorf("provider.providers[%d].type is required", i))
		}
		if _, dup := names[inst.Name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("provider.providers[%d].name %q is duplicated", i, inst.Name))
		}
		names[inst.Name] = struct{}{}
		if inst.Weight < 0 {
			errs = multierr.Append(errs, fmt.Errorf("provider.providers[%d].weight must be non-negative, got %d", i, inst.Weight))
		}
	}
	if c.Provider.ActiveProvider != "" && len(c.Provider.Providers) > 0 {
		if _, ok := names[c.Provider.ActiveProvider]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("provider.active_provider %q does not name a configured provider", c.Provider.ActiveProvider))
		}
	}
	if s := c.LaunchTemplate.NamingStrategy; s != NamingRequestBased && s != NamingTemplateBased {
		errs = multierr.Append(errs, fmt.Errorf("launch_template.naming_strategy %q is not one of [%s %s]", s, NamingRequestBased, NamingTemplateBased))
	}
	if s := c.LaunchTemplate.VersionStrategy; s != VersionStrategyIncremental && s != VersionStrategyTimestamp {
		errs = multierr.Append(errs, fmt.Errorf("launch_template.version_strategy %q is not one of [%s %s]", s, VersionStrategyIncremental, VersionStrategyTimestamp))
	}
	if c.LaunchTemplate.MaxVersionsPerTemplate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("launch_template.max_versions_per_template must be positive, got %d", c.LaunchTemplate.MaxVersionsPerTemplate))
	}
	if c.Performance.MaxWorkers <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("performance.max_workers must be positive, got %d", c.Performance.MaxWorkers))
	}
	if c.AWSMetrics.SampleRate < 0 || c.AWSMetrics.SampleRate > 1 {
		errs = multierr.Append(errs, fmt.Errorf("aws_metrics.sample_rate must be within [0, 1], got %v", c.AWSMetrics.SampleRate))
	}
	if !lo.Contains(validBackends, c.Storage.Backend) {
		errs = multierr.Append(errs, fmt.Errorf("storage.backend %q is not one of %v", c.Storage.Backend, validBackends))
	}
	if c.Templates.Path == "" {
		errs = multierr.Append(errs, fmt.Errorf("templates.path must be set"))
	}
	if c.Templates.DebounceMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("templates.debounce_ms must be positive, got %d", c.Templates.DebounceMS))
	}
	return errs
}
