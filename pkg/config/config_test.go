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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

var _ = Describe("Config", func() {
	Context("defaults", func() {
		It("should validate out of the box", func() {
			Expect(config.Default().Validate()).To(Succeed())
		})
		It("should default the selection policy to first available", func() {
			Expect(config.Default().Provider.SelectionPolicy).To(Equal(config.PolicyFirstAvailable))
		})
	})

	Context("performance", func() {
		It("should resolve configured batch sizes and report zero for the rest", func() {
			perf := config.PerformanceConfig{BatchSizes: map[string]int{
				"terminate_instances": 50,
				"create_fleet":        -1,
			}}
			Expect(perf.BatchSize("terminate_instances")).To(Equal(50))
			Expect(perf.BatchSize("create_fleet")).To(Equal(0))
			Expect(perf.BatchSize("describe_instances")).To(Equal(0))
		})
		It("should drop to a single worker when parallel dispatch is off", func() {
			perf := config.Default().Performance
			Expect(perf.Workers()).To(Equal(perf.MaxWorkers))
			perf.EnableParallel = false
			Expect(perf.Workers()).To(Equal(1))
		})
	})

	Context("validation", func() {
		var cfg *config.Config

		BeforeEach(func() {
			cfg = config.Default()
		})

		It("should reject an unknown selection policy", func() {
			cfg.Provider.SelectionPolicy = "RANDOM"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("selection_policy")))
		})
		It("should reject an out of range sample rate", func() {
			cfg.AWSMetrics.SampleRate = 1.5
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("sample_rate")))
		})
		It("should reject duplicate provider names", func() {
			cfg.Provider.Providers = []config.ProviderInstanceConfig{
				{Name: "aws-east", Type: "aws", Enabled: true},
				{Name: "aws-east", Type: "aws", Enabled: true},
			}
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("duplicated")))
		})
		It("should reject an active provider that is not configured", func() {
			cfg.Provider.Providers = []config.ProviderInstanceConfig{{Name: "aws-east", Type: "aws"}}
			cfg.Provider.ActiveProvider = "aws-west"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("active_provider")))
		})
		It("should reject an empty templates path", func() {
			cfg.Templates.Path = ""
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("templates.path")))
		})
		It("should accumulate multiple problems", func() {
			cfg.Provider.SelectionPolicy = "RANDOM"
			cfg.Performance.MaxWorkers = 0
			cfg.Storage.Backend = "memory"
			err := cfg.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("selection_policy"))
			Expect(err.Error()).To(ContainSubstring("max_workers"))
			Expect(err.Error()).To(ContainSubstring("storage.backend"))
		})
	})

	Context("loading", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		write := func(name, content string) string {
			path := filepath.Join(dir, name)
			Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
			return path
		}

		It("should load JSON", func() {
			path := write("config.json", `{
				"provider": {
					"active_provider": "aws-us-east-1",
					"selection_policy": "WEIGHTED_ROUND_ROBIN",
					"providers": [
						{"name": "aws-us-east-1", "type": "aws", "enabled": true, "weight": 3,
						 "config": {"region": "us-east-1"}}
					]
				}
			}`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Provider.SelectionPolicy).To(Equal(config.PolicyWeightedRoundRobin))
			inst, ok := cfg.Provider.Instance("aws-us-east-1")
			Expect(ok).To(BeTrue())
			Expect(inst.Weight).To(Equal(3))
			region, ok := inst.StringSetting("region")
			Expect(ok).To(BeTrue())
			Expect(region).To(Equal("us-east-1"))
			// untouched sections keep their defaults
			Expect(cfg.LaunchTemplate.NamingStrategy).To(Equal(config.NamingRequestBased))
		})
		It("should load YAML", func() {
			path := write("config.yaml", `
provider:
  selection_policy: ROUND_ROBIN
  providers:
    - name: aws-primary
      type: aws
      enabled: true
storage:
  backend: sql
`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Provider.SelectionPolicy).To(Equal(config.PolicyRoundRobin))
			Expect(cfg.Storage.Backend).To(Equal(config.StorageBackendSQL))
		})
		It("should load TOML", func() {
			path := write("config.toml", `
[provider]
selection_policy = "FASTEST_RESPONSE"

[[provider.providers]]
name = "aws-primary"
type = "aws"
enabled = true

[launch_template]
naming_strategy = "template_based"

[performance.batch_sizes]
describe_instances = 100
`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Provider.SelectionPolicy).To(Equal(config.PolicyFastestResponse))
			Expect(cfg.LaunchTemplate.NamingStrategy).To(Equal(config.NamingTemplateBased))
			Expect(cfg.Performance.BatchSize("describe_instances")).To(Equal(100))
		})
		It("should load template default blocks", func() {
			path := write("config.json", `{
				"template": {"price_type": "spot"},
				"provider_defaults": {"aws": {"template_defaults": {"instance_type": "m5.large"}}},
				"templates": {"path": "shared/conf", "debounce_ms": 250}
			}`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Template).To(HaveKeyWithValue("price_type", "spot"))
			Expect(cfg.TypeTemplateDefaults("aws")).To(HaveKeyWithValue("instance_type", "m5.large"))
			Expect(cfg.TypeTemplateDefaults("ibm")).To(BeNil())
			Expect(cfg.Templates.Path).To(Equal("shared/conf"))
			Expect(cfg.Templates.DebouncePeriod()).To(Equal(250 * time.Millisecond))
		})
		It("should reject unknown extensions", func() {
			path := write("config.ini", "[provider]")
			_, err := config.Load(path)
			Expect(errors.KindOf(err)).To(Equal(errors.KindConfiguration))
		})
		It("should wrap parse failures as configuration errors", func() {
			path := write("config.json", `{"provider": `)
			_, err := config.Load(path)
			Expect(errors.KindOf(err)).To(Equal(errors.KindConfiguration))
		})
		It("should surface validation failures from loaded files", func() {
			path := write("config.json", `{"provider": {"selection_policy": "RANDOM"}}`)
			_, err := config.Load(path)
			Expect(err).To(MatchError(ContainSubstring("selection_policy")))
		})
	})

	Context("store", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		write := func(content string) string {
			path := filepath.Join(dir, "config.json")
			Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
			return path
		}

		It("should swap the snapshot on reload", func() {
			path := write(`{"provider": {"selection_policy": "ROUND_ROBIN"}}`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			store := config.NewStore(path, cfg)
			Expect(store.Current().Provider.SelectionPolicy).To(Equal(config.PolicyRoundRobin))

			write(`{"provider": {"selection_policy": "WEIGHTED_ROUND_ROBIN"}}`)
			reloaded, err := store.Reload()
			Expect(err).ToNot(HaveOccurred())
			Expect(reloaded.Provider.SelectionPolicy).To(Equal(config.PolicyWeightedRoundRobin))
			Expect(store.Current()).To(BeIdenticalTo(reloaded))
		})
		It("should keep the previous snapshot when reload fails", func() {
			path := write(`{"provider": {"selection_policy": "ROUND_ROBIN"}}`)
			cfg, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			store := config.NewStore(path, cfg)

			write(`{"provider": `)
			_, err = store.Reload()
			Expect(errors.IsConfiguration(err)).To(BeTrue())
			Expect(store.Current().Provider.SelectionPolicy).To(Equal(config.PolicyRoundRobin))
		})
		It("should refuse to reload without a source path", func() {
			store := config.NewStore("", config.Default())
			_, err := store.Reload()
			Expect(errors.IsConfiguration(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("reloaded")))
		})
	})
})
