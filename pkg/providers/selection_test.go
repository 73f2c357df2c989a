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

package providers_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
)

var _ = Describe("SelectionService", func() {
	var selection *providers.SelectionService
	var cfg config.ProviderConfig

	BeforeEach(func() {
		selection = providers.NewSelectionService(zap.NewNop(), nil)
		cfg = config.ProviderConfig{
			SelectionPolicy: config.PolicyFirstAvailable,
			Providers: []config.ProviderInstanceConfig{
				{Name: "aws-us-east-1", Type: "aws", Enabled: true, Priority: 1, Weight: 3},
				{Name: "aws-us-west-2", Type: "aws", Enabled: true, Priority: 2, Weight: 1},
				{Name: "aws-disabled", Type: "aws", Enabled: false, Priority: 3},
			},
		}
	})

	It("should pick the instance the template names", func() {
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderName = "aws-us-west-2"

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-west-2"))
		Expect(result.ProviderType).To(Equal("aws"))
		Expect(result.Confidence).To(BeNumerically("==", 1.0))
		Expect(result.Reason).To(ContainSubstring("names provider instance"))
		Expect(result.Alternatives).To(ContainElement("aws-us-east-1"))
	})
	It("should fail when the named instance is unknown", func() {
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderName = "aws-eu-west-1"

		_, err := selection.Select(cfg, template)
		Expect(err).To(HaveOccurred())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeStrategyNotFound))
	})
	It("should fail when the named instance is disabled", func() {
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderName = "aws-disabled"

		_, err := selection.Select(cfg, template)
		Expect(err).To(HaveOccurred())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNoStrategyAvailable))
	})
	It("should apply the selection policy over the template's provider type", func() {
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderType = "aws"

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-east-1"))
		Expect(result.Confidence).To(BeNumerically("==", 0.9))
		Expect(result.Alternatives).To(ConsistOf("aws-us-west-2"))
	})
	It("should cycle enabled instances of a type under round robin", func() {
		cfg.SelectionPolicy = config.PolicyRoundRobin
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderType = "aws"

		var picks []string
		for i := 0; i < 4; i++ {
			result, err := selection.Select(cfg, template)
			Expect(err).To(BeNil())
			picks = append(picks, result.ProviderInstance)
		}
		Expect(picks).To(Equal([]string{"aws-us-east-1", "aws-us-west-2", "aws-us-east-1", "aws-us-west-2"}))
	})
	It("should honor weights under weighted round robin", func() {
		cfg.SelectionPolicy = config.PolicyWeightedRoundRobin
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderType = "aws"

		counts := map[string]int{}
		for i := 0; i < 8; i++ {
			result, err := selection.Select(cfg, template)
			Expect(err).To(BeNil())
			counts[result.ProviderInstance]++
		}
		Expect(counts["aws-us-east-1"]).To(BeNumerically("==", 6))
		Expect(counts["aws-us-west-2"]).To(BeNumerically("==", 2))
	})
	It("should fail when no enabled instance matches the provider type", func() {
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderType = "azure"

		_, err := selection.Select(cfg, template)
		Expect(err).To(HaveOccurred())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNoStrategyAvailable))
	})
	It("should pick an instance declaring the template's provider api", func() {
		cfg.Providers[0].Capabilities = []string{"SpotFleet"}
		cfg.Providers[1].Capabilities = []string{"EC2Fleet"}
		template := coreTemplate(v1.ProviderAPIEC2Fleet)

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-west-2"))
		Expect(result.Confidence).To(BeNumerically("==", 0.7))
	})
	It("should treat an empty capability list as the full set", func() {
		template := coreTemplate(v1.ProviderAPIRunInstances)

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-east-1"))
	})
	It("should fall back to the configured default when no instance supports the api", func() {
		cfg.ActiveProvider = "aws-us-west-2"
		cfg.Providers[0].Capabilities = []string{"SpotFleet"}
		cfg.Providers[1].Capabilities = []string{"SpotFleet"}
		template := coreTemplate(v1.ProviderAPIEC2Fleet)

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-west-2"))
		Expect(result.Confidence).To(BeNumerically("==", 0.5))
		Expect(result.Reason).To(ContainSubstring("default"))
	})
	It("should fall back to the first enabled instance without a default", func() {
		cfg.Providers[0].Capabilities = []string{"SpotFleet"}
		cfg.Providers[1].Capabilities = []string{"SpotFleet"}
		template := coreTemplate(v1.ProviderAPIEC2Fleet)

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-east-1"))
		Expect(result.Reason).To(Equal("first enabled provider instance"))
	})
	It("should fail when nothing is enabled", func() {
		cfg.Providers = []config.ProviderInstanceConfig{
			{Name: "aws-disabled", Type: "aws", Enabled: false},
		}
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderAPI = ""

		_, err := selection.Select(cfg, template)
		Expect(err).To(HaveOccurred())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNoStrategyAvailable))
	})
	It("should require a template", func() {
		_, err := selection.Select(cfg, nil)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should consult recorded response times under fastest response", func() {
		providerContext := providers.NewContext(zap.NewNop())
		slow := newFakeStrategy("aws-us-east-1", "aws")
		slow.delay = 20 * time.Millisecond
		fast := newFakeStrategy("aws-us-west-2", "aws")
		providerContext.Register(ctx, slow)
		providerContext.Register(ctx, fast)
		providerContext.ExecuteWithStrategy(ctx, "aws-us-east-1", newOperation(providers.OperationGetInstanceStatus))
		providerContext.ExecuteWithStrategy(ctx, "aws-us-west-2", newOperation(providers.OperationGetInstanceStatus))

		selection = providers.NewSelectionService(zap.NewNop(), providerContext)
		cfg.SelectionPolicy = config.PolicyFastestResponse
		template := coreTemplate(v1.ProviderAPIEC2Fleet)
		template.ProviderType = "aws"

		result, err := selection.Select(cfg, template)
		Expect(err).To(BeNil())
		Expect(result.ProviderInstance).To(Equal("aws-us-west-2"))
	})
})
