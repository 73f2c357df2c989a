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

package templates_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/templates"
)

var _ = Describe("Loader", func() {
	var (
		ctx context.Context
		dir string
		cfg *config.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		cfg = config.Default()
		cfg.Templates.Path = dir
		cfg.Provider.ActiveProvider = "aws-us-east-1"
		cfg.Provider.Providers = []config.ProviderInstanceConfig{
			{Name: "aws-us-east-1", Type: "aws", Enabled: true},
		}
	})

	write := func(name, content string) {
		Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)).To(Succeed())
	}

	source := func() *config.Config { return cfg }

	load := func() *templates.Set {
		set, err := templates.NewLoader(zap.NewNop(), source).Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		return set
	}

	It("should merge files field by field with instance files winning over type and main", func() {
		write("templates.json", `{"t1": {"provider_api": "RunInstances", "subnet_ids": ["subnet-1"], "max_instances": 10, "image_id": "ami-main"}}`)
		write("awsprov_templates.json", `{"t1": {"max_instances": 20, "image_id": "ami-aws"}}`)
		write("aws-us-east-1_templates.json", `{"t1": {"image_id": "ami-instance"}}`)

		set := load()
		tmpl, ok := set.Get("t1")
		Expect(ok).To(BeTrue())
		Expect(tmpl.MaxInstances).To(Equal(20))
		Expect(tmpl.ImageID).To(Equal("ami-instance"))
		Expect(tmpl.ProviderAPI).To(Equal(v1.ProviderAPIRunInstances))
		Expect(tmpl.SubnetIDs).To(Equal([]string{"subnet-1"}))
	})

	It("should record the highest priority contributing file as the source", func() {
		write("templates.json", `{"t1": {"provider_api": "RunInstances", "subnet_ids": ["subnet-1"], "max_instances": 10, "image_id": "ami-main"}}`)
		write("aws-us-east-1_templates.json", `{"t1": {"image_id": "ami-instance"}}`)

		tmpl, _ := load().Get("t1")
		Expect(tmpl.SourceFile).To(Equal("aws-us-east-1_templates.json"))
		Expect(tmpl.FileType).To(Equal(v1.TemplateFileTypeProviderInstance))
	})

	It("should accept a list of template objects", func() {
		write("templates.json", `[{"template_id": "t1", "provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 5}]`)

		tmpl, ok := load().Get("t1")
		Expect(ok).To(BeTrue())
		Expect(tmpl.SourceFile).To(Equal("templates.json"))
		Expect(tmpl.FileType).To(Equal(v1.TemplateFileTypeMain))
	})

	It("should inject object map keys as template ids", func() {
		write("templates.json", `{"t1": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 5}}`)

		tmpl, ok := load().Get("t1")
		Expect(ok).To(BeTrue())
		Expect(tmpl.TemplateID).To(Equal("t1"))
	})

	It("should accept the wrapped templates list form", func() {
		write("templates.json", `{"templates": [{"template_id": "t1", "provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 5}]}`)

		Expect(load().Len()).To(Equal(1))
	})

	It("should load unclaimed template files as legacy at the lowest priority", func() {
		write("onprem_templates.json", `{
			"t1": {"provider_api": "RunInstances", "image_id": "ami-legacy", "subnet_ids": ["subnet-9"], "max_instances": 99},
			"t9": {"provider_api": "RunInstances", "image_id": "ami-legacy", "subnet_ids": ["subnet-9"], "max_instances": 4}
		}`)
		write("templates.json", `{"t1": {"provider_api": "EC2Fleet", "image_id": "ami-main", "subnet_ids": ["subnet-1"], "max_instances": 10}}`)

		set := load()
		t9, ok := set.Get("t9")
		Expect(ok).To(BeTrue())
		Expect(t9.FileType).To(Equal(v1.TemplateFileTypeLegacy))
		t1, _ := set.Get("t1")
		Expect(t1.MaxInstances).To(Equal(10))
		Expect(t1.ImageID).To(Equal("ami-main"))
	})

	It("should ignore null fields from higher priority files", func() {
		write("awsprov_templates.json", `{"t1": {"provider_api": "SpotFleet", "image_id": "ami-aws", "subnet_ids": ["subnet-1"], "max_instances": 8}}`)
		write("aws-us-east-1_templates.json", `{"t1": {"image_id": null, "max_instances": 16}}`)

		t1, _ := load().Get("t1")
		Expect(t1.ImageID).To(Equal("ami-aws"))
		Expect(t1.MaxInstances).To(Equal(16))
	})

	It("should layer global, provider type and instance defaults under explicit fields", func() {
		cfg.Template = map[string]interface{}{"price_type": "spot", "max_instances": 50}
		cfg.ProviderDefaults = map[string]config.ProviderTypeDefaults{
			"aws": {TemplateDefaults: map[string]interface{}{"instance_type": "m5.large", "price_type": "ondemand"}},
		}
		cfg.Provider.Providers[0].TemplateDefaults = map[string]interface{}{
			"aws": map[string]interface{}{"key_name": "east-keys"},
		}
		write("templates.json", `{"t1": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 3}}`)

		t1, _ := load().Get("t1")
		Expect(t1.MaxInstances).To(Equal(3))
		Expect(t1.PriceType).To(Equal(v1.PriceTypeOnDemand))
		Expect(t1.InstanceType).To(Equal("m5.large"))
		Expect(t1.AWS).ToNot(BeNil())
		Expect(t1.AWS.KeyName).To(Equal("east-keys"))
		Expect(t1.ProviderName).To(Equal("aws-us-east-1"))
		Expect(t1.ProviderType).To(Equal("aws"))
	})

	It("should let explicit fields win even when set to zero values", func() {
		cfg.Provider.Providers[0].TemplateDefaults = map[string]interface{}{
			"aws": map[string]interface{}{"monitoring": true},
		}
		write("templates.json", `{"t1": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1, "aws": {"monitoring": false}}}`)

		t1, _ := load().Get("t1")
		Expect(t1.AWS).ToNot(BeNil())
		Expect(t1.AWS.Monitoring).To(BeFalse())
	})

	It("should bind templates to their explicit provider name", func() {
		cfg.Provider.Providers = append(cfg.Provider.Providers, config.ProviderInstanceConfig{
			Name: "aws-us-west-2", Type: "aws",
			TemplateDefaults: map[string]interface{}{"instance_type": "c5.xlarge"},
		})
		write("templates.json", `{"t1": {"provider_name": "aws-us-west-2", "provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1}}`)

		t1, _ := load().Get("t1")
		Expect(t1.ProviderName).To(Equal("aws-us-west-2"))
		Expect(t1.InstanceType).To(Equal("c5.xlarge"))
	})

	It("should drop templates that fail validation and keep the rest", func() {
		write("templates.json", `{
			"t-bad": {"provider_api": "EC2Fleet", "subnet_ids": ["subnet-1"], "max_instances": 1},
			"t-good": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1}
		}`)

		set := load()
		Expect(set.Len()).To(Equal(1))
		_, ok := set.Get("t-bad")
		Expect(ok).To(BeFalse())
		Expect(set.Problems()).To(HaveKey("t-bad"))
		Expect(set.Problems()["t-bad"]).To(MatchError(ContainSubstring("image id")))
	})

	It("should sort the snapshot by template id", func() {
		write("templates.json", `{
			"t-b": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1},
			"t-a": {"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1}
		}`)

		ids := lo.Map(load().All(), func(t *v1.Template, _ int) string { return t.TemplateID })
		Expect(ids).To(Equal([]string{"t-a", "t-b"}))
	})

	It("should fail the load when a file does not parse", func() {
		write("templates.json", `{"t1": `)

		_, err := templates.NewLoader(zap.NewNop(), source).Load(ctx)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("templates.json"))
	})

	It("should reject list entries without a template id", func() {
		write("templates.json", `[{"provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 1}]`)

		_, err := templates.NewLoader(zap.NewNop(), source).Load(ctx)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("template_id"))
	})

	It("should return an empty set when the template directory is missing", func() {
		cfg.Templates.Path = filepath.Join(dir, "missing")

		set := load()
		Expect(set.Len()).To(BeZero())
	})

	It("should ignore files that are not template files", func() {
		write("config.json", `{"provider": {}}`)
		write("notes.txt", "scratch")

		Expect(load().Len()).To(BeZero())
	})
})
