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

package nativespec_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/nativespec"
)

var _ = Describe("NativeSpec", func() {
	var (
		service  *nativespec.Service
		template *v1.Template
		request  *v1.Request
	)

	BeforeEach(func() {
		service = nativespec.NewService(zap.NewNop(), true)
		template = &v1.Template{
			TemplateID:   "tmpl-1",
			ProviderAPI:  v1.ProviderAPIEC2Fleet,
			ImageID:      "ami-12345",
			InstanceType: "t3.micro",
			SubnetIDs:    []string{"subnet-a"},
			AWS:          &v1.AWSTemplateExtensions{},
		}
		request = &v1.Request{
			RequestID:    "req-1",
			TemplateID:   "tmpl-1",
			MachineCount: 5,
		}
	})

	Describe("Render", func() {
		It("should render request and template variables into the spec", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(
				`{"Type":"instant","TargetCapacitySpecification":{"TotalTargetCapacity":"{{ requested_count }}"}}`)

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(rendered)).To(ContainSubstring(`"TotalTargetCapacity":"5"`))
		})

		It("should bind variables as bare identifiers and as document fields", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(
				`{"bare":"{{ request_id }}","dotted":"{{ .request_id }}","image":"{{ image_id }}"}`)

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]string
			Expect(json.Unmarshal(rendered, &doc)).To(Succeed())
			Expect(doc).To(HaveKeyWithValue("bare", "req-1"))
			Expect(doc).To(HaveKeyWithValue("dotted", "req-1"))
			Expect(doc).To(HaveKeyWithValue("image", "ami-12345"))
		})

		It("should expose sprig functions to spec expressions", func() {
			template.InstanceType = ""
			template.AWS.ProviderAPISpec = json.RawMessage(
				`{"UserData":"{{ b64enc "#!/bin/bash" }}","InstanceType":"{{ instance_type | default "m5.large" }}"}`)

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]string
			Expect(json.Unmarshal(rendered, &doc)).To(Succeed())
			Expect(doc).To(HaveKeyWithValue("UserData", "IyEvYmluL2Jhc2g="))
			Expect(doc).To(HaveKeyWithValue("InstanceType", "m5.large"))
		})

		It("should bind handler-injected variables", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(`{"lt":"{{ launch_template_id }}"}`)

			rendered, err := service.Render(template, request, nativespec.Vars{"launch_template_id": "lt-9"})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(rendered)).To(ContainSubstring(`"lt":"lt-9"`))
		})

		It("should bind package information", func() {
			service = nativespec.NewService(zap.NewNop(), true,
				nativespec.WithPackageInfo("hostfactory", "1.2.3"))
			template.AWS.ProviderAPISpec = json.RawMessage(`{"by":"{{ package_name }}/{{ package_version }}"}`)

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(rendered)).To(ContainSubstring(`"by":"hostfactory/1.2.3"`))
		})

		It("should return nil when the template declares no spec", func() {
			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(rendered).To(BeNil())
		})

		It("should return nil when the template has no provider extensions", func() {
			template.AWS = nil
			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(rendered).To(BeNil())
		})

		It("should return nil when the service is disabled", func() {
			service = nativespec.NewService(zap.NewNop(), false)
			template.AWS.ProviderAPISpec = json.RawMessage(`{"Type":"instant"}`)

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(rendered).To(BeNil())
		})

		It("should load the spec from a file relative to the base directory", func() {
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "fleet.json"),
				[]byte(`{"Type":"instant","Count":"{{ requested_count }}"}`), 0o600)).To(Succeed())
			service = nativespec.NewService(zap.NewNop(), true, nativespec.WithBaseDir(dir))
			template.AWS.ProviderAPISpecFile = "fleet.json"

			rendered, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(rendered)).To(ContainSubstring(`"Count":"5"`))
		})

		It("should fail with a configuration error when the spec file is missing", func() {
			service = nativespec.NewService(zap.NewNop(), true, nativespec.WithBaseDir(GinkgoT().TempDir()))
			template.AWS.ProviderAPISpecFile = "missing.json"

			_, err := service.Render(template, request, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsConfiguration(err)).To(BeTrue())
		})

		It("should fail at render time on an unknown document field", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(`{"v":"{{ .does_not_exist }}"}`)

			_, err := service.Render(template, request, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsConfiguration(err)).To(BeTrue())
		})

		It("should fail at render time on an unclosed expression", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(`{"v":"{{ request_id "}`)

			_, err := service.Render(template, request, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsConfiguration(err)).To(BeTrue())
		})

		It("should fail when the spec does not render valid JSON", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(`this is not json {{ request_id }}`)

			_, err := service.Render(template, request, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsConfiguration(err)).To(BeTrue())
		})

		It("should render identical output for identical input", func() {
			template.AWS.ProviderAPISpec = json.RawMessage(
				`{"Type":"instant","Count":"{{ requested_count }}","Id":"{{ request_id }}"}`)

			first, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			second, err := service.Render(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Describe("RenderWithMerge", func() {
		BeforeEach(func() {
			template.AWS.ProviderAPISpec = json.RawMessage(
				`{"Type":"instant","TargetCapacitySpecification":{"TotalTargetCapacity":"{{ requested_count }}"}}`)
		})

		It("should overlay handler keys while keeping operator keys", func() {
			merged, err := service.RenderWithMerge(template, request, nil, map[string]interface{}{
				"LaunchTemplateConfigs": []interface{}{
					map[string]interface{}{
						"LaunchTemplateSpecification": map[string]interface{}{
							"LaunchTemplateId": "lt-1",
							"Version":          "1",
						},
					},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]interface{}
			Expect(json.Unmarshal(merged, &doc)).To(Succeed())
			Expect(doc).To(HaveKeyWithValue("Type", "instant"))
			Expect(doc).To(HaveKey("LaunchTemplateConfigs"))
			capacity := doc["TargetCapacitySpecification"].(map[string]interface{})
			Expect(capacity).To(HaveKeyWithValue("TotalTargetCapacity", "5"))
		})

		It("should merge nested objects key by key", func() {
			merged, err := service.RenderWithMerge(template, request, nil, map[string]interface{}{
				"TargetCapacitySpecification": map[string]interface{}{
					"DefaultTargetCapacityType": "spot",
				},
			})
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]interface{}
			Expect(json.Unmarshal(merged, &doc)).To(Succeed())
			capacity := doc["TargetCapacitySpecification"].(map[string]interface{})
			Expect(capacity).To(HaveKeyWithValue("TotalTargetCapacity", "5"))
			Expect(capacity).To(HaveKeyWithValue("DefaultTargetCapacityType", "spot"))
		})

		It("should let handler keys win over operator keys", func() {
			merged, err := service.RenderWithMerge(template, request, nil, map[string]interface{}{
				"Type": "request",
			})
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]interface{}
			Expect(json.Unmarshal(merged, &doc)).To(Succeed())
			Expect(doc).To(HaveKeyWithValue("Type", "request"))
		})

		It("should return nil when the template declares no spec", func() {
			template.AWS.ProviderAPISpec = nil

			merged, err := service.RenderWithMerge(template, request, nil, map[string]interface{}{"Type": "instant"})
			Expect(err).ToNot(HaveOccurred())
			Expect(merged).To(BeNil())
		})

		It("should produce identical documents for identical input", func() {
			overrides := map[string]interface{}{"Type": "maintain"}
			first, err := service.RenderWithMerge(template, request, nil, overrides)
			Expect(err).ToNot(HaveOccurred())
			second, err := service.RenderWithMerge(template, request, nil, overrides)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Describe("RenderLaunchTemplateSpec", func() {
		It("should render the launch template document", func() {
			template.AWS.LaunchTemplateSpec = json.RawMessage(
				`{"ImageId":"{{ image_id }}","InstanceType":"{{ instance_type }}"}`)

			rendered, err := service.RenderLaunchTemplateSpec(template, request, nil)
			Expect(err).ToNot(HaveOccurred())

			var doc map[string]string
			Expect(json.Unmarshal(rendered, &doc)).To(Succeed())
			Expect(doc).To(HaveKeyWithValue("ImageId", "ami-12345"))
			Expect(doc).To(HaveKeyWithValue("InstanceType", "t3.micro"))
		})

		It("should return nil when the template declares no launch template spec", func() {
			rendered, err := service.RenderLaunchTemplateSpec(template, request, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(rendered).To(BeNil())
		})
	})

	Describe("CoerceNumericStrings", func() {
		It("should convert string values under the named keys into numbers", func() {
			doc := map[string]interface{}{
				"Type": "instant",
				"TargetCapacitySpecification": map[string]interface{}{
					"TotalTargetCapacity": "5",
				},
				"LaunchTemplateConfigs": []interface{}{
					map[string]interface{}{"WeightedCapacity": "2"},
				},
			}

			nativespec.CoerceNumericStrings(doc, "TotalTargetCapacity", "WeightedCapacity")

			capacity := doc["TargetCapacitySpecification"].(map[string]interface{})
			Expect(capacity["TotalTargetCapacity"]).To(Equal(int64(5)))
			override := doc["LaunchTemplateConfigs"].([]interface{})[0].(map[string]interface{})
			Expect(override["WeightedCapacity"]).To(Equal(int64(2)))
			Expect(doc["Type"]).To(Equal("instant"))
		})

		It("should leave non-numeric strings untouched", func() {
			doc := map[string]interface{}{"TotalTargetCapacity": "lots"}
			nativespec.CoerceNumericStrings(doc, "TotalTargetCapacity")
			Expect(doc["TotalTargetCapacity"]).To(Equal("lots"))
		})
	})
})
