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

package aws_test

import (
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
)

var _ = Describe("RequestTags", func() {
	It("should layer request tags over template tags under the correlation tags", func() {
		tags := awsprovider.RequestTags(
			&v1.Request{RequestID: "req-1", Tags: map[string]string{"env": "prod", "owner": "batch"}},
			&v1.Template{TemplateID: "tmpl-1", Tags: map[string]string{"env": "dev", "team": "hpc"}},
		)
		Expect(tags).To(Equal(map[string]string{
			"env":                    "prod",
			"owner":                  "batch",
			"team":                   "hpc",
			awsprovider.TagRequestID:  "req-1",
			awsprovider.TagTemplateID: "tmpl-1",
		}))
	})

	It("should never let user tags shadow the correlation tags", func() {
		tags := awsprovider.RequestTags(
			&v1.Request{RequestID: "req-1", Tags: map[string]string{awsprovider.TagRequestID: "spoofed"}},
			&v1.Template{TemplateID: "tmpl-1"},
		)
		Expect(tags[awsprovider.TagRequestID]).To(Equal("req-1"))
	})
})

var _ = Describe("EC2Tags", func() {
	It("should emit tags sorted by key", func() {
		tags := awsprovider.EC2Tags(map[string]string{"zebra": "z", "alpha": "a", "mike": "m"})
		Expect(tags).To(Equal([]ec2types.Tag{
			{Key: awssdk.String("alpha"), Value: awssdk.String("a")},
			{Key: awssdk.String("mike"), Value: awssdk.String("m")},
			{Key: awssdk.String("zebra"), Value: awssdk.String("z")},
		}))
	})
})

var _ = Describe("TagSpecifications", func() {
	It("should build one specification per resource type", func() {
		specs := awsprovider.TagSpecifications(map[string]string{"team": "hpc"},
			ec2types.ResourceTypeInstance, ec2types.ResourceTypeVolume)
		Expect(specs).To(HaveLen(2))
		Expect(specs[0].ResourceType).To(Equal(ec2types.ResourceTypeInstance))
		Expect(specs[1].ResourceType).To(Equal(ec2types.ResourceTypeVolume))
		Expect(specs[0].Tags).To(Equal(specs[1].Tags))
	})
})
