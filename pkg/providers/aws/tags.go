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

package aws

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
)

// Tag keys every provisioned resource carries so that instances can be
// traced back to the request and template that created them.
const (
	TagRequestID  = "RequestId"
	TagTemplateID = "TemplateId"
)

// RequestTags merges template tags, request tags, and the required
// correlation tags. Request tags win over template tags; the correlation
// tags win over both.
func RequestTags(request *v1.Request, template *v1.Template) map[string]string {
	tags := make(map[string]string, len(template.Tags)+len(request.Tags)+2)
	for k, v := range template.Tags {
		tags[k] = v
	}
	for k, v := range request.Tags {
		tags[k] = v
	}
	tags[TagRequestID] = request.RequestID
	tags[TagTemplateID] = template.TemplateID
	return tags
}

// EC2Tags converts a tag map into the EC2 wire shape, sorted by key so that
// submitted requests are deterministic.
func EC2Tags(tags map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// TagSpecifications builds one EC2 tag specification per resource type from
// the same tag map.
func TagSpecifications(tags map[string]string, resourceTypes ...ec2types.ResourceType) []ec2types.TagSpecification {
	wire := EC2Tags(tags)
	out := make([]ec2types.TagSpecification, 0, len(resourceTypes))
	for _, resourceType := range resourceTypes {
		out = append(out, ec2types.TagSpecification{
			ResourceType: resourceType,
			Tags:         wire,
		})
	}
	return out
}
