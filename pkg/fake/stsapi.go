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

package fake

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// DefaultAccountID is the account every fake resource belongs to.
const DefaultAccountID = "123456789012"

type STSBehavior struct {
	GetCallerIdentityBehavior MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

type STSAPI struct {
	sdk.STSAPI
	STSBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *STSAPI) Reset() {
	s.GetCallerIdentityBehavior.Reset()
}

func (s *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return s.GetCallerIdentityBehavior.Invoke(input, func(_ *sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: lo.ToPtr(DefaultAccountID),
			Arn:     lo.ToPtr(fmt.Sprintf("arn:aws:iam::%s:user/host-factory", DefaultAccountID)),
			UserId:  lo.ToPtr(newID("AIDA-")),
		}, nil
	})
}
