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
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// SSMBehavior must be reset between tests otherwise tests will
// pollute each other.
type SSMBehavior struct {
	GetParameterBehavior MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]
}

// SSMAPI resolves parameters out of the Parameters map; unknown names get the
// same ParameterNotFound the real service returns.
type SSMAPI struct {
	sdk.SSMAPI
	SSMBehavior

	Parameters sync.Map // parameter name -> string value
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SSMAPI) Reset() {
	s.GetParameterBehavior.Reset()
	s.Parameters.Clear()
}

func (s *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return s.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		name := aws.ToString(input.Name)
		value, ok := s.Parameters.Load(name)
		if !ok {
			return nil, &ssmtypes.ParameterNotFound{Message: lo.ToPtr(fmt.Sprintf("parameter %s not found", name))}
		}
		return &ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{
				Name:    lo.ToPtr(name),
				Value:   lo.ToPtr(value.(string)),
				Type:    ssmtypes.ParameterTypeString,
				Version: 1,
				ARN:     lo.ToPtr(fmt.Sprintf("arn:aws:ssm:us-east-1:%s:parameter%s", DefaultAccountID, name)),
			},
		}, nil
	})
}
