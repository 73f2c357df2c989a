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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// IAMBehavior must be reset between tests otherwise tests will
// pollute each other.
type IAMBehavior struct {
	GetRoleBehavior            MockedFunction[iam.GetRoleInput, iam.GetRoleOutput]
	GetInstanceProfileBehavior MockedFunction[iam.GetInstanceProfileInput, iam.GetInstanceProfileOutput]
}

type IAMAPI struct {
	sdk.IAMAPI
	IAMBehavior

	Roles            sync.Map // role name -> iamtypes.Role
	InstanceProfiles sync.Map // instance profile name -> iamtypes.InstanceProfile
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (i *IAMAPI) Reset() {
	i.GetRoleBehavior.Reset()
	i.GetInstanceProfileBehavior.Reset()
	i.Roles.Clear()
	i.InstanceProfiles.Clear()
}

// AddRole registers a role the fake will resolve by name.
func (i *IAMAPI) AddRole(name string) iamtypes.Role {
	role := iamtypes.Role{
		RoleName:   lo.ToPtr(name),
		RoleId:     lo.ToPtr(newID("AROA-")),
		Arn:        lo.ToPtr(fmt.Sprintf("arn:aws:iam::%s:role/%s", DefaultAccountID, name)),
		Path:       lo.ToPtr("/"),
		CreateDate: lo.ToPtr(time.Now()),
	}
	i.Roles.Store(name, role)
	return role
}

// AddInstanceProfile registers an instance profile the fake will resolve by name.
func (i *IAMAPI) AddInstanceProfile(name string) iamtypes.InstanceProfile {
	profile := iamtypes.InstanceProfile{
		InstanceProfileName: lo.ToPtr(name),
		InstanceProfileId:   lo.ToPtr(newID("AIPA-")),
		Arn:                 lo.ToPtr(fmt.Sprintf("arn:aws:iam::%s:instance-profile/%s", DefaultAccountID, name)),
		Path:                lo.ToPtr("/"),
		CreateDate:          lo.ToPtr(time.Now()),
	}
	i.InstanceProfiles.Store(name, profile)
	return profile
}

func (i *IAMAPI) GetRole(_ context.Context, input *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return i.GetRoleBehavior.Invoke(input, func(input *iam.GetRoleInput) (*iam.GetRoleOutput, error) {
		name := aws.ToString(input.RoleName)
		value, ok := i.Roles.Load(name)
		if !ok {
			return nil, &iamtypes.NoSuchEntityException{Message: lo.ToPtr(fmt.Sprintf("role %s not found", name))}
		}
		role := value.(iamtypes.Role)
		return &iam.GetRoleOutput{Role: &role}, nil
	})
}

func (i *IAMAPI) GetInstanceProfile(_ context.Context, input *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	return i.GetInstanceProfileBehavior.Invoke(input, func(input *iam.GetInstanceProfileInput) (*iam.GetInstanceProfileOutput, error) {
		name := aws.ToString(input.InstanceProfileName)
		value, ok := i.InstanceProfiles.Load(name)
		if !ok {
			return nil, &iamtypes.NoSuchEntityException{Message: lo.ToPtr(fmt.Sprintf("instance profile %s not found", name))}
		}
		profile := value.(iamtypes.InstanceProfile)
		return &iam.GetInstanceProfileOutput{InstanceProfile: &profile}, nil
	})
}
