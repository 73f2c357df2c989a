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

// Package launchtemplate owns the lifecycle of the EC2 launch templates every
// host handler launches through: naming, creation, versioning and version
// cleanup.
package launchtemplate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/nativespec"
)

const (
	namePrefix     = "hf-lt"
	versionLatest  = "$Latest"
	defaultVolume  = "gp3"
	rootDeviceName = "/dev/xvda"
)

// EnsureResult reports which launch template and version a request launches
// with. CreatedNew is true only when the template itself was created by this
// call; new versions on an existing template report false.
type EnsureResult struct {
	TemplateID   string
	TemplateName string
	Version      string
	CreatedNew   bool
}

// Option configures the manager.
type Option func(*Manager)

// WithNativeSpec lets operator launch_template_spec documents drive the
// launch template data, with computed fields filling whatever the operator
// left out.
func WithNativeSpec(spec *nativespec.Service) Option {
	return func(m *Manager) { m.spec = spec }
}

// Manager creates and versions launch templates. Concurrent ensures for the
// same template name collapse into a single flight, so a name is created at
// most once regardless of how many requests race on it.
type Manager struct {
	log    *zap.Logger
	ec2api sdk.EC2API
	ops    *awsops.Operations
	cfg    config.LaunchTemplateConfig
	spec   *nativespec.Service

	group singleflight.Group
	names *gocache.Cache
}

func NewManager(log *zap.Logger, ec2api sdk.EC2API, ops *awsops.Operations, cfg config.LaunchTemplateConfig, opts ...Option) *Manager {
	m := &Manager{
		log:    log.Named("launchtemplate"),
		ec2api: ec2api,
		ops:    ops,
		cfg:    cfg,
		names:  gocache.New(cache.LaunchTemplateTTL, cache.DefaultCleanupInterval),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrUpdateLaunchTemplate resolves the launch template a request should
// use, creating the template or a new version of it as the configured
// strategies demand. Templates pinned by the operator via
// aws.launch_template_id are used as-is and never mutated.
func (m *Manager) CreateOrUpdateLaunchTemplate(ctx context.Context, template *v1.Template, request *v1.Request) (*EnsureResult, error) {
	if template.AWS != nil && template.AWS.LaunchTemplateID != "" {
		return m.pinned(ctx, template)
	}
	data, err := m.buildData(template, request)
	if err != nil {
		return nil, err
	}
	name := m.templateName(template, request)

	value, err, _ := m.group.Do(name, func() (interface{}, error) {
		return m.ensure(ctx, name, template, request, data)
	})
	if err != nil {
		return nil, err
	}
	result := *(value.(*EnsureResult))
	return &result, nil
}

func (m *Manager) ensure(ctx context.Context, name string, template *v1.Template, request *v1.Request, data *ec2types.RequestLaunchTemplateData) (*EnsureResult, error) {
	var found *EnsureResult
	var err error
	if m.cfg.ReuseExisting {
		if found, err = m.lookup(ctx, name); err != nil {
			return nil, err
		}
	}
	if found == nil {
		created, createErr := m.create(ctx, name, template, request, data)
		if createErr == nil {
			return created, nil
		}
		if !isAlreadyExists(createErr) {
			return nil, createErr
		}
		// Lost a create race to another process; fall through to reuse.
		if found, err = m.lookup(ctx, name); err != nil {
			return nil, err
		}
		if found == nil {
			return nil, createErr
		}
	}
	return m.ensureVersion(ctx, found, data)
}

func (m *Manager) lookup(ctx context.Context, name string) (*EnsureResult, error) {
	if m.cfg.ReuseExisting {
		if cached, ok := m.names.Get(name); ok {
			result := *(cached.(*EnsureResult))
			return &result, nil
		}
	}
	var out *ec2.DescribeLaunchTemplatesOutput
	err := m.ops.Do(ctx, "ec2", "DescribeLaunchTemplates", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateNames: []string{name},
		})
		return err
	})
	if err != nil {
		if errors.IsNotFoundKind(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.LaunchTemplates) == 0 {
		return nil, nil
	}
	result := &EnsureResult{
		TemplateID:   aws.ToString(out.LaunchTemplates[0].LaunchTemplateId),
		TemplateName: name,
	}
	m.names.SetDefault(name, &EnsureResult{TemplateID: result.TemplateID, TemplateName: name})
	return result, nil
}

func (m *Manager) create(ctx context.Context, name string, template *v1.Template, request *v1.Request, data *ec2types.RequestLaunchTemplateData) (*EnsureResult, error) {
	description, err := m.versionDescription(data)
	if err != nil {
		return nil, err
	}
	input := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		VersionDescription: aws.String(description),
		LaunchTemplateData: data,
		TagSpecifications: awsprovider.TagSpecifications(
			awsprovider.RequestTags(request, template), ec2types.ResourceTypeLaunchTemplate),
	}
	var out *ec2.CreateLaunchTemplateOutput
	err = m.ops.DoCritical(ctx, "ec2", "CreateLaunchTemplate", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.CreateLaunchTemplate(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := &EnsureResult{
		TemplateID:   aws.ToString(out.LaunchTemplate.LaunchTemplateId),
		TemplateName: name,
		Version:      "1",
		CreatedNew:   true,
	}
	m.names.SetDefault(name, &EnsureResult{TemplateID: result.TemplateID, TemplateName: name})
	m.log.Info("created launch template",
		zap.String("name", name),
		zap.String("launch_template_id", result.TemplateID),
		zap.String("request_id", request.RequestID))
	return result, nil
}

// ensureVersion picks the version to launch with on an existing template.
// The incremental strategy reuses the latest version while its content hash
// matches and creates a new one only on drift; the timestamp strategy stamps
// a fresh version per ensure so every acquisition is traceable to a version.
func (m *Manager) ensureVersion(ctx context.Context, found *EnsureResult, data *ec2types.RequestLaunchTemplateData) (*EnsureResult, error) {
	if m.cfg.VersionStrategy == config.VersionStrategyTimestamp {
		return m.createVersion(ctx, found, data, time.Now().UTC().Format(time.RFC3339))
	}
	hash, err := dataHash(data)
	if err != nil {
		return nil, err
	}
	latest, err := m.latestVersion(ctx, found.TemplateID)
	if err != nil {
		return nil, err
	}
	if aws.ToString(latest.VersionDescription) == hash {
		result := *found
		result.Version = strconv.FormatInt(aws.ToInt64(latest.VersionNumber), 10)
		return &result, nil
	}
	return m.createVersion(ctx, found, data, hash)
}

func (m *Manager) createVersion(ctx context.Context, found *EnsureResult, data *ec2types.RequestLaunchTemplateData, description string) (*EnsureResult, error) {
	input := &ec2.CreateLaunchTemplateVersionInput{
		LaunchTemplateId:   aws.String(found.TemplateID),
		VersionDescription: aws.String(description),
		LaunchTemplateData: data,
	}
	var out *ec2.CreateLaunchTemplateVersionOutput
	err := m.ops.DoCritical(ctx, "ec2", "CreateLaunchTemplateVersion", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.CreateLaunchTemplateVersion(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	number := aws.ToInt64(out.LaunchTemplateVersion.VersionNumber)
	if m.cfg.CleanupOldVersions && m.cfg.MaxVersionsPerTemplate > 0 {
		if err := m.cleanupVersions(ctx, found.TemplateID); err != nil {
			m.log.Warn("launch template version cleanup failed",
				zap.String("launch_template_id", found.TemplateID), zap.Error(err))
		}
	}
	result := *found
	result.Version = strconv.FormatInt(number, 10)
	result.CreatedNew = false
	return &result, nil
}

func (m *Manager) latestVersion(ctx context.Context, templateID string) (*ec2types.LaunchTemplateVersion, error) {
	var out *ec2.DescribeLaunchTemplateVersionsOutput
	err := m.ops.Do(ctx, "ec2", "DescribeLaunchTemplateVersions", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
			LaunchTemplateId: aws.String(templateID),
			Versions:         []string{versionLatest},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.LaunchTemplateVersions) == 0 {
		return nil, errors.NewNotFound("launch template version", templateID)
	}
	return &out.LaunchTemplateVersions[0], nil
}

// cleanupVersions prunes the oldest versions beyond the configured maximum.
// The default version is never deleted.
func (m *Manager) cleanupVersions(ctx context.Context, templateID string) error {
	var out *ec2.DescribeLaunchTemplateVersionsOutput
	err := m.ops.Do(ctx, "ec2", "DescribeLaunchTemplateVersions", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
			LaunchTemplateId: aws.String(templateID),
		})
		return err
	})
	if err != nil {
		return err
	}
	versions := out.LaunchTemplateVersions
	excess := len(versions) - m.cfg.MaxVersionsPerTemplate
	if excess <= 0 {
		return nil
	}
	sort.Slice(versions, func(i, j int) bool {
		return aws.ToInt64(versions[i].VersionNumber) < aws.ToInt64(versions[j].VersionNumber)
	})
	doomed := make([]string, 0, excess)
	for i := 0; i < len(versions) && len(doomed) < excess; i++ {
		if aws.ToBool(versions[i].DefaultVersion) {
			continue
		}
		doomed = append(doomed, strconv.FormatInt(aws.ToInt64(versions[i].VersionNumber), 10))
	}
	if len(doomed) == 0 {
		return nil
	}
	return m.ops.Do(ctx, "ec2", "DeleteLaunchTemplateVersions", func(ctx context.Context) error {
		_, err := m.ec2api.DeleteLaunchTemplateVersions(ctx, &ec2.DeleteLaunchTemplateVersionsInput{
			LaunchTemplateId: aws.String(templateID),
			Versions:         doomed,
		})
		return err
	})
}

// pinned resolves an operator-managed launch template. The broker never
// creates versions on a pinned template.
func (m *Manager) pinned(ctx context.Context, template *v1.Template) (*EnsureResult, error) {
	id := template.AWS.LaunchTemplateID
	version := template.AWS.LaunchTemplateVersion
	if version == "" {
		version = versionLatest
	}
	var out *ec2.DescribeLaunchTemplatesOutput
	err := m.ops.Do(ctx, "ec2", "DescribeLaunchTemplates", func(ctx context.Context) error {
		var err error
		out, err = m.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateIds: []string{id},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.LaunchTemplates) == 0 {
		return nil, errors.NewNotFound("launch template", id)
	}
	return &EnsureResult{
		TemplateID:   id,
		TemplateName: aws.ToString(out.LaunchTemplates[0].LaunchTemplateName),
		Version:      version,
		CreatedNew:   false,
	}, nil
}

func (m *Manager) templateName(template *v1.Template, request *v1.Request) string {
	if m.cfg.NamingStrategy == config.NamingTemplateBased {
		identity := struct {
			TemplateID   string
			ProviderAPI  string
			ProviderName string
		}{template.TemplateID, string(template.ProviderAPI), template.ProviderName}
		return fmt.Sprintf("%s-%s-%d", namePrefix, template.TemplateID,
			lo.Must(hashstructure.Hash(identity, hashstructure.FormatV2, nil)))
	}
	return fmt.Sprintf("%s-%s", namePrefix, request.RequestID)
}

func (m *Manager) versionDescription(data *ec2types.RequestLaunchTemplateData) (string, error) {
	if m.cfg.VersionStrategy == config.VersionStrategyTimestamp {
		return time.Now().UTC().Format(time.RFC3339), nil
	}
	return dataHash(data)
}

// buildData assembles the launch template data for one request. When the
// operator supplies a launch_template_spec the rendered document wins and
// computed fields only fill what it leaves empty.
func (m *Manager) buildData(template *v1.Template, request *v1.Request) (*ec2types.RequestLaunchTemplateData, error) {
	computed := m.computedData(template, request)
	if m.spec == nil || template.AWS == nil || !template.HasLaunchTemplateSpec() {
		return computed, nil
	}
	rendered, err := m.spec.RenderLaunchTemplateSpec(template, request, nil)
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return computed, nil
	}
	data := &ec2types.RequestLaunchTemplateData{}
	if err := json.Unmarshal(rendered, data); err != nil {
		return nil, errors.NewConfiguration(
			fmt.Sprintf("launch template spec for template %q does not match the EC2 launch template shape", template.TemplateID), err)
	}
	if err := mergo.Merge(data, computed); err != nil {
		return nil, errors.NewConfiguration(
			fmt.Sprintf("merging computed launch template data for template %q", template.TemplateID), err)
	}
	return data, nil
}

func (m *Manager) computedData(template *v1.Template, request *v1.Request) *ec2types.RequestLaunchTemplateData {
	data := &ec2types.RequestLaunchTemplateData{
		TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         awsprovider.EC2Tags(awsprovider.RequestTags(request, template)),
		}},
	}
	if template.ImageID != "" {
		data.ImageId = aws.String(template.ImageID)
	}
	if template.InstanceType != "" {
		data.InstanceType = ec2types.InstanceType(template.InstanceType)
	}
	assignPublicIP := template.AWS != nil && template.AWS.AssignPublicIP
	if assignPublicIP {
		data.NetworkInterfaces = []ec2types.LaunchTemplateInstanceNetworkInterfaceSpecificationRequest{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   template.SecurityGroupIDs,
		}}
	} else if len(template.SecurityGroupIDs) > 0 {
		data.SecurityGroupIds = template.SecurityGroupIDs
	}
	if template.AWS == nil {
		return data
	}
	ext := template.AWS
	if ext.KeyName != "" {
		data.KeyName = aws.String(ext.KeyName)
	}
	if ext.UserData != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(ext.UserData)))
	}
	if ext.InstanceProfile != "" {
		profile := &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{}
		if strings.HasPrefix(ext.InstanceProfile, "arn:") {
			profile.Arn = aws.String(ext.InstanceProfile)
		} else {
			profile.Name = aws.String(ext.InstanceProfile)
		}
		data.IamInstanceProfile = profile
	}
	if ext.Monitoring {
		data.Monitoring = &ec2types.LaunchTemplatesMonitoringRequest{Enabled: aws.Bool(true)}
	}
	if ext.RootDeviceVolumeSize > 0 {
		volumeType := ext.VolumeType
		if volumeType == "" {
			volumeType = defaultVolume
		}
		ebs := &ec2types.LaunchTemplateEbsBlockDeviceRequest{
			VolumeSize:          aws.Int32(ext.RootDeviceVolumeSize),
			VolumeType:          ec2types.VolumeType(volumeType),
			DeleteOnTermination: aws.Bool(true),
		}
		if ext.Iops > 0 {
			ebs.Iops = aws.Int32(ext.Iops)
		}
		data.BlockDeviceMappings = []ec2types.LaunchTemplateBlockDeviceMappingRequest{{
			DeviceName: aws.String(rootDeviceName),
			Ebs:        ebs,
		}}
	}
	return data
}

func dataHash(data *ec2types.RequestLaunchTemplateData) (string, error) {
	hash, err := hashstructure.Hash(data, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing launch template data, %w", err)
	}
	return fmt.Sprintf("content-%d", hash), nil
}

func isAlreadyExists(err error) bool {
	return errors.APICode(err) == "InvalidLaunchTemplateName.AlreadyExistsException"
}
