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

// Package ami resolves template image references into concrete AMI ids.
package ami

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
)

const (
	ssmPrefix     = "ssm:"
	servicePrefix = "/aws/service/"
)

// Resolver maps image aliases to AMI ids. Plain "ami-..." ids pass through
// untouched; "ssm:<name>" and "/aws/service/..." references resolve through
// SSM parameters with a TTL cache so fleets of requests against the same
// alias hit SSM once per window.
type Resolver struct {
	log    *zap.Logger
	ssmapi sdk.SSMAPI
	ops    *awsops.Operations
	cache  *gocache.Cache
}

func NewResolver(log *zap.Logger, ssmapi sdk.SSMAPI, ops *awsops.Operations) *Resolver {
	return &Resolver{
		log:    log.Named("ami"),
		ssmapi: ssmapi,
		ops:    ops,
		cache:  gocache.New(cache.SSMParameterTTL, cache.DefaultCleanupInterval),
	}
}

func (r *Resolver) Resolve(ctx context.Context, imageID string) (string, error) {
	parameter := parameterName(imageID)
	if parameter == "" {
		return imageID, nil
	}
	if cached, ok := r.cache.Get(parameter); ok {
		return cached.(string), nil
	}
	var out *ssm.GetParameterOutput
	err := r.ops.Do(ctx, "ssm", "GetParameter", func(ctx context.Context) error {
		var err error
		out, err = r.ssmapi.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(parameter)})
		return err
	})
	if err != nil {
		return "", err
	}
	resolved := aws.ToString(out.Parameter.Value)
	r.cache.SetDefault(parameter, resolved)
	r.log.Debug("resolved image alias",
		zap.String("parameter", parameter),
		zap.String("image_id", resolved))
	return resolved, nil
}

func parameterName(imageID string) string {
	if strings.HasPrefix(imageID, ssmPrefix) {
		return strings.TrimPrefix(imageID, ssmPrefix)
	}
	if strings.HasPrefix(imageID, servicePrefix) {
		return imageID
	}
	return ""
}
