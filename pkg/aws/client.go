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
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/utils/atomic"
)

// Version is stamped at build time and carried in the SDK user agent.
var Version = "unknown"

type clientOptions struct {
	region     string
	apiOptions []func(*middleware.Stack) error
}

type ClientOption func(*clientOptions)

// WithRegion pins the client to a region instead of resolving one from the
// environment, shared config or IMDS.
func WithRegion(region string) ClientOption {
	return func(o *clientOptions) { o.region = region }
}

// WithAPIOptions appends middleware to every service client built from this
// config, e.g. the API metrics instrumentation.
func WithAPIOptions(opts ...func(*middleware.Stack) error) ClientOption {
	return func(o *clientOptions) { o.apiOptions = append(o.apiOptions, opts...) }
}

// Client owns the shared aws.Config and hands out lazily constructed service
// clients. Service clients are built once and reused; the account id resolves
// on first use through STS and is cached for the process lifetime.
type Client struct {
	Config aws.Config

	log       *zap.Logger
	accountID atomic.CachedVal[string]

	ec2Once    sync.Once
	ec2Client  sdk.EC2API
	asgOnce    sync.Once
	asgClient  sdk.ASGAPI
	sqsOnce    sync.Once
	sqsClient  sdk.SQSAPI
	ssmOnce    sync.Once
	ssmClient  sdk.SSMAPI
	iamOnce    sync.Once
	iamClient  sdk.IAMAPI
	stsOnce    sync.Once
	stsClient  sdk.STSAPI
	ddbOnce    sync.Once
	ddbClient  sdk.DynamoDBAPI
}

// NewClient resolves credentials and region and returns a ready Client. Region
// resolution order: WithRegion option, then environment/shared config, then IMDS.
func NewClient(ctx context.Context, log *zap.Logger, opts ...ClientOption) (*Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if o.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(o.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	if cfg.Region == "" {
		log.Debug("retrieving region from IMDS")
		out, err := imds.NewFromConfig(cfg).GetRegion(ctx, nil)
		if err != nil {
			return nil, errors.NewConfiguration("no AWS region configured and IMDS lookup failed", err)
		}
		cfg.Region = out.Region
	}
	cfg.APIOptions = append(cfg.APIOptions, awsmiddleware.AddUserAgentKeyValue("hostfactory", Version))
	cfg.APIOptions = append(cfg.APIOptions, o.apiOptions...)

	c := &Client{Config: cfg, log: log.Named("aws")}
	c.accountID.Resolve = c.resolveAccountID
	c.log.Debug("discovered region", zap.String("region", cfg.Region))
	return c, nil
}

// APIs carries pre-built service clients for injection into a Client. Nil
// entries fall back to lazy construction from the shared config.
type APIs struct {
	EC2      sdk.EC2API
	ASG      sdk.ASGAPI
	SQS      sdk.SQSAPI
	SSM      sdk.SSMAPI
	IAM      sdk.IAMAPI
	STS      sdk.STSAPI
	DynamoDB sdk.DynamoDBAPI
}

// NewClientFromConfig wraps an existing config and optional pre-built service
// clients, skipping credential and region resolution. Tests inject fakes
// through here.
func NewClientFromConfig(log *zap.Logger, cfg aws.Config, apis APIs) *Client {
	c := &Client{Config: cfg, log: log.Named("aws")}
	c.ec2Client = apis.EC2
	c.asgClient = apis.ASG
	c.sqsClient = apis.SQS
	c.ssmClient = apis.SSM
	c.iamClient = apis.IAM
	c.stsClient = apis.STS
	c.ddbClient = apis.DynamoDB
	c.accountID.Resolve = c.resolveAccountID
	return c
}

func (c *Client) resolveAccountID(ctx context.Context) (string, error) {
	out, err := c.STS().GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("getting caller identity, %w", err)
	}
	return aws.ToString(out.Account), nil
}

func (c *Client) Region() string {
	return c.Config.Region
}

// AccountID returns the caller's account id, resolving it through STS on first use.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	return c.accountID.TryGet(ctx)
}

func (c *Client) EC2() sdk.EC2API {
	c.ec2Once.Do(func() {
		if c.ec2Client == nil {
			c.ec2Client = ec2.NewFromConfig(c.Config)
		}
	})
	return c.ec2Client
}

func (c *Client) ASG() sdk.ASGAPI {
	c.asgOnce.Do(func() {
		if c.asgClient == nil {
			c.asgClient = autoscaling.NewFromConfig(c.Config)
		}
	})
	return c.asgClient
}

func (c *Client) SQS() sdk.SQSAPI {
	c.sqsOnce.Do(func() {
		if c.sqsClient == nil {
			c.sqsClient = sqs.NewFromConfig(c.Config)
		}
	})
	return c.sqsClient
}

func (c *Client) SSM() sdk.SSMAPI {
	c.ssmOnce.Do(func() {
		if c.ssmClient == nil {
			c.ssmClient = ssm.NewFromConfig(c.Config)
		}
	})
	return c.ssmClient
}

func (c *Client) IAM() sdk.IAMAPI {
	c.iamOnce.Do(func() {
		if c.iamClient == nil {
			c.iamClient = iam.NewFromConfig(c.Config)
		}
	})
	return c.iamClient
}

func (c *Client) STS() sdk.STSAPI {
	c.stsOnce.Do(func() {
		if c.stsClient == nil {
			c.stsClient = sts.NewFromConfig(c.Config)
		}
	})
	return c.stsClient
}

func (c *Client) DynamoDB(optFns ...func(*dynamodb.Options)) sdk.DynamoDBAPI {
	c.ddbOnce.Do(func() {
		if c.ddbClient == nil {
			c.ddbClient = dynamodb.NewFromConfig(c.Config, optFns...)
		}
	})
	return c.ddbClient
}

// CheckEC2Connectivity makes a dry-run call to DescribeInstances. If it fails, we
// provide an early indicator that we are having issues connecting to the EC2 API.
func CheckEC2Connectivity(ctx context.Context, api sdk.EC2API) error {
	_, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{DryRun: aws.Bool(true)})
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation" {
		return nil
	}
	return err
}
