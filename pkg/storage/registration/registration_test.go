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

package registration_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/fake"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/registration"
)

var _ = Describe("Registration", func() {
	var (
		ctx      context.Context
		ddbapi   *fake.DynamoDBAPI
		ops      *awsops.Operations
		registry *storage.Registry
		cfg      config.StorageConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		ddbapi = fake.NewDynamoDBAPI()
		ops = awsops.NewOperations(zap.NewNop())
		registry = storage.NewRegistry(zap.NewNop())
		dir := GinkgoT().TempDir()
		cfg = config.StorageConfig{
			Backend: config.StorageBackendFile,
			File:    config.FileStorageConfig{BasePath: filepath.Join(dir, "data")},
			SQL: config.SQLStorageConfig{
				Driver: "sqlite",
				DSN:    "file:" + filepath.Join(dir, "state.db"),
			},
			Dynamo: config.DynamoStorageConfig{TablePrefix: "hf"},
		}
	})

	It("should register every backend that comes up", func() {
		Expect(registration.RegisterAll(ctx, zap.NewNop(), registry, cfg, nil, ddbapi, ops)).To(Succeed())
		Expect(registry.Names()).To(Equal([]string{
			config.StorageBackendDynamo,
			config.StorageBackendFile,
			config.StorageBackendSQL,
		}))
	})
	It("should skip the dynamodb backend without a client", func() {
		Expect(registration.RegisterAll(ctx, zap.NewNop(), registry, cfg, nil, nil, ops)).To(Succeed())
		Expect(registry.Names()).To(Equal([]string{
			config.StorageBackendFile,
			config.StorageBackendSQL,
		}))
	})
	It("should tolerate one broken backend", func() {
		cfg.SQL.Driver = "bogus"
		Expect(registration.RegisterAll(ctx, zap.NewNop(), registry, cfg, nil, ddbapi, ops)).To(Succeed())
		Expect(registry.Names()).To(Equal([]string{
			config.StorageBackendDynamo,
			config.StorageBackendFile,
		}))
	})
	It("should fail only when no backend registers", func() {
		blocker := filepath.Join(GinkgoT().TempDir(), "blocker")
		Expect(os.WriteFile(blocker, []byte("x"), 0o600)).To(Succeed())
		cfg.File.BasePath = filepath.Join(blocker, "nested")
		cfg.SQL.Driver = "bogus"

		err := registration.RegisterAll(ctx, zap.NewNop(), registry, cfg, nil, nil, ops)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(registry.Len()).To(BeZero())
	})
	It("should reject duplicate backend registration", func() {
		Expect(registration.RegisterFileStorage(zap.NewNop(), registry, cfg.File, nil)).To(Succeed())
		err := registration.RegisterFileStorage(zap.NewNop(), registry, cfg.File, nil)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
	})
})
