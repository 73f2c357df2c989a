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

// Package registration brings the storage backends up at startup. Each
// backend initializes independently; a backend that cannot come up is logged
// and skipped so a broken secondary path never blocks the configured one.
// Startup fails only when no backend registered at all.
package registration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/dynamo"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/file"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/sqlstore"
)

// RegisterFileStorage initializes the file backend and registers it.
func RegisterFileStorage(log *zap.Logger, registry *storage.Registry,
	cfg config.FileStorageConfig, publisher storage.EventPublisher) error {
	store, err := file.NewStore(log, cfg, publisher)
	if err != nil {
		return fmt.Errorf("initializing file storage, %w", err)
	}
	return registry.Register(config.StorageBackendFile, store.Factory())
}

// RegisterSQLStorage opens the database, ensures the schema, and registers
// the sql backend.
func RegisterSQLStorage(ctx context.Context, log *zap.Logger, registry *storage.Registry,
	cfg config.SQLStorageConfig, publisher storage.EventPublisher) error {
	store, err := sqlstore.NewStore(ctx, log, cfg, publisher)
	if err != nil {
		return fmt.Errorf("initializing sql storage, %w", err)
	}
	return registry.Register(config.StorageBackendSQL, store.Factory())
}

// RegisterDynamoStorage ensures the tables exist and registers the dynamodb
// backend. Callers that did not build a DynamoDB client pass nil and the
// backend stays unregistered.
func RegisterDynamoStorage(ctx context.Context, log *zap.Logger, registry *storage.Registry,
	client sdk.DynamoDBAPI, ops *awsops.Operations, cfg config.DynamoStorageConfig,
	publisher storage.EventPublisher) error {
	if client == nil {
		return errors.New(errors.KindConfiguration, "DYNAMO_CLIENT_MISSING",
			"dynamodb storage requires an AWS client")
	}
	store, err := dynamo.NewStore(ctx, log, client, ops, cfg, publisher)
	if err != nil {
		return fmt.Errorf("initializing dynamodb storage, %w", err)
	}
	return registry.Register(config.StorageBackendDynamo, store.Factory())
}

// RegisterAll attempts every backend and reports how startup should proceed:
// nil when at least one backend is usable, an error when none is.
func RegisterAll(ctx context.Context, log *zap.Logger, registry *storage.Registry,
	cfg config.StorageConfig, publisher storage.EventPublisher,
	client sdk.DynamoDBAPI, ops *awsops.Operations) error {
	if err := RegisterFileStorage(log, registry, cfg.File, publisher); err != nil {
		log.Warn("file storage unavailable", zap.Error(err))
	}
	if err := RegisterSQLStorage(ctx, log, registry, cfg.SQL, publisher); err != nil {
		log.Warn("sql storage unavailable", zap.Error(err))
	}
	if err := RegisterDynamoStorage(ctx, log, registry, client, ops, cfg.Dynamo, publisher); err != nil {
		log.Warn("dynamodb storage unavailable", zap.Error(err))
	}
	if registry.Len() == 0 {
		return errors.New(errors.KindConfiguration, "NO_STORAGE_BACKEND",
			"no storage backend could be initialized")
	}
	return nil
}
