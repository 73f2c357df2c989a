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

// Package dynamo persists aggregates in DynamoDB, one table per aggregate
// kind named <prefix>_<kind>. Items mirror the sql backend's row shape, the
// aggregate id as partition key and the JSON form as an opaque document, so
// FindBy filters in memory after a scan. Units of work stage mutations and
// apply them at commit; DynamoDB gives no cross-item transaction through
// this client, so a mid-commit failure leaves earlier records written.
package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsops "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

// record is the stored item shape.
type record struct {
	ID   string `dynamodbav:"id"`
	Data string `dynamodbav:"data"`
}

// Store holds the table names and the retry wrapper. Provisioned throughput
// rejections classify as throttling, so every call goes through ops.Do.
type Store struct {
	log       *zap.Logger
	client    sdk.DynamoDBAPI
	ops       *awsops.Operations
	publisher storage.EventPublisher

	requestsTable  string
	machinesTable  string
	templatesTable string
}

func NewStore(ctx context.Context, log *zap.Logger, client sdk.DynamoDBAPI, ops *awsops.Operations,
	cfg config.DynamoStorageConfig, publisher storage.EventPublisher) (*Store, error) {
	store := &Store{
		log:            log.Named("dynamo-storage"),
		client:         client,
		ops:            ops,
		publisher:      publisher,
		requestsTable:  tableName(cfg.TablePrefix, "requests"),
		machinesTable:  tableName(cfg.TablePrefix, "machines"),
		templatesTable: tableName(cfg.TablePrefix, "templates"),
	}
	if err := store.ensureTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func tableName(prefix, kind string) string {
	if prefix == "" {
		return kind
	}
	return prefix + "_" + kind
}

func (s *Store) ensureTables(ctx context.Context) error {
	for _, table := range []string{s.requestsTable, s.machinesTable, s.templatesTable} {
		err := s.ops.Do(ctx, "dynamodb", "CreateTable", func(ctx context.Context) error {
			_, callErr := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
				TableName: aws.String(table),
				AttributeDefinitions: []ddbtypes.AttributeDefinition{{
					AttributeName: aws.String("id"),
					AttributeType: ddbtypes.ScalarAttributeTypeS,
				}},
				KeySchema: []ddbtypes.KeySchemaElement{{
					AttributeName: aws.String("id"),
					KeyType:       ddbtypes.KeyTypeHash,
				}},
				BillingMode: ddbtypes.BillingModePayPerRequest,
			})
			return callErr
		})
		if err != nil {
			if errors.APICode(err) == "ResourceInUseException" {
				s.log.Debug("table already exists", zap.String("table", table))
				continue
			}
			return err
		}
		s.log.Info("created table", zap.String("table", table))
	}
	return nil
}

func (s *Store) Factory() storage.Factory {
	return func() storage.UnitOfWork { return s.newUnitOfWork() }
}

type unitOfWork struct {
	store     *Store
	requests  *view[*v1.Request]
	machines  *view[*v1.Machine]
	templates *view[*v1.Template]
	saved     []*v1.Request
}

func (s *Store) newUnitOfWork() *unitOfWork {
	u := &unitOfWork{store: s}
	u.requests = newView(u, s.requestsTable,
		func(r *v1.Request) string { return r.RequestID },
		func(r *v1.Request) { u.saved = append(u.saved, r) })
	u.machines = newView[*v1.Machine](u, s.machinesTable,
		func(m *v1.Machine) string { return m.MachineID }, nil)
	u.templates = newView[*v1.Template](u, s.templatesTable,
		func(t *v1.Template) string { return t.TemplateID }, nil)
	return u
}

func (u *unitOfWork) Begin(context.Context) error { return nil }

func (u *unitOfWork) Commit(ctx context.Context) error {
	for _, flush := range []func(context.Context) error{u.requests.flush, u.machines.flush, u.templates.flush} {
		if err := flush(ctx); err != nil {
			storage.RecordCommit(config.StorageBackendDynamo, err)
			return err
		}
	}
	storage.RecordCommit(config.StorageBackendDynamo, nil)
	u.publishSaved(ctx)
	u.clear()
	return nil
}

func (u *unitOfWork) Rollback(context.Context) error {
	storage.RecordRollback(config.StorageBackendDynamo)
	u.clear()
	return nil
}

func (u *unitOfWork) Requests() storage.RequestRepository   { return u.requests }
func (u *unitOfWork) Machines() storage.MachineRepository   { return u.machines }
func (u *unitOfWork) Templates() storage.TemplateRepository { return u.templates }

func (u *unitOfWork) publishSaved(ctx context.Context) {
	if u.store.publisher == nil {
		return
	}
	var events []v1.DomainEvent
	for _, request := range u.saved {
		events = append(events, request.DrainEvents()...)
	}
	if len(events) == 0 {
		return
	}
	u.store.log.Debug("publishing domain events after commit", zap.Int("events", len(events)))
	storage.RecordEventsPublished(config.StorageBackendDynamo, len(events))
	u.store.publisher(ctx, events...)
}

func (u *unitOfWork) clear() {
	u.requests.reset()
	u.machines.reset()
	u.templates.reset()
	u.saved = nil
}

// view is one staged overlay on a table. Reads consult the staged records
// first so a unit of work sees its own writes before commit.
type view[T any] struct {
	uow     *unitOfWork
	table   string
	id      func(T) string
	onSave  func(T)
	staged  map[string]T
	deleted map[string]struct{}
}

func newView[T any](uow *unitOfWork, table string, id func(T) string, onSave func(T)) *view[T] {
	return &view[T]{
		uow:     uow,
		table:   table,
		id:      id,
		onSave:  onSave,
		staged:  map[string]T{},
		deleted: map[string]struct{}{},
	}
}

func (v *view[T]) Save(_ context.Context, item T) error {
	id := v.id(item)
	if id == "" {
		return errors.New(errors.KindValidation, "AGGREGATE_ID_MISSING",
			"cannot save an aggregate without an id")
	}
	v.staged[id] = item
	delete(v.deleted, id)
	if v.onSave != nil {
		v.onSave(item)
	}
	return nil
}

func (v *view[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	if _, gone := v.deleted[id]; gone {
		return zero, false, nil
	}
	if item, ok := v.staged[id]; ok {
		return item, true, nil
	}
	var out *dynamodb.GetItemOutput
	err := v.uow.store.ops.Do(ctx, "dynamodb", "GetItem", func(ctx context.Context) error {
		var callErr error
		out, callErr = v.uow.store.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(v.table),
			Key:            itemKey(id),
			ConsistentRead: aws.Bool(true),
		})
		return callErr
	})
	if err != nil {
		return zero, false, err
	}
	if len(out.Item) == 0 {
		return zero, false, nil
	}
	item, err := decode[T](v.table, out.Item)
	if err != nil {
		return zero, false, err
	}
	return item, true, nil
}

func (v *view[T]) FindAll(ctx context.Context) ([]T, error) {
	byID := map[string]T{}
	var start map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := v.uow.store.ops.Do(ctx, "dynamodb", "Scan", func(ctx context.Context) error {
			var callErr error
			out, callErr = v.uow.store.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(v.table),
				ExclusiveStartKey: start,
			})
			return callErr
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range out.Items {
			item, err := decode[T](v.table, raw)
			if err != nil {
				return nil, err
			}
			byID[v.id(item)] = item
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	for id, item := range v.staged {
		byID[id] = item
	}
	for id := range v.deleted {
		delete(byID, id)
	}
	ids := lo.Keys(byID)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) T { return byID[id] }), nil
}

func (v *view[T]) FindBy(ctx context.Context, filters map[string]interface{}) ([]T, error) {
	items, err := v.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(items, func(item T, _ int) bool {
		return storage.Matches(item, filters)
	}), nil
}

func (v *view[T]) Delete(_ context.Context, id string) error {
	delete(v.staged, id)
	v.deleted[id] = struct{}{}
	return nil
}

// flush writes staged records then deletions, one call each, in id order.
func (v *view[T]) flush(ctx context.Context) error {
	ids := lo.Keys(v.staged)
	sort.Strings(ids)
	for _, id := range ids {
		item, err := encode(v.table, id, v.staged[id])
		if err != nil {
			return err
		}
		if err := v.uow.store.ops.Do(ctx, "dynamodb", "PutItem", func(ctx context.Context) error {
			_, callErr := v.uow.store.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(v.table),
				Item:      item,
			})
			return callErr
		}); err != nil {
			return err
		}
	}
	gone := lo.Keys(v.deleted)
	sort.Strings(gone)
	for _, id := range gone {
		if err := v.uow.store.ops.Do(ctx, "dynamodb", "DeleteItem", func(ctx context.Context) error {
			_, callErr := v.uow.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(v.table),
				Key:       itemKey(id),
			})
			return callErr
		}); err != nil {
			return err
		}
	}
	return nil
}

func (v *view[T]) reset() {
	v.staged = map[string]T{}
	v.deleted = map[string]struct{}{}
}

func itemKey(id string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"id": &ddbtypes.AttributeValueMemberS{Value: id},
	}
}

func encode[T any](table, id string, item T) (map[string]ddbtypes.AttributeValue, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record %q, %w", table, id, err)
	}
	av, err := attributevalue.MarshalMap(record{ID: id, Data: string(raw)})
	if err != nil {
		return nil, fmt.Errorf("encoding %s record %q, %w", table, id, err)
	}
	return av, nil
}

func decode[T any](table string, item map[string]ddbtypes.AttributeValue) (T, error) {
	var zero T
	var rec record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return zero, fmt.Errorf("decoding %s item, %w", table, err)
	}
	var out T
	if err := json.Unmarshal([]byte(rec.Data), &out); err != nil {
		return zero, fmt.Errorf("decoding %s record %q, %w", table, rec.ID, err)
	}
	return out, nil
}
