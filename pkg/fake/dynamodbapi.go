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
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
)

// DynamoDBAPI stores items in nested maps keyed by table name and partition
// key. AttributeValue is an interface type that MockedFunction's JSON cloning
// cannot round-trip, so this fake tracks state directly and injects errors
// through NextError.
type DynamoDBAPI struct {
	sdk.DynamoDBAPI

	NextError AtomicError

	mu     sync.RWMutex
	tables map[string]map[string]map[string]ddbtypes.AttributeValue
}

func NewDynamoDBAPI() *DynamoDBAPI {
	return &DynamoDBAPI{tables: map[string]map[string]map[string]ddbtypes.AttributeValue{}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (d *DynamoDBAPI) Reset() {
	d.NextError.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables = map[string]map[string]map[string]ddbtypes.AttributeValue{}
}

func partitionKey(item map[string]ddbtypes.AttributeValue) (string, error) {
	id, ok := item["id"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", &smithy.GenericAPIError{Code: "ValidationException", Message: "item is missing a string id attribute"}
	}
	return id.Value, nil
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	key, err := partitionKey(input.Item)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: lo.ToPtr(fmt.Sprintf("table %s not found", aws.ToString(input.TableName)))}
	}
	table[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	key, err := partitionKey(input.Key)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: lo.ToPtr(fmt.Sprintf("table %s not found", aws.ToString(input.TableName)))}
	}
	return &dynamodb.GetItemOutput{Item: table[key]}, nil
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	key, err := partitionKey(input.Key)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: lo.ToPtr(fmt.Sprintf("table %s not found", aws.ToString(input.TableName)))}
	}
	delete(table, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: lo.ToPtr(fmt.Sprintf("table %s not found", aws.ToString(input.TableName)))}
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range table {
		out.Items = append(out.Items, item)
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (d *DynamoDBAPI) DescribeTable(_ context.Context, input *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: lo.ToPtr(fmt.Sprintf("table %s not found", aws.ToString(input.TableName)))}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{
			TableName:   input.TableName,
			TableStatus: ddbtypes.TableStatusActive,
			ItemCount:   lo.ToPtr(int64(len(table))),
		},
	}, nil
}

func (d *DynamoDBAPI) CreateTable(_ context.Context, input *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if err := d.NextError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tables == nil {
		d.tables = map[string]map[string]map[string]ddbtypes.AttributeValue{}
	}
	name := aws.ToString(input.TableName)
	if _, ok := d.tables[name]; ok {
		return nil, &ddbtypes.ResourceInUseException{Message: lo.ToPtr(fmt.Sprintf("table %s already exists", name))}
	}
	d.tables[name] = map[string]map[string]ddbtypes.AttributeValue{}
	return &dynamodb.CreateTableOutput{
		TableDescription: &ddbtypes.TableDescription{
			TableName:   input.TableName,
			TableStatus: ddbtypes.TableStatusActive,
		},
	}, nil
}
