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

package interruption

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/utils/atomic"
)

// Queue consumes the interruption queue. The queue url is resolved from the
// name once and cached for the life of the consumer.
type Queue struct {
	client   sdk.SQSAPI
	name     string
	queueURL atomic.CachedVal[string]
}

func NewQueue(client sdk.SQSAPI, name string) *Queue {
	q := &Queue{
		client: client,
		name:   name,
	}
	q.queueURL.Resolve = func(ctx context.Context) (string, error) {
		out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(q.name),
		})
		if err != nil {
			return "", fmt.Errorf("fetching queue url, %w", err)
		}
		return aws.ToString(out.QueueUrl), nil
	}
	return q
}

func (q *Queue) Name() string { return q.name }

// Receive long-polls the queue for up to 20 seconds and returns at most one
// batch. The visibility timeout gives the handler 20 seconds before an
// undeleted message is redelivered.
func (q *Queue) Receive(ctx context.Context) ([]sqstypes.Message, error) {
	queueURL, err := q.queueURL.TryGet(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering queue url, %w", err)
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages, %w", err)
	}
	return out.Messages, nil
}

func (q *Queue) Delete(ctx context.Context, msg sqstypes.Message) error {
	queueURL, err := q.queueURL.TryGet(ctx)
	if err != nil {
		return fmt.Errorf("discovering queue url, %w", err)
	}
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		return fmt.Errorf("deleting sqs message, %w", err)
	}
	return nil
}
