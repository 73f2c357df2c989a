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

// Package interruption consumes an SQS queue fed by EventBridge with EC2
// lifecycle events and folds them into the machine inventory ahead of the
// next status poll: a spot interruption warning or a state change toward
// stopped marks the affected machines failed, a termination marks them
// terminated. The scheduler then sees the verdict on its next status call
// instead of minutes later.
package interruption

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption/messages"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption/messages/statechange"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

const (
	// Parse and delete fan out per batch under this limit.
	batchWorkers = 10

	// Pause after a failed receive before polling again.
	receiveBackoff = 10 * time.Second
)

type Controller struct {
	log    *zap.Logger
	uow    storage.Factory
	queue  *Queue
	parser *EventParser
}

func NewController(log *zap.Logger, factory storage.Factory, queue *Queue) *Controller {
	return &Controller{
		log:    log.Named("interruption").With(zap.String("queue", queue.Name())),
		uow:    factory,
		queue:  queue,
		parser: NewEventParser(DefaultParsers...),
	}
}

func (c *Controller) Name() string { return "interruption" }

// Run long-polls the queue until the context ends. Receive failures back off
// and retry; they never end the loop.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("receiving interruption messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		c.handleBatch(ctx, batch)
	}
}

// handleBatch parses, handles and deletes the batch in parallel. A message
// that cannot be parsed is deleted anyway, redelivery cannot fix it; a
// message whose handling fails stays on the queue for redelivery.
func (c *Controller) handleBatch(ctx context.Context, batch []sqstypes.Message) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(batchWorkers)
	for _, raw := range batch {
		raw := raw
		group.Go(func() error {
			msg, err := c.parser.Parse(aws.ToString(raw.Body))
			if err != nil {
				c.log.Error("parsing interruption message", zap.Error(err))
				c.delete(ctx, raw)
				return nil
			}
			if err := c.handleMessage(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.log.Warn("handling interruption message",
						zap.String("kind", string(msg.Kind())),
						zap.Error(err))
				}
				return nil
			}
			c.delete(ctx, raw)
			return nil
		})
	}
	_ = group.Wait()
}

// handleMessage marks every machine backed by an interrupted instance.
// Instances the inventory does not know are skipped; the queue also carries
// events for capacity this broker never provisioned.
func (c *Controller) handleMessage(ctx context.Context, msg messages.Message) error {
	receivedMessages.WithLabelValues(string(msg.Kind())).Inc()
	if msg.Kind() == messages.NoOpKind {
		return nil
	}
	err := storage.Execute(ctx, c.uow, func(uow storage.UnitOfWork) error {
		for _, instanceID := range msg.EC2InstanceIDs() {
			machines, err := uow.Machines().FindBy(ctx, map[string]interface{}{"instance_id": instanceID})
			if err != nil {
				return err
			}
			for _, machine := range machines {
				c.mark(msg, machine)
				if err := uow.Machines().Save(ctx, machine); err != nil {
					return err
				}
				c.log.Info("machine interrupted",
					zap.String("machine_id", machine.MachineID),
					zap.String("instance_id", instanceID),
					zap.String("kind", string(msg.Kind())),
					zap.String("status", machine.Status))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if start := msg.StartTime(); !start.IsZero() {
		messageLatency.Observe(time.Since(start).Seconds())
	}
	return nil
}

// mark folds the event into the machine record. State changes carry the
// observed state; a spot warning means the instance is going away in about
// two minutes, so the machine fails ahead of the actual shutdown.
func (c *Controller) mark(msg messages.Message, machine *v1.Machine) {
	if typed, ok := msg.(statechange.Message); ok {
		state := strings.ToLower(typed.Detail.State)
		if state == v1.InstanceStateTerminated {
			machine.MarkTerminated()
			return
		}
		machine.MarkFailed(state)
		return
	}
	machine.MarkFailed(v1.InstanceStateShuttingDown)
}

func (c *Controller) delete(ctx context.Context, raw sqstypes.Message) {
	if err := c.queue.Delete(ctx, raw); err != nil {
		if ctx.Err() == nil {
			c.log.Error("deleting interruption message", zap.Error(err))
		}
		return
	}
	deletedMessages.Inc()
}
