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

// Package bus carries the application's command, query, and event traffic.
// Commands mutate state and resolve to exactly one handler, queries are
// side-effect free, and events fan out to every subscriber without letting
// handler failures unwind the commit that produced them.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

type Command interface {
	CommandName() string
}

type Query interface {
	QueryName() string
}

// Event is satisfied by every domain event.
type Event interface {
	EventType() string
}

type CommandHandler interface {
	CommandName() string
	Handle(ctx context.Context, command Command) (string, error)
}

type QueryHandler interface {
	QueryName() string
	Handle(ctx context.Context, query Query) (interface{}, error)
}

type EventHandler interface {
	EventType() string
	Handle(ctx context.Context, event Event) error
}

var (
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "bus",
			Name:      "command_duration_seconds",
			Help:      "Command execution time by command name and result.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.MessageLabel, metrics.ResultLabel},
	)
	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "bus",
			Name:      "query_duration_seconds",
			Help:      "Query execution time by query name and result.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.MessageLabel, metrics.ResultLabel},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Domain events delivered to subscribers.",
		},
		[]string{metrics.MessageLabel},
	)
	eventHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "bus",
			Name:      "event_handler_errors_total",
			Help:      "Event handler failures, swallowed after logging.",
		},
		[]string{metrics.MessageLabel},
	)
)

func init() {
	metrics.MustRegister(commandDuration, queryDuration, eventsPublished, eventHandlerErrors)
}

// CommandBus maps each command name to its single handler.
type CommandBus struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
	logger   *zap.Logger
}

func NewCommandBus(logger *zap.Logger) *CommandBus {
	return &CommandBus{
		handlers: map[string]CommandHandler{},
		logger:   logger.Named("command-bus"),
	}
}

// Register wires a handler at startup. A second handler for the same command
// is a wiring bug, not a replacement.
func (b *CommandBus) Register(handler CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[handler.CommandName()]; ok {
		return errors.Newf(errors.KindConfiguration, "HANDLER_ALREADY_REGISTERED",
			"command %q already has a handler", handler.CommandName())
	}
	b.handlers[handler.CommandName()] = handler
	return nil
}

// Execute resolves the handler for the command and runs it, returning the
// aggregate id the handler produced.
func (b *CommandBus) Execute(ctx context.Context, command Command) (string, error) {
	b.mu.RLock()
	handler, ok := b.handlers[command.CommandName()]
	b.mu.RUnlock()
	if !ok {
		return "", errors.Newf(errors.KindConfiguration, "HANDLER_NOT_REGISTERED",
			"no handler registered for command %q", command.CommandName())
	}
	start := time.Now()
	result, err := handler.Handle(ctx, command)
	commandDuration.WithLabelValues(command.CommandName(), resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		b.logger.Error("command failed",
			zap.String("command", command.CommandName()),
			zap.String("error_code", errors.CodeOf(err)),
			zap.Error(err))
		return "", err
	}
	b.logger.Debug("command executed",
		zap.String("command", command.CommandName()),
		zap.String("result", result),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// QueryBus maps each query name to its single handler. Queries never mutate
// state.
type QueryBus struct {
	mu       sync.RWMutex
	handlers map[string]QueryHandler
	logger   *zap.Logger
}

func NewQueryBus(logger *zap.Logger) *QueryBus {
	return &QueryBus{
		handlers: map[string]QueryHandler{},
		logger:   logger.Named("query-bus"),
	}
}

func (b *QueryBus) Register(handler QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[handler.QueryName()]; ok {
		return errors.Newf(errors.KindConfiguration, "HANDLER_ALREADY_REGISTERED",
			"query %q already has a handler", handler.QueryName())
	}
	b.handlers[handler.QueryName()] = handler
	return nil
}

func (b *QueryBus) Execute(ctx context.Context, query Query) (interface{}, error) {
	b.mu.RLock()
	handler, ok := b.handlers[query.QueryName()]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindConfiguration, "HANDLER_NOT_REGISTERED",
			"no handler registered for query %q", query.QueryName())
	}
	start := time.Now()
	result, err := handler.Handle(ctx, query)
	queryDuration.WithLabelValues(query.QueryName(), resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EventBus fans each event out to its subscribers in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	logger   *zap.Logger
}

func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		handlers: map[string][]EventHandler{},
		logger:   logger.Named("event-bus"),
	}
}

func (b *EventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handler.EventType()] = append(b.handlers[handler.EventType()], handler)
}

// Publish delivers the events in order. Handler errors and panics are logged
// and counted but never propagate; the commit that produced the events has
// already happened.
func (b *EventBus) Publish(ctx context.Context, events ...Event) {
	for _, event := range events {
		b.mu.RLock()
		subscribers := b.handlers[event.EventType()]
		b.mu.RUnlock()
		eventsPublished.WithLabelValues(event.EventType()).Inc()
		for _, handler := range subscribers {
			b.deliver(ctx, handler, event)
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eventHandlerErrors.WithLabelValues(event.EventType()).Inc()
			b.logger.Error("event handler panicked",
				zap.String("event", event.EventType()),
				zap.Any("panic", r))
		}
	}()
	if err := handler.Handle(ctx, event); err != nil {
		eventHandlerErrors.WithLabelValues(event.EventType()).Inc()
		b.logger.Error("event handler failed",
			zap.String("event", event.EventType()),
			zap.Error(err))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NewCommandHandlerFunc adapts a typed function into a CommandHandler for the
// command's declared name.
func NewCommandHandlerFunc[C Command](fn func(ctx context.Context, command C) (string, error)) CommandHandler {
	var zero C
	return &commandHandlerFunc[C]{name: zero.CommandName(), fn: fn}
}

type commandHandlerFunc[C Command] struct {
	name string
	fn   func(ctx context.Context, command C) (string, error)
}

func (h *commandHandlerFunc[C]) CommandName() string { return h.name }

func (h *commandHandlerFunc[C]) Handle(ctx context.Context, command Command) (string, error) {
	typed, ok := command.(C)
	if !ok {
		return "", errors.Newf(errors.KindValidation, "COMMAND_TYPE_MISMATCH",
			"command %q carries an unexpected payload type %T", h.name, command)
	}
	return h.fn(ctx, typed)
}

// NewQueryHandlerFunc adapts a typed function into a QueryHandler.
func NewQueryHandlerFunc[Q Query, R any](fn func(ctx context.Context, query Q) (R, error)) QueryHandler {
	var zero Q
	return &queryHandlerFunc[Q, R]{name: zero.QueryName(), fn: fn}
}

type queryHandlerFunc[Q Query, R any] struct {
	name string
	fn   func(ctx context.Context, query Q) (R, error)
}

func (h *queryHandlerFunc[Q, R]) QueryName() string { return h.name }

func (h *queryHandlerFunc[Q, R]) Handle(ctx context.Context, query Query) (interface{}, error) {
	typed, ok := query.(Q)
	if !ok {
		return nil, errors.Newf(errors.KindValidation, "QUERY_TYPE_MISMATCH",
			"query %q carries an unexpected payload type %T", h.name, query)
	}
	return h.fn(ctx, typed)
}

// NewEventHandlerFunc adapts a function into an EventHandler for the given
// event type.
func NewEventHandlerFunc(eventType string, fn func(ctx context.Context, event Event) error) EventHandler {
	return &eventHandlerFunc{eventType: eventType, fn: fn}
}

type eventHandlerFunc struct {
	eventType string
	fn        func(ctx context.Context, event Event) error
}

func (h *eventHandlerFunc) EventType() string { return h.eventType }

func (h *eventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return h.fn(ctx, event)
}
