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

// Package batcher coalesces concurrent single-item provider calls into
// batched API requests. Callers add one logical item at a time and block
// until the batched call completes and their share of the result is split
// back out.
package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

var (
	batchWindowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_time_seconds",
			Help:      "Duration of the batching window.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.BatcherLabel},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Number of single-item requests coalesced into one provider call.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		},
		[]string{metrics.BatcherLabel},
	)
)

func init() {
	metrics.MustRegister(batchWindowDuration, batchSize)
}

// Batcher collects requests over a batching window and executes all requests
// that hash to the same bucket as one call. One run loop owns the window; the
// batched calls themselves execute on worker goroutines.
type Batcher[T any, U any] struct {
	ctx      context.Context
	requests chan *request[T, U]
	workers  chan struct{}
	options  Options[T, U]
	log      *zap.Logger
}

type request[T any, U any] struct {
	ctx       context.Context
	hash      uint64
	input     *T
	requestor chan Result[U]
}

// Result is the outcome delivered back to a single Add call.
type Result[U any] struct {
	Output *U
	Err    error
}

// BatchExecutor executes the accumulated inputs of one bucket and returns one
// result per input, in input order.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher buckets inputs so only compatible requests are merged into
// the same provider call.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

type Options[T any, U any] struct {
	Name string
	// IdleTimeout closes the window after no request arrived for this long.
	IdleTimeout time.Duration
	// MaxTimeout bounds the total window duration regardless of arrivals.
	MaxTimeout time.Duration
	// MaxItems flushes a bucket as soon as it accumulates this many requests.
	// Zero means unbounded.
	MaxItems int
	// MaxRequestWorkers bounds the number of batched calls executing at once.
	// Zero means unbounded.
	MaxRequestWorkers int
	RequestHasher     RequestHasher[T]
	BatchExecutor     BatchExecutor[T, U]
}

// NewBatcher starts the run loop for a batcher. The loop stops when ctx is
// done; pending requestors are then answered with the context error.
func NewBatcher[T any, U any](ctx context.Context, log *zap.Logger, options Options[T, U]) *Batcher[T, U] {
	b := &Batcher[T, U]{
		ctx:      ctx,
		requests: make(chan *request[T, U], 100),
		options:  options,
		log:      log.Named("batcher").With(zap.String("batcher", options.Name)),
	}
	if options.MaxRequestWorkers > 0 {
		b.workers = make(chan struct{}, options.MaxRequestWorkers)
	}
	go b.run()
	return b
}

// Add submits one input and blocks until its result arrives or either context
// ends.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	req := &request[T, U]{
		ctx:   ctx,
		hash:  b.options.RequestHasher(ctx, input),
		input: input,
		// Buffered so the batcher never blocks delivering a result.
		requestor: make(chan Result[U], 1),
	}
	select {
	case b.requests <- req:
	case <-b.ctx.Done():
		return Result[U]{Err: b.ctx.Err()}
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
	select {
	case result := <-req.requestor:
		return result
	case <-b.ctx.Done():
		return Result[U]{Err: b.ctx.Err()}
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case req := <-b.requests:
			b.collectWindow(req)
		}
	}
}

// collectWindow accumulates requests until the window closes, then hands each
// bucket to a worker. A bucket that reaches MaxItems is handed off early while
// the window keeps collecting.
func (b *Batcher[T, U]) collectWindow(first *request[T, U]) {
	windowStart := time.Now()
	defer func() {
		batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(windowStart).Seconds())
	}()

	idle := time.NewTimer(b.options.IdleTimeout)
	defer idle.Stop()
	window := time.NewTimer(b.options.MaxTimeout)
	defer window.Stop()

	buckets := map[uint64][]*request[T, U]{first.hash: {first}}
	for {
		select {
		case <-b.ctx.Done():
			for _, bucket := range buckets {
				for _, req := range bucket {
					req.requestor <- Result[U]{Err: b.ctx.Err()}
				}
			}
			return
		case req := <-b.requests:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(b.options.IdleTimeout)
			buckets[req.hash] = append(buckets[req.hash], req)
			if b.options.MaxItems > 0 && len(buckets[req.hash]) >= b.options.MaxItems {
				b.dispatch(buckets[req.hash])
				delete(buckets, req.hash)
				if len(buckets) == 0 {
					return
				}
			}
		case <-idle.C:
			b.dispatchAll(buckets)
			return
		case <-window.C:
			b.dispatchAll(buckets)
			return
		}
	}
}

func (b *Batcher[T, U]) dispatchAll(buckets map[uint64][]*request[T, U]) {
	for _, bucket := range buckets {
		b.dispatch(bucket)
	}
}

// dispatch runs one bucket on a worker goroutine, gated by the worker
// semaphore when one is configured.
func (b *Batcher[T, U]) dispatch(bucket []*request[T, U]) {
	go func() {
		if b.workers != nil {
			select {
			case b.workers <- struct{}{}:
				defer func() { <-b.workers }()
			case <-b.ctx.Done():
				for _, req := range bucket {
					req.requestor <- Result[U]{Err: b.ctx.Err()}
				}
				return
			}
		}
		batchSize.WithLabelValues(b.options.Name).Observe(float64(len(bucket)))
		inputs := lo.Map(bucket, func(req *request[T, U], _ int) *T { return req.input })
		results := b.options.BatchExecutor(bucket[0].ctx, inputs)
		if len(results) != len(bucket) {
			b.log.Error("batch executor returned a mismatched result count",
				zap.Int("requests", len(bucket)),
				zap.Int("results", len(results)))
			for _, req := range bucket {
				req.requestor <- Result[U]{Err: fmt.Errorf("expected %d batched results, got %d", len(bucket), len(results))}
			}
			return
		}
		for i, req := range bucket {
			req.requestor <- results[i]
		}
	}()
}

// DefaultHasher buckets requests by the full input value.
func DefaultHasher[T any](_ context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		panic(fmt.Sprintf("hashing batch input %T, %s", input, err))
	}
	return hash
}

// OneBucketHasher merges every request into a single bucket.
func OneBucketHasher[T any](_ context.Context, _ *T) uint64 {
	return 12345
}
