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

// Package controllers hosts the background loops that drive request
// lifecycles forward after the synchronous command path has returned: status
// polling, timeout enforcement, health probing, and the optional interruption
// queue consumer. Each controller is a blocking Run loop; the operator starts
// them together and stops them by cancelling the shared context.
package controllers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
)

// Controller is one background loop. Run blocks until the context is
// cancelled and returns nil on a clean shutdown.
type Controller interface {
	Name() string
	Run(ctx context.Context) error
}

var passDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "controllers",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one controller pass by controller and result.",
		Buckets:   metrics.DurationBuckets(),
	},
	[]string{"controller", metrics.ResultLabel},
)

func init() {
	metrics.MustRegister(passDuration)
}

// Run starts every controller and blocks until all of them have returned.
// Cancelling the context is the shutdown signal; the first hard failure
// cancels the rest.
func Run(ctx context.Context, log *zap.Logger, controllers ...Controller) error {
	log = log.Named("controllers")
	group, ctx := errgroup.WithContext(ctx)
	for _, controller := range controllers {
		controller := controller
		group.Go(func() error {
			log.Info("starting controller", zap.String("controller", controller.Name()))
			defer log.Info("controller stopped", zap.String("controller", controller.Name()))
			return controller.Run(ctx)
		})
	}
	return group.Wait()
}

// Polling adapts a single reconcile pass into a Controller that runs the pass
// immediately on start and then on every interval tick. Pass errors are
// logged and counted, never fatal; the loop only ends with the context.
type Polling struct {
	log      *zap.Logger
	name     string
	interval time.Duration
	pass     func(ctx context.Context) error
}

func NewPolling(log *zap.Logger, name string, interval time.Duration, pass func(ctx context.Context) error) *Polling {
	return &Polling{
		log:      log.Named(name),
		name:     name,
		interval: interval,
		pass:     pass,
	}
}

func (p *Polling) Name() string { return p.name }

func (p *Polling) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.runPass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Polling) runPass(ctx context.Context) {
	start := time.Now()
	err := p.pass(ctx)
	result := "success"
	if err != nil {
		result = "error"
	}
	passDuration.WithLabelValues(p.name, result).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		p.log.Warn("controller pass failed", zap.Error(err))
	}
}
