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

// Package operator assembles the host factory from its parts: configuration,
// AWS clients, storage, the message buses, provider strategies and the
// background controllers. NewOperator builds everything bottom-up and Start
// runs the long-lived pieces until the context is cancelled.
package operator

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	awsclient "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	awsmetrics "github.com/awslabs/open-resource-broker-sub002/pkg/aws/metrics"
	"github.com/awslabs/open-resource-broker-sub002/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub002/pkg/batcher"
	"github.com/awslabs/open-resource-broker-sub002/pkg/bus"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/health"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/status"
	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/timeout"
	"github.com/awslabs/open-resource-broker-sub002/pkg/di"
	"github.com/awslabs/open-resource-broker-sub002/pkg/handlers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub002/pkg/operator/options"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers"
	awsprovider "github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/ami"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/asg"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/ec2fleet"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/nativespec"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/runinstances"
	"github.com/awslabs/open-resource-broker-sub002/pkg/providers/aws/spotfleet"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage/registration"
	"github.com/awslabs/open-resource-broker-sub002/pkg/templates"
)

// Operator holds every long-lived component of the host factory. Fields are
// exported so commands and tests can reach into the assembled system.
type Operator struct {
	Options     *options.Options
	Log         *zap.Logger
	Config      *config.Store
	Container   *di.Container
	AWSClient   *awsclient.Client
	Operations  *awsclient.Operations
	Unavailable *cache.UnavailableCapacity
	Storage     *storage.Registry
	UnitOfWork  storage.Factory
	Providers   *providers.Context
	Selection   *providers.SelectionService
	Capability  *providers.CapabilityService
	Templates   *templates.Manager
	Handlers    *handlers.Handlers
	Controllers []controllers.Controller
	Watcher     *templates.Watcher

	// clientOptions are the region-free options every AWS client shares, so
	// per-provider clients carry the same middleware as the base client.
	clientOptions []awsclient.ClientOption

	// batchers holds one batching facade per region, built on first use.
	// Facade run loops live for the process, so strategy rebuilds on config
	// reload reuse them instead of binding fresh loops to the reload
	// command's short-lived context.
	batcherCtx context.Context
	batchersMu sync.Mutex
	batchers   map[string]*batcher.EC2API
}

// NewOperator wires the full system from the parsed options. It fails fast on
// anything that makes the process useless (unreadable config, no storage
// backend, no provider instances) and degrades on anything a controller can
// surface later, such as an unreachable provider region.
func NewOperator(ctx context.Context, log *zap.Logger, opts *options.Options) (*Operator, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q, %w", opts.ConfigFile, err)
	}
	store := config.NewStore(opts.ConfigFile, cfg)

	instrumentor := awsmetrics.NewInstrumentor(cfg.AWSMetrics, log)
	clientOptions := []awsclient.ClientOption{awsclient.WithAPIOptions(instrumentor.Middleware())}
	baseOptions := clientOptions
	if opts.AWSRegion != "" {
		baseOptions = append(baseOptions, awsclient.WithRegion(opts.AWSRegion))
	}
	client, err := awsclient.NewClient(ctx, log, baseOptions...)
	if err != nil {
		return nil, fmt.Errorf("building aws client, %w", err)
	}

	var operationsOptions []awsclient.OperationsOption
	if breaker := cfg.Provider.CircuitBreaker; breaker.Enabled {
		operationsOptions = append(operationsOptions, awsclient.WithCircuitBreaker(
			awsclient.NewCircuitBreaker(log, breaker.FailureThreshold, breaker.RecoveryPeriod())))
	}
	operationsOptions = append(operationsOptions, awsclient.WithBatchLimits(
		cfg.Performance.BatchSize("describe_instances"),
		cfg.Performance.BatchSize("terminate_instances")))
	operations := awsclient.NewOperations(log, operationsOptions...)

	container := di.New(log)
	publisher := func(ctx context.Context, events ...v1.DomainEvent) {
		container.Events().Publish(ctx, lo.Map(events, func(e v1.DomainEvent, _ int) bus.Event { return e })...)
	}

	registry := storage.NewRegistry(log)
	var dynamoClient sdk.DynamoDBAPI
	if cfg.Storage.Backend == config.StorageBackendDynamo {
		var optFns []func(*dynamodb.Options)
		if endpoint := cfg.Storage.Dynamo.Endpoint; endpoint != "" {
			optFns = append(optFns, func(o *dynamodb.Options) { o.BaseEndpoint = aws.String(endpoint) })
		}
		dynamoClient = client.DynamoDB(optFns...)
	}
	if err := registration.RegisterAll(ctx, log, registry, cfg.Storage, publisher, dynamoClient, operations); err != nil {
		return nil, err
	}
	factory, err := registry.Factory(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}

	cacheService := cache.Service(cache.NewNoOp())
	if cfg.Performance.EnableCaching {
		cacheService = cache.NewTTL(cfg.Performance.CachePeriod(), cache.DefaultCleanupInterval)
	}
	templateManager := templates.NewManager(log, templates.NewLoader(log, store.Current), cacheService)

	providerCtx := providers.NewContext(log)

	op := &Operator{
		Options:       opts,
		Log:           log,
		Config:        store,
		Container:     container,
		AWSClient:     client,
		Operations:    operations,
		Unavailable:   cache.NewUnavailableCapacity(log),
		Storage:       registry,
		UnitOfWork:    factory,
		Providers:     providerCtx,
		Selection:     providers.NewSelectionService(log, providerCtx),
		Capability:    providers.NewCapabilityService(log),
		Templates:     templateManager,
		clientOptions: clientOptions,
		batcherCtx:    ctx,
		batchers:      map[string]*batcher.EC2API{},
	}
	if err := op.registerStrategies(ctx, cfg); err != nil {
		return nil, err
	}

	appHandlers := handlers.New(log, store, factory, providerCtx, op.Selection, op.Capability, templateManager)
	appHandlers.OnConfigReload(op.registerStrategies)
	if err := appHandlers.RegisterAll(container.Commands(), container.Queries()); err != nil {
		return nil, err
	}
	op.Handlers = appHandlers

	statusController := status.NewController(log, factory, providerCtx, templateManager, cfg.Performance.Workers())
	op.Controllers = []controllers.Controller{
		controllers.NewPolling(log, "status", opts.StatusPollInterval, statusController.Reconcile),
		controllers.NewPolling(log, "timeout", opts.TimeoutPollInterval, timeout.NewController(log, factory).Reconcile),
		controllers.NewPolling(log, "health", cfg.Provider.HealthCheckPeriod(), health.NewController(log, providerCtx).Reconcile),
	}
	if opts.InterruptionQueue != "" {
		op.Controllers = append(op.Controllers,
			interruption.NewController(log, factory, interruption.NewQueue(client.SQS(), opts.InterruptionQueue)))
	}

	if cfg.Templates.WatchEnabled {
		op.Watcher = templates.NewWatcher(log, cfg.Templates.Path, cfg.Templates.DebouncePeriod(), func(ctx context.Context) {
			if _, err := container.Commands().Execute(ctx, handlers.ReloadTemplates{}); err != nil {
				log.Warn("template reload failed", zap.Error(err))
			}
		})
	}

	log.Info("host factory assembled",
		zap.String("version", awsclient.Version),
		zap.String("region", client.Region()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Strings("providers", providerCtx.Strategies()))
	return op, nil
}

// registerStrategies builds and registers one strategy per enabled provider
// instance. It also runs on provider-config reload; Register replaces an
// existing strategy of the same name, so reloads converge without a restart.
// A failed connectivity check logs a warning instead of failing the call: the
// health controller reports the instance as unhealthy until it recovers.
func (o *Operator) registerStrategies(ctx context.Context, cfg *config.Config) error {
	instances := cfg.Provider.Enabled()
	if len(instances) == 0 {
		return fmt.Errorf("no enabled provider instances in config")
	}
	for _, instance := range instances {
		if instance.Type != awsprovider.ProviderType {
			o.Log.Warn("skipping provider instance of unsupported type",
				zap.String("provider", instance.Name), zap.String("type", instance.Type))
			continue
		}
		strategy, err := o.buildStrategy(ctx, cfg, instance)
		if err != nil {
			return err
		}
		if err := strategy.Initialize(ctx); err != nil {
			o.Log.Warn("provider instance failed its connectivity check",
				zap.String("provider", instance.Name), zap.Error(err))
		}
		o.Providers.Register(ctx, strategy)
	}
	if active := cfg.Provider.ActiveProvider; active != "" {
		if err := o.Providers.SetStrategy(active); err != nil {
			return err
		}
	}
	return nil
}

// buildStrategy assembles the per-instance handler set. Instances pinned to
// another region get a dedicated client with the same middleware; everything
// else shares the base client. The unavailable-capacity cache is shared across
// instances since its keys carry the zone.
func (o *Operator) buildStrategy(ctx context.Context, cfg *config.Config, instance config.ProviderInstanceConfig) (*awsprovider.Strategy, error) {
	client := o.AWSClient
	if region, ok := instance.StringSetting("region"); ok && region != "" && region != client.Region() {
		regionOptions := append(append([]awsclient.ClientOption{}, o.clientOptions...), awsclient.WithRegion(region))
		regionClient, err := awsclient.NewClient(ctx, o.Log, regionOptions...)
		if err != nil {
			return nil, fmt.Errorf("building aws client for provider %q, %w", instance.Name, err)
		}
		client = regionClient
	}

	ec2api := client.EC2()
	if cfg.Performance.EnableBatching {
		ec2api = o.batchedEC2(client, cfg.Performance)
	}

	spec := nativespec.NewService(o.Log, cfg.NativeSpec.Enabled,
		nativespec.WithBaseDir(lo.CoalesceOrEmpty(cfg.NativeSpec.BaseDir, cfg.Templates.Path)),
		nativespec.WithPackageInfo("hostfactory", awsclient.Version))
	launchTemplates := launchtemplate.NewManager(o.Log, ec2api, o.Operations, cfg.LaunchTemplate,
		launchtemplate.WithNativeSpec(spec))
	adapter := awsprovider.NewMachineAdapter(instance.Name)
	resolver := ami.NewResolver(o.Log, client.SSM(), o.Operations)

	return awsprovider.NewStrategy(o.Log, instance.Name, client,
		awsprovider.WithHandler(v1.ProviderAPIEC2Fleet,
			ec2fleet.NewHandler(o.Log, ec2api, o.Operations, launchTemplates, adapter, o.Unavailable,
				ec2fleet.WithNativeSpec(spec))),
		awsprovider.WithHandler(v1.ProviderAPISpotFleet,
			spotfleet.NewHandler(o.Log, ec2api, client.IAM(), o.Operations, launchTemplates, adapter, o.Unavailable,
				spotfleet.WithNativeSpec(spec))),
		awsprovider.WithHandler(v1.ProviderAPIASG,
			asg.NewHandler(o.Log, client.ASG(), ec2api, o.Operations, launchTemplates, adapter,
				asg.WithNativeSpec(spec))),
		awsprovider.WithHandler(v1.ProviderAPIRunInstances,
			runinstances.NewHandler(o.Log, ec2api, o.Operations, launchTemplates, adapter, o.Unavailable)),
		awsprovider.WithTemplateSource(o.Templates),
		awsprovider.WithImageResolver(resolver),
	), nil
}

// batchedEC2 returns the batching facade for the client's region, building it
// on first use. Reloads can introduce new regions at any time, so construction
// is lazy and guarded; a region's batch sizes are fixed at first build and
// size changes apply after a restart.
func (o *Operator) batchedEC2(client *awsclient.Client, perf config.PerformanceConfig) sdk.EC2API {
	o.batchersMu.Lock()
	defer o.batchersMu.Unlock()
	if facade, ok := o.batchers[client.Region()]; ok {
		return facade
	}
	facade := batcher.EC2(o.batcherCtx, o.Log, client.EC2(), batcher.WithBatchSizes(perf.BatchSize))
	o.batchers[client.Region()] = facade
	return facade
}

// Start runs the controllers, the template watcher and the metrics endpoint
// until ctx is cancelled, then releases provider resources.
func (o *Operator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return controllers.Run(ctx, o.Log, o.Controllers...)
	})
	if o.Watcher != nil {
		group.Go(func() error {
			return o.Watcher.Run(ctx)
		})
	}
	group.Go(func() error {
		return o.serveMetrics(ctx)
	})
	err := group.Wait()
	if cleanupErr := o.Providers.Cleanup(context.Background()); cleanupErr != nil {
		o.Log.Warn("provider cleanup failed", zap.Error(cleanupErr))
	}
	return err
}

// serveMetrics exposes the prometheus registry and a liveness probe. Shutdown
// drains in-flight scrapes for up to five seconds.
func (o *Operator) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: fmt.Sprintf(":%d", o.Options.MetricsPort), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	o.Log.Info("serving metrics", zap.Int("port", o.Options.MetricsPort))
	if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics, %w", err)
	}
	return nil
}
