// Package server wires the orchestrator's dependencies and runs the process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/article-batch-orchestrator/internal/api"
	"github.com/JakeFAU/article-batch-orchestrator/internal/assembler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/barrier"
	"github.com/JakeFAU/article-batch-orchestrator/internal/clock/system"
	"github.com/JakeFAU/article-batch-orchestrator/internal/config"
	"github.com/JakeFAU/article-batch-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/article-batch-orchestrator/internal/extraction/httpclient"
	"github.com/JakeFAU/article-batch-orchestrator/internal/lease/local"
	leaseredis "github.com/JakeFAU/article-batch-orchestrator/internal/lease/redis"
	"github.com/JakeFAU/article-batch-orchestrator/internal/logging"
	"github.com/JakeFAU/article-batch-orchestrator/internal/metrics"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/article-batch-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/article-batch-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/article-batch-orchestrator/internal/push"
	pushpubsub "github.com/JakeFAU/article-batch-orchestrator/internal/push/pubsub"
	pushsqs "github.com/JakeFAU/article-batch-orchestrator/internal/push/sqs"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/render/pdf"
	"github.com/JakeFAU/article-batch-orchestrator/internal/scheduler"
	gcsstorage "github.com/JakeFAU/article-batch-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/article-batch-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/article-batch-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/article-batch-orchestrator/internal/storage/postgres"
	s3storage "github.com/JakeFAU/article-batch-orchestrator/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/article-batch-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

// Store is the combined task and result store every backend provides.
type Store interface {
	orchestrator.TaskStore
	orchestrator.ResultStore
}

// Consumer is a long-running inbound completion transport.
type Consumer interface {
	Run(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	store          Store
	artifacts      orchestrator.ArtifactStore
	apiServer      *api.Server
	scheduler      *scheduler.Scheduler
	consumers      []Consumer
	closers        []func(context.Context) error
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("notify", cfg.Notify.Backend),
		zap.String("push", cfg.Push.Backend),
		zap.String("lease", cfg.Scheduler.Lease),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	var err error

	var closeStore func(context.Context) error
	a.store, closeStore, err = OpenStore(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeStore)

	var closeArtifacts func(context.Context) error
	a.artifacts, closeArtifacts, err = OpenArtifacts(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeArtifacts)

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	client, err := httpclient.New(cfg.Extraction, a.logger)
	if err != nil {
		return fmt.Errorf("extraction client init failed: %w", err)
	}

	clock := system.New()
	retry := orchestrator.NewRetryPolicy(cfg.Retry)
	recon := reconciler.New(a.store, a.store, client, clock, reconciler.Config{
		FetchTimeout: cfg.Dispatcher.FetchTimeout,
		WriteTimeout: cfg.Dispatcher.WriteTimeout,
	}, a.logger)
	dispatch := dispatcher.New(a.store, client, ratelimit.New(cfg.RateLimit), retry, recon, clock, cfg.Dispatcher.Config, a.logger)
	monitor := barrier.New(a.store, retry, cfg.Barrier.BatchLimit, a.logger)
	assemble := assembler.New(a.store, a.store, pdf.New(cfg.Assembler.Render, pdf.WithLogger(a.logger)), a.artifacts, publisher, clock, assembler.Config{
		ArtifactRoot:      cfg.Assembler.ArtifactRoot,
		EventTopic:        cfg.Assembler.EventTopic,
		PublishTimeout:    cfg.Assembler.PublishTimeout,
		WriteTimeout:      cfg.Assembler.WriteTimeout,
		FinalizeBatchSize: cfg.Assembler.FinalizeBatchSize,
	}, a.logger)

	lease, err := a.setupLease(ctx)
	if err != nil {
		return err
	}
	a.scheduler = scheduler.New(a.logger, lease, Jobs(cfg, dispatch, monitor, assemble)...)

	decoder := push.Decoder{ClientID: cfg.Extraction.ClientID, ListeningAttribute: cfg.Extraction.ListeningAttribute}
	if err := a.setupConsumers(ctx, decoder, recon); err != nil {
		return err
	}

	a.apiServer = api.NewServer(recon, decoder, a.ready, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
	}, a.logger)
	return nil
}

// Jobs returns the fast and slow scheduler jobs.
func Jobs(cfg *config.Config, dispatch *dispatcher.Dispatcher, monitor *barrier.Monitor, assemble *assembler.Assembler) []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     "fast",
			Interval: cfg.FastInterval(),
			LeaseTTL: cfg.LeaseTTL(),
			Run: func(ctx context.Context) {
				dispatch.Tick(ctx)
				monitor.Tick(ctx)
			},
		},
		{
			Name:     "slow",
			Interval: cfg.SlowInterval(),
			LeaseTTL: cfg.LeaseTTL(),
			Run: func(ctx context.Context) {
				assemble.Tick(ctx)
			},
		},
	}
}

func (a *App) ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return nil
}

// OpenStore builds the configured task and result store.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(context.Context) error, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		s, err := pgstore.NewTaskStore(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		logger.Info("using postgres store")
		return s, func(context.Context) error { s.Close(); return nil }, nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.Store.SQLite.Path))
		return s, func(context.Context) error { return s.Close() }, nil
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return memorystorage.NewTaskStore(), noopClose, nil
	}
}

// OpenArtifacts builds the configured artifact blob store.
func OpenArtifacts(ctx context.Context, cfg *config.Config, logger *zap.Logger) (orchestrator.ArtifactStore, func(context.Context) error, error) {
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		s, err := gcsstorage.Open(ctx, cfg.Storage.GCS, nil, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		logger.Info("using GCS storage backend", zap.String("bucket", cfg.Storage.GCS.Bucket))
		return s, func(context.Context) error { return s.Close() }, nil
	case config.BackendS3:
		awsCfg, err := loadAWSConfig(ctx, cfg.Storage.S3.Region)
		if err != nil {
			return nil, nil, err
		}
		var opts []func(*awss3.Options)
		if cfg.Storage.S3.Endpoint != "" {
			opts = append(opts, func(o *awss3.Options) { o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint) })
		}
		s, err := s3storage.NewFromConfig(awsCfg, cfg.Storage.S3.Config, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		logger.Info("using S3 storage backend", zap.String("bucket", cfg.Storage.S3.Bucket))
		return s, noopClose, nil
	case config.BackendLocal:
		s, err := localstorage.New(cfg.Storage.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		logger.Info("using local storage backend", zap.String("path", cfg.Storage.Local.BaseDir))
		return s, noopClose, nil
	default:
		logger.Warn("using in-memory storage backend; artifacts are lost on restart")
		return memorystorage.NewBlobStore(), noopClose, nil
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func (a *App) setupPublisher(ctx context.Context) (orchestrator.Publisher, error) {
	switch a.cfg.Notify.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client.Publisher(a.cfg.Notify.PubSub.Topic))
		a.closers = append(a.closers, func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notify.PubSub.Topic),
		)
		return pub, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("artifact notifications disabled")
		return nil, nil
	}
}

func (a *App) setupLease(ctx context.Context) (scheduler.Lease, error) {
	if a.cfg.Scheduler.Lease != config.BackendRedis {
		return local.New(), nil
	}
	lease, client, err := leaseredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis lease init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.logger.Info("using redis tick lease", zap.String("addr", a.cfg.Redis.Addr))
	return lease, nil
}

func (a *App) setupConsumers(ctx context.Context, decoder push.Decoder, handler push.Handler) error {
	switch a.cfg.Push.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Push.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		sub := client.Subscriber(a.cfg.Push.PubSub.Subscription)
		a.consumers = append(a.consumers, pushpubsub.New(sub, decoder, handler, a.logger))
	case config.BackendSQS:
		awsCfg, err := loadAWSConfig(ctx, a.cfg.Push.SQS.Region)
		if err != nil {
			return err
		}
		client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
			if a.cfg.Push.SQS.Endpoint != "" {
				o.BaseEndpoint = aws.String(a.cfg.Push.SQS.Endpoint)
			}
		})
		a.consumers = append(a.consumers, pushsqs.New(client, a.cfg.Push.SQS.Config, decoder, handler, a.logger))
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, c := range a.consumers {
		group.Go(func() error {
			if err := c.Run(groupCtx); err != nil {
				a.logger.Error("push consumer stopped", zap.Error(err))
				stop()
				return err
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop incomplete", zap.Error(err))
	}
	consumerErr := group.Wait()

	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return consumerErr
}

// Close releases infrastructure and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr on some platforms; nothing useful to do with it.
	_ = a.logger.Sync()
}

func noopClose(context.Context) error { return nil }
