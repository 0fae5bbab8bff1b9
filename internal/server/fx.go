// Package server provides the core application server and dependency wiring.
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
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/streamq/internal/api"
	"github.com/JakeFAU/streamq/internal/checkpoint"
	"github.com/JakeFAU/streamq/internal/clock/system"
	"github.com/JakeFAU/streamq/internal/config"
	"github.com/JakeFAU/streamq/internal/engine/microbatch"
	"github.com/JakeFAU/streamq/internal/hash/sha256"
	"github.com/JakeFAU/streamq/internal/id/uuid"
	"github.com/JakeFAU/streamq/internal/logging"
	"github.com/JakeFAU/streamq/internal/metrics"
	"github.com/JakeFAU/streamq/internal/progress"
	progresssinks "github.com/JakeFAU/streamq/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/streamq/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/streamq/internal/storage/gcs"
	localstorage "github.com/JakeFAU/streamq/internal/storage/local"
	memoryStorage "github.com/JakeFAU/streamq/internal/storage/memory"
	pgstore "github.com/JakeFAU/streamq/internal/storage/postgres"
	"github.com/JakeFAU/streamq/internal/store"
	"github.com/JakeFAU/streamq/internal/streaming"
	"github.com/JakeFAU/streamq/internal/telemetry"
)

// checkpointStore is a streaming.CheckpointStore that holds resources.
type checkpointStore interface {
	streaming.CheckpointStore
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	engine          *microbatch.Engine
	manager         *streaming.Manager
	progressHub     *progress.Hub
	registry        *prometheus.Registry
	checkpoints     checkpointStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	localArchive    *localstorage.BlobStore
	progressRepo    store.ProgressRepository
	pgStore         *pgstore.ProgressStore
	tracerShutdown  func(context.Context) error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger   *zap.Logger
	exporter sdktrace.SpanExporter
}

// WithLogger uses logger instead of building one from the configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithSpanExporter exports micro-batch spans through exp.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *buildOptions) { o.exporter = exp }
}

// Manager returns the query manager.
func (a *App) Manager() *streaming.Manager { return a.manager }

// Engine returns the micro-batch engine.
func (a *App) Engine() *microbatch.Engine { return a.engine }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// ProgressRepository returns the run history repository.
func (a *App) ProgressRepository() store.ProgressRepository { return a.progressRepo }

// Run serves HTTP until ctx is canceled or a termination signal arrives, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownGrace() time.Duration {
	if d := a.cfg.Server.ShutdownGrace(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close stops every query, flushes the listeners and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close query manager: %w", err))
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.localArchive != nil {
		if err := a.localArchive.Close(); err != nil {
			a.logger.Warn("local archive close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			a.logger.Warn("checkpoint store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Exporter:    o.exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupCheckpoints(); err != nil {
		return err
	}

	a.engine = microbatch.New(microbatch.Config{
		TriggerInterval:        a.cfg.Streaming.TriggerInterval(),
		NoDataProgressInterval: a.cfg.Streaming.NoDataProgressInterval(),
		ShufflePartitions:      a.cfg.Streaming.ShufflePartitions,
		Checkpoints:            a.checkpoints,
		Logger:                 a.logger.Named("engine"),
	})
	var err error
	a.manager, err = streaming.NewManager(a.engine, streaming.Config{
		ProgressRetention: a.cfg.Streaming.ProgressRetention,
		ListenerTimeout:   a.cfg.Streaming.ListenerTimeout(),
		Logger:            a.logger.Named("manager"),
		IDs:               uuid.New(),
		Clock:             system.New(),
		Checkpoints:       a.checkpoints,
	})
	if err != nil {
		return fmt.Errorf("query manager init failed: %w", err)
	}

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	blobStore, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx, blobStore, publisher); err != nil {
		return err
	}

	a.apiServer = api.NewServer(*a.cfg, api.Deps{
		Manager: a.manager,
		Streams: a.engine,
		Repo:    a.progressRepo,
		Metrics: metrics.HandlerFor(a.registry),
		Ready:   a.ready,
		Logger:  a.logger.Named("api"),
	})
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		return a.pgStore.Ping(ctx)
	}
	return nil
}

func (a *App) setupCheckpoints() error {
	if a.cfg.Checkpoint.Path == "" {
		a.logger.Info("using in-memory checkpoint store")
		a.checkpoints = checkpoint.NewMemoryStore()
		return nil
	}
	bolt, err := checkpoint.OpenBoltStore(a.cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("checkpoint store init failed: %w", err)
	}
	a.logger.Info("using bolt checkpoint store", zap.String("path", a.cfg.Checkpoint.Path))
	a.checkpoints = bolt
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping run history in memory")
		a.progressRepo = memoryStorage.NewProgressStore()
		return nil
	}
	pg, err := pgstore.NewProgressStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeSecs) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	a.pgStore = pg
	if a.cfg.Database.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("progress store migration failed: %w", err)
		}
	}
	a.progressRepo = pg
	a.logger.Info("postgres progress store initialized")
	return nil
}

func (a *App) setupArchive(ctx context.Context) (progresssinks.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Archive.Bucket))
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.ArchiveLocal:
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Archive.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.localArchive = blobStore
		return blobStore, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("run archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Info("No Pub/Sub topic configured, lifecycle events are not published")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) setupProgress(
	ctx context.Context,
	blobStore progresssinks.BlobStore,
	publisher progresssinks.Publisher,
) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(a.progressRepo, a.logger.Named("progress_store")),
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("Added progress log sink")
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(publisher, progresssinks.PublishConfig{
			Topic:       a.cfg.PubSub.TopicName,
			IncludeIdle: a.cfg.PubSub.IncludeIdle,
		}, a.logger.Named("progress_publish")))
		a.logger.Debug("Added progress publish sink")
	}
	if blobStore != nil {
		archiveCfg := progresssinks.ArchiveConfig{
			Prefix:    a.cfg.Archive.Prefix,
			Retention: a.cfg.Streaming.ProgressRetention,
		}
		if a.cfg.Archive.Checksum {
			archiveCfg.Hasher = sha256.New()
		}
		sinkList = append(sinkList, progresssinks.NewArchiveSink(blobStore, archiveCfg, a.logger.Named("progress_archive")))
		a.logger.Debug("Added progress archive sink")
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	if err := a.manager.AddListener(a.progressHub); err != nil {
		return fmt.Errorf("register progress hub: %w", err)
	}
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}
