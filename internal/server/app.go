// Package server builds the ingest service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/analytics-ingest/internal/api"
	"github.com/JakeFAU/analytics-ingest/internal/client"
	"github.com/JakeFAU/analytics-ingest/internal/clock/system"
	"github.com/JakeFAU/analytics-ingest/internal/config"
	"github.com/JakeFAU/analytics-ingest/internal/executor"
	collyfetcher "github.com/JakeFAU/analytics-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/analytics-ingest/internal/governor"
	"github.com/JakeFAU/analytics-ingest/internal/hash/sha256"
	"github.com/JakeFAU/analytics-ingest/internal/id/uuid"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/analytics-ingest/internal/poller"
	"github.com/JakeFAU/analytics-ingest/internal/provider"
	memorypublisher "github.com/JakeFAU/analytics-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/analytics-ingest/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/analytics-ingest/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/analytics-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/analytics-ingest/internal/storage/local"
	memoryStorage "github.com/JakeFAU/analytics-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/analytics-ingest/internal/storage/postgres"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
	"github.com/JakeFAU/analytics-ingest/internal/transport"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	catalog        *poller.Catalog
	scheduler      *poller.Scheduler
	dispatch       *poller.Dispatcher
	queue          *queueMemory.Queue
	clients        []*client.Client
	limiters       map[string]*ratelimit.Limiter
	runStore       ingest.RunStore
	pgStore        *pgstore.RunStore
	pubsubClient   *pubsub.Client
	pubsubTopic    *pubsub.Topic
	storage        *storage.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("tenants", len(cfg.Tenants)),
		zap.Int("polls", len(cfg.Polls)),
	)

	tp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.release()
		return nil, err
	}
	var ready []api.ReadyCheck
	if err := setupRunStore(ctx, app); err != nil {
		app.release()
		return nil, err
	}
	if app.pgStore != nil {
		ready = append(ready, app.pgStore.Ping)
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.release()
		return nil, err
	}

	clients, err := setupClients(app)
	if err != nil {
		app.release()
		return nil, err
	}
	if err := setupRunner(app, clients, blobStore, publisher); err != nil {
		app.release()
		return nil, err
	}

	app.apiServer = api.NewServer(app.runStore, app.scheduler, app.catalog, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"), ready...)
	return app, nil
}

// Handler exposes the operations API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler, workers and HTTP server and blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("scheduler started")
		a.scheduler.Run(gctx)
		return nil
	})
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Close(shutdownCtx)
	return err
}

// Close releases every dependency.
func (a *App) Close(ctx context.Context) {
	a.release()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) release() {
	if a.queue != nil {
		a.queue.Close()
	}
	for _, c := range a.clients {
		c.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
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
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func setupStorage(ctx context.Context, app *App) (ingest.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupRunStore(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping run history in memory")
		app.runStore = memoryStorage.NewRunStore()
		return nil
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.pgStore = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("run store migrate failed: %w", err)
	}
	app.runStore = store
	app.logger.Info("postgres run store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubTopic = app.pubsubClient.Topic(app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubTopic), nil
}

func setupClients(app *App) (poller.Clients, error) {
	cfg := app.cfg
	base := transport.NewBaseTransport()
	prober := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.HTTP.UserAgent, Timeout: cfg.HTTPTimeout()})

	clients := make(poller.Clients, len(cfg.Tenants))
	app.limiters = make(map[string]*ratelimit.Limiter, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		profile, err := provider.Lookup(t.Provider)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.Name, err)
		}
		// Host buckets are per tenant; tenants never drain each other's budget.
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HTTP.HostRPS, DefaultBurst: cfg.HTTP.HostBurst})
		app.limiters[t.Name] = limiter
		httpClient := transportClient(cfg, t, limiter, base)
		var opts []client.Option
		if _, ok := profile.(provider.SitemapProfile); ok {
			opts = append(opts, client.WithProber(prober))
		}
		c := client.New(profile, client.Tenant{Name: t.Name, Account: t.Account},
			httpClient, ClientConfig(*cfg, t), app.logger, opts...)
		app.clients = append(app.clients, c)
		clients[t.Name] = c
		app.logger.Info("tenant client ready",
			zap.String("tenant", t.Name),
			zap.String("provider", profile.Name()),
			zap.Bool("authenticated", tokenFor(t) != ""),
		)
	}
	return clients, nil
}

func setupRunner(app *App, clients poller.Clients, blobs ingest.BlobStore, publisher ingest.Publisher) error {
	cfg := app.cfg
	polls := make([]poller.Poll, 0, len(cfg.Polls))
	for _, pc := range cfg.Polls {
		p, err := poller.PollFromConfig(pc)
		if err != nil {
			return err
		}
		polls = append(polls, p)
	}
	catalog, err := poller.NewCatalog(polls)
	if err != nil {
		return fmt.Errorf("poll catalog: %w", err)
	}
	app.catalog = catalog

	clock := system.New()
	app.queue = queueMemory.NewQueue(cfg.Runner.QueueDepth)
	app.scheduler = poller.NewScheduler(catalog, app.queue, app.runStore, uuid.New(), clock, app.logger)

	sinks := poller.Sinks{Runs: app.runStore, Blobs: blobs, Publisher: publisher, Hasher: sha256.New()}
	workerCfg := poller.Config{BlobPrefix: cfg.Storage.Prefix, ContentType: cfg.Storage.ContentType}
	workers := make([]*poller.Worker, 0, cfg.Runner.Concurrency)
	for i := 0; i < cfg.Runner.Concurrency; i++ {
		workers = append(workers, poller.NewWorker(app.queue, catalog, clients, sinks, clock, workerCfg,
			app.logger.With(zap.Int("index", i))))
	}
	if len(polls) > 0 {
		if err := workers[0].Validate(); err != nil {
			return fmt.Errorf("runner: %w", err)
		}
	}
	app.dispatch = poller.NewDispatcher(workers)
	app.logger.Info("runner config",
		zap.Int("concurrency", cfg.Runner.Concurrency),
		zap.Int("queue_depth", cfg.Runner.QueueDepth),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
	)
	return nil
}

// ClientConfig derives one tenant's client settings from the service config.
func ClientConfig(cfg config.Config, t config.TenantConfig) client.Config {
	maxRequests := cfg.Governor.MaxRequests
	if t.MaxRequests > 0 {
		maxRequests = t.MaxRequests
	}
	return client.Config{
		BaseURL: t.BaseURL,
		Governor: governor.Config{
			MaxRequests:          maxRequests,
			Window:               time.Duration(cfg.Governor.WindowSeconds) * time.Second,
			InterRequestDelay:    time.Duration(cfg.Governor.InterRequestDelayMs) * time.Millisecond,
			DefaultRetryAfter:    time.Duration(cfg.Governor.DefaultRetryAfterSec) * time.Second,
			MaxRateLimitRequeues: cfg.Governor.MaxRateLimitRequeues,
		},
		Retry: executor.Config{
			MaxRetries:        cfg.Retry.MaxRetries,
			InitialDelay:      time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			MaxDelay:          time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		},
		CacheTTL:      time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
		MaxPages:      cfg.Runner.MaxPages,
	}
}

func tokenFor(t config.TenantConfig) string {
	if t.TokenEnv != "" {
		if v := os.Getenv(t.TokenEnv); v != "" {
			return v
		}
	}
	return t.Token
}

func transportClient(cfg *config.Config, t config.TenantConfig, limiter *ratelimit.Limiter, base http.RoundTripper) *http.Client {
	var tokens oauth2.TokenSource
	if token := tokenFor(t); token != "" {
		tokens = transport.StaticToken(token)
	}
	return transport.NewClient(transport.Config{
		Timeout:   cfg.HTTPTimeout(),
		UserAgent: cfg.HTTP.UserAgent,
		Limiter:   limiter,
		Base:      base,
	}, tokens)
}
