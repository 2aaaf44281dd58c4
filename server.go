package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"medibot/internal/api"
	"medibot/internal/audit"
	"medibot/internal/auth"
	"medibot/internal/cache"
	"medibot/internal/config"
	"medibot/internal/guest"
	"medibot/internal/history"
	"medibot/internal/metrics"
	"medibot/internal/objectstore"
	"medibot/internal/pipeline"
	"medibot/internal/profile"
	"medibot/internal/redis"
	"medibot/internal/router"
	"medibot/internal/service/ai"
	"medibot/internal/service/illustration"
	"medibot/internal/storage"
	"medibot/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// core holds the resources shared by every command.
type core struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	rdb     *redis.Client
	metrics *metrics.Pipeline
	sink    *audit.SQLSink
	audit   *audit.Logger
}

func openCore() (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.BasicConfig.ReleaseMode)
	slog.SetDefault(logger)

	driver := cfg.BasicConfig.DatabaseDriver
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	sink := audit.NewSQLSink(db)
	return &core{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		rdb:     rdb,
		metrics: m,
		sink:    sink,
		audit:   audit.NewLogger(sink, cfg.Audit.TTL(), cfg.Audit.BufferSize, m, logger),
	}, nil
}

// Close flushes pending audit events before releasing connections.
func (c *core) Close(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.audit.Close(flushCtx); err != nil {
		c.logger.Warn("flush audit events", "error", err)
	}
	if c.rdb != nil {
		c.rdb.Close()
	}
	c.db.Close()
}

func newLogger(release bool) *slog.Logger {
	if release {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (c *core) guestStore() guest.Store {
	if c.cfg.Guest.Backend == "redis" && c.rdb != nil {
		return guest.NewRedisStore(c.rdb)
	}
	return guest.NewSQLStore(c.db, c.cfg.BasicConfig.DatabaseDriver)
}

func (c *core) guestTracker() *guest.Tracker {
	return guest.NewTracker(c.guestStore(), c.cfg.Guest.Limit, c.cfg.Guest.Window(), c.metrics, c.audit, c.logger)
}

func (c *core) tokenService() *auth.TokenService {
	return auth.NewTokenService(c.db, c.rdb, time.Duration(c.cfg.Auth.TokenTTLHours)*time.Hour, c.logger)
}

func (c *core) historyPersister(objects objectstore.Store) *history.Persister {
	return history.New(c.db, objects, history.Options{
		TTL:          c.cfg.History.TTL(),
		URLTTL:       c.cfg.Images.URLTTL(),
		DefaultLimit: c.cfg.History.DefaultLimit,
		MaxLimit:     c.cfg.History.MaxLimit,
	}, c.metrics, c.audit, c.logger)
}

// purgers lists every table with emulated TTL.
func (c *core) purgers(hist *history.Persister) map[string]history.Purger {
	p := map[string]history.Purger{
		"chat_records": hist,
		"audit_events": c.sink,
		"user_tokens":  c.tokenService(),
	}
	// redis sessions expire on their own
	if c.cfg.Guest.Backend != "redis" {
		p["guest_sessions"] = guest.NewSQLStore(c.db, c.cfg.BasicConfig.DatabaseDriver)
	}
	return p
}

func (c *core) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{"database": c.db.PingContext}
	if c.rdb != nil {
		checks["redis"] = c.rdb.Ping
	}
	return checks
}

func (c *core) verifier() auth.Verifier {
	tokens := c.tokenService()
	if c.cfg.Auth.JWKSURL == "" {
		return auth.ChainVerifier{tokens}
	}
	keys := auth.NewKeyCache(&auth.HTTPKeyFetcher{URL: c.cfg.Auth.JWKSURL},
		time.Duration(c.cfg.Auth.JWKSCacheMinutes)*time.Minute, c.logger)
	return auth.ChainVerifier{auth.NewJWTVerifier(keys, c.cfg.Auth.Issuer, c.cfg.Auth.ClientID), tokens}
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, *objectstore.LocalStore, func() error, error) {
	oc := cfg.ObjectStore
	if oc.Backend == "gcs" {
		g, err := objectstore.NewGCSStore(ctx, oc.Bucket, oc.CredentialsFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open gcs bucket: %w", err)
		}
		return g, nil, g.Close, nil
	}
	base := oc.PublicBaseURL
	if base == "" {
		base = "http://localhost" + cfg.BasicConfig.ServerAddress
	}
	l, err := objectstore.NewLocalStore(oc.BaseDir, base, oc.SigningKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return l, l, func() error { return nil }, nil
}

func initTracing(ctx context.Context, tel config.TelemetryConfig) (func(context.Context) error, error) {
	if !tel.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", tel.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	cfg, logger := c.cfg, c.logger

	shutdownTracing, err := initTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	objects, media, closeObjects, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeObjects()

	registry := ai.NewRegistry(cfg, logger)
	loader, err := ai.NewAttachmentLoader(ctx, objects)
	if err != nil {
		return err
	}

	var illustrator pipeline.Illustrator
	if cfg.Images.Enabled {
		provider, err := illustration.NewGenaiProvider(ctx, cfg.Images.APIKey, cfg.Images.Model)
		if err != nil {
			logger.Warn("step illustrations disabled", "error", err)
		} else {
			illustrator = illustration.New(provider, objects, illustration.OptionsFromConfig(cfg.Images), c.metrics, logger)
		}
	}

	var responses *cache.ResponseCache
	if cfg.Cache.Enabled && c.rdb != nil {
		responses = cache.New(c.rdb, time.Duration(cfg.Cache.TTLHours)*time.Hour, c.metrics, logger)
	}

	tracker := c.guestTracker()
	hist := c.historyPersister(objects)
	profiles := profile.New(profile.NewStore(c.db, cfg.BasicConfig.DatabaseDriver), c.audit, logger)
	extractor := profile.NewExtractor(registry, cfg.Router.FastModel, profiles, c.metrics, logger)
	defer extractor.Wait()
	pipe := pipeline.New(pipeline.Deps{
		Guests:      tracker,
		Router:      router.New(cfg.Router.FastModel, cfg.Router.ProModel, c.metrics, logger),
		Reasoner:    ai.NewInvoker(registry, loader, logger),
		Translator:  ai.NewTranslator(registry, cfg.Router.FastModel),
		Illustrator: illustrator,
		Cache:       responses,
		History:     hist,
		Objects:     objects,
		Profiles:    profiles,
		Facts:       extractor,
		Audit:       c.audit,
		Metrics:     c.metrics,
		Logger:      logger,
	}, cfg.BasicConfig.RequestTimeout())

	dispatcher := worker.NewDispatcher(pipe, worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, c.metrics, logger)
	defer dispatcher.Close()

	sweeper := history.NewSweeper(c.purgers(hist), logger)
	sweeper.Start(ctx, time.Duration(cfg.BasicConfig.PurgeIntervalMinutes)*time.Minute)

	handlers := api.NewHandler(api.Options{
		Chat:      dispatcher,
		History:   hist,
		Guests:    tracker,
		Profiles:  profiles,
		Warmer:    pipe,
		Auth:      auth.NewAuthenticator(c.verifier(), c.metrics, c.audit),
		Tokens:    c.tokenService(),
		Objects:   objects,
		Media:     media,
		Admins:    cfg.Auth.AdminSubjects,
		RateLimit: rate.Limit(cfg.BasicConfig.RateLimitPerSecond),
		RateBurst: cfg.BasicConfig.RateLimitBurst,
		Metrics:   c.metrics,
		Audit:     c.audit,
		Logger:    logger,
		Checks:    c.healthChecks(),
	})

	if cfg.BasicConfig.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName), accessLog(logger))
	handlers.RegisterRoutes(engine)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown", "error", err)
		}
	}
	return nil
}

// accessLog replaces gin's default logger with a structured one.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
