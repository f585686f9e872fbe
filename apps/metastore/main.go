package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	filestoreconsumer "github.com/benediktbwimmer/apphub-metastore/domains/filestore/be/consumer"
	filestorehandler "github.com/benediktbwimmer/apphub-metastore/domains/filestore/be/handler"
	namespaceshandler "github.com/benediktbwimmer/apphub-metastore/domains/namespaces/be/handler"
	namespacesservice "github.com/benediktbwimmer/apphub-metastore/domains/namespaces/be/service"
	recordshandler "github.com/benediktbwimmer/apphub-metastore/domains/records/be/handler"
	recordsrepo "github.com/benediktbwimmer/apphub-metastore/domains/records/be/repo"
	recordsservice "github.com/benediktbwimmer/apphub-metastore/domains/records/be/service"
	schemashandler "github.com/benediktbwimmer/apphub-metastore/domains/schemas/be/handler"
	schemasservice "github.com/benediktbwimmer/apphub-metastore/domains/schemas/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/events"
	platformlogging "github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
)

type config struct {
	Host            string        `env:"HOST" envDefault:"::"`
	Port            string        `env:"PORT" envDefault:"4100"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseSchema   string `env:"APPHUB_METASTORE_PG_SCHEMA" envDefault:"metastore"`
	PoolMaxConns     int32  `env:"DATABASE_POOL_MAX" envDefault:"10"`
	PoolMinConns     int32  `env:"DATABASE_POOL_MIN" envDefault:"0"`
	AcquireTimeoutMS int    `env:"DATABASE_ACQUIRE_TIMEOUT_MS" envDefault:"10000"`

	AuthDisabled bool   `env:"APPHUB_AUTH_DISABLED" envDefault:"false"`
	TokensInline string `env:"APPHUB_METASTORE_TOKENS"`
	TokensPath   string `env:"APPHUB_METASTORE_TOKENS_PATH"`

	MetricsEnabled bool `env:"APPHUB_METRICS_ENABLED" envDefault:"true"`

	SearchPresets     string `env:"APPHUB_METASTORE_SEARCH_PRESETS"`
	SearchPresetsPath string `env:"APPHUB_METASTORE_SEARCH_PRESETS_PATH"`

	RedisURL      string `env:"REDIS_URL"`
	EventsChannel string `env:"APPHUB_EVENTS_CHANNEL" envDefault:"apphub:events"`

	FilestoreSyncEnabled bool   `env:"METASTORE_FILESTORE_SYNC_ENABLED" envDefault:"false"`
	FilestoreRedisURL    string `env:"FILESTORE_REDIS_URL"`
	AllowInlineMode      bool   `env:"APPHUB_ALLOW_INLINE_MODE" envDefault:"false"`
	FilestoreChannel     string `env:"FILESTORE_EVENTS_CHANNEL" envDefault:"apphub:filestore"`
	FilestoreNamespace   string `env:"METASTORE_FILESTORE_NAMESPACE" envDefault:"filestore"`
	FilestoreStallSecs   int    `env:"METASTORE_FILESTORE_STALL_THRESHOLD_SECONDS" envDefault:"90"`

	SchemaCacheTTLSecs          int `env:"APPHUB_METASTORE_SCHEMA_CACHE_TTL_SECONDS" envDefault:"300"`
	SchemaCacheNegativeTTLSecs  int `env:"APPHUB_METASTORE_SCHEMA_CACHE_NEGATIVE_TTL_SECONDS" envDefault:"30"`
	SchemaCacheRefreshAheadSecs int `env:"APPHUB_METASTORE_SCHEMA_CACHE_REFRESH_AHEAD_SECONDS" envDefault:"60"`
	SchemaCacheRefreshIntSecs   int `env:"APPHUB_METASTORE_SCHEMA_CACHE_REFRESH_INTERVAL_SECONDS" envDefault:"15"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "metastore-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:     cfg.DatabaseURL,
		SearchPath:     cfg.DatabaseSchema,
		MaxConns:       cfg.PoolMaxConns,
		MinConns:       cfg.PoolMinConns,
		ConnectTimeout: time.Duration(cfg.AcquireTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	applied, err := persistence.ApplyMigrations(ctx, pool, cfg.DatabaseSchema)
	if err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("ids", applied))
	}

	tokenStore, err := auth.NewStore(auth.Source{Inline: cfg.TokensInline, Path: cfg.TokensPath}, logger)
	if err != nil {
		logger.Fatal("load auth tokens", zap.Error(err))
	}

	watchStop := make(chan struct{})
	go func() {
		if err := tokenStore.Watch(watchStop); err != nil {
			logger.Error("token file watch failed", zap.Error(err))
		}
	}()

	m := metrics.New(cfg.MetricsEnabled)

	presets, err := loadPresets(cfg)
	if err != nil {
		logger.Fatal("load search presets", zap.Error(err))
	}
	if len(presets) > 0 {
		logger.Info("search presets loaded", zap.Int("count", len(presets)))
	}

	publisher := events.NewPublisher(logger, m, cfg.RedisURL, cfg.EventsChannel)
	defer func() {
		_ = publisher.Close()
	}()

	hub := streaming.NewHub(logger, m)

	repository := recordsrepo.New(pool)
	recordsSvc := recordsservice.New(repository, hub, publisher, presets)
	streamAuth := func(r *http.Request) (*auth.Identity, error) {
		return auth.ResolveRequest(r, tokenStore, cfg.AuthDisabled)
	}
	recordsHTTPHandler := recordshandler.New(recordsSvc, hub, streamAuth, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	schemaStore := persistence.NewSchemaDefinitionStore(pool)
	schemasSvc := schemasservice.New(schemaStore, schemasservice.Config{
		TTL:             time.Duration(cfg.SchemaCacheTTLSecs) * time.Second,
		NegativeTTL:     time.Duration(cfg.SchemaCacheNegativeTTLSecs) * time.Second,
		RefreshAhead:    time.Duration(cfg.SchemaCacheRefreshAheadSecs) * time.Second,
		RefreshInterval: time.Duration(cfg.SchemaCacheRefreshIntSecs) * time.Second,
	}, m)
	go schemasSvc.Run(runCtx)
	schemasHTTPHandler := schemashandler.New(schemasSvc, logger)

	namespaceStore := persistence.NewNamespaceStore(pool)
	namespacesSvc := namespacesservice.New(namespaceStore, m)
	namespacesHTTPHandler := namespaceshandler.New(namespacesSvc, logger)

	filestoreURL := cfg.FilestoreRedisURL
	if filestoreURL == "" {
		filestoreURL = cfg.RedisURL
	}
	syncConsumer, err := filestoreconsumer.New(repository, filestoreconsumer.Config{
		Enabled:        cfg.FilestoreSyncEnabled,
		RedisURL:       filestoreURL,
		AllowInline:    cfg.AllowInlineMode,
		Channel:        cfg.FilestoreChannel,
		Namespace:      cfg.FilestoreNamespace,
		StallThreshold: time.Duration(cfg.FilestoreStallSecs) * time.Second,
	}, logger, m)
	if err != nil {
		logger.Fatal("init filestore consumer", zap.Error(err))
	}
	if err := syncConsumer.Start(); err != nil {
		logger.Fatal("start filestore consumer", zap.Error(err))
	}
	filestoreHTTPHandler := filestorehandler.New(syncConsumer, logger)

	router := newRouter(routerDeps{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		pool:       pool,
		tokenStore: tokenStore,
		records:    recordsHTTPHandler,
		schemas:    schemasHTTPHandler,
		namespaces: namespacesHTTPHandler,
		filestore:  filestoreHTTPHandler,
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	// Shutdown alone never unblocks long-lived stream handlers; detaching the
	// hub's subscribers ends their loops so draining can finish.
	server.RegisterOnShutdown(hub.Close)

	go func() {
		logger.Info("starting metastore server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := syncConsumer.Shutdown(shutdownCtx); err != nil {
		logger.Error("filestore consumer shutdown failed", zap.Error(err))
	}
	cancelRun()
	close(watchStop)
}

// loadPresets resolves the preset source, preferring the inline payload over
// the file path, matching how token sources resolve.
func loadPresets(cfg config) ([]recordsservice.Preset, error) {
	raw := cfg.SearchPresets
	if raw == "" && cfg.SearchPresetsPath != "" {
		data, err := os.ReadFile(cfg.SearchPresetsPath)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	return recordsservice.ParsePresets(raw)
}
