// Package main wires together the arena collection service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcloudpubsub "cloud.google.com/go/pubsub"
	gcloudstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/api"
	archivegcs "github.com/medialens/arena-collector/internal/archive/gcs"
	archivelocal "github.com/medialens/arena-collector/internal/archive/local"
	archivemem "github.com/medialens/arena-collector/internal/archive/memory"
	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/clock/system"
	"github.com/medialens/arena-collector/internal/collectors/fixture"
	"github.com/medialens/arena-collector/internal/collectors/webfetch"
	"github.com/medialens/arena-collector/internal/config"
	"github.com/medialens/arena-collector/internal/coord"
	coordmem "github.com/medialens/arena-collector/internal/coord/memory"
	coordpg "github.com/medialens/arena-collector/internal/coord/postgres"
	"github.com/medialens/arena-collector/internal/credstore"
	credmem "github.com/medialens/arena-collector/internal/credstore/memory"
	credpg "github.com/medialens/arena-collector/internal/credstore/postgres"
	"github.com/medialens/arena-collector/internal/id/uuid"
	"github.com/medialens/arena-collector/internal/logging"
	"github.com/medialens/arena-collector/internal/orchestrator"
	"github.com/medialens/arena-collector/internal/pipeline"
	"github.com/medialens/arena-collector/internal/pool"
	"github.com/medialens/arena-collector/internal/progress"
	"github.com/medialens/arena-collector/internal/progress/sinks"
	pubmem "github.com/medialens/arena-collector/internal/publisher/memory"
	pubgcp "github.com/medialens/arena-collector/internal/publisher/pubsub"
	queuemem "github.com/medialens/arena-collector/internal/queue/memory"
	"github.com/medialens/arena-collector/internal/ratelimit"
	storemem "github.com/medialens/arena-collector/internal/store/memory"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// Key and salt were validated during config load; a failure here means
	// the process must not collect anything.
	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	cipher, err := credstore.NewCipher(key)
	if err != nil {
		return err
	}

	clk := system.New()
	idGen := uuid.New()

	var (
		creds      credstore.Store
		coordStore coord.Store
	)
	if cfg.DB.DSN != "" {
		logger.Info("using postgres credential and coordination stores")
		pgCreds, err := credpg.NewStore(ctx, credpg.Config{DSN: cfg.DB.DSN, MaxConns: int32(cfg.DB.MaxOpenConns)})
		if err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
		defer pgCreds.Close()
		pgCoord, err := coordpg.NewStore(ctx, coordpg.Config{DSN: cfg.DB.DSN, MaxConns: int32(cfg.DB.MaxOpenConns)})
		if err != nil {
			return fmt.Errorf("coordination store: %w", err)
		}
		defer pgCoord.Close()
		creds, coordStore = pgCreds, pgCoord
	} else {
		logger.Info("using in-memory credential and coordination stores")
		creds, coordStore = credmem.NewStore(), coordmem.NewStore()
	}

	var publisher arena.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gcloudpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		p, err := pubgcp.New(client)
		if err != nil {
			return fmt.Errorf("pubsub publisher: %w", err)
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		publisher = p
	} else {
		logger.Info("using in-memory publisher")
		publisher = pubmem.New()
	}

	var archive arena.ArchiveStore
	switch {
	case cfg.Archive.GCSBucket != "":
		client, err := gcloudstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage client: %w", err)
		}
		archive, err = archivegcs.New(client, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs archive: %w", err)
		}
	case cfg.Archive.LocalDir != "":
		archive, err = archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive: %w", err)
		}
	default:
		logger.Info("using in-memory archive")
		archive = archivemem.NewArchive()
	}

	fallbacks := make([]pool.Fallback, 0, len(cfg.StaticCredentials))
	for _, sc := range cfg.StaticCredentials {
		fallbacks = append(fallbacks, pool.Fallback{
			Platform: sc.Platform,
			Tier:     arena.Tier(sc.Tier),
			Secrets:  sc.Secrets,
		})
	}
	credPool := pool.New(creds, coordStore, cipher, fallbacks, clk, logger, pool.Config{
		LeaseTTL:          time.Duration(cfg.Pool.LeaseTTLSeconds) * time.Second,
		CooldownThreshold: cfg.Pool.CooldownThreshold,
		CooldownBase:      time.Duration(cfg.Pool.CooldownBaseSeconds) * time.Second,
		CooldownMax:       time.Duration(cfg.Pool.CooldownMaxSeconds) * time.Second,
	})

	limiter := ratelimit.NewLimiter(coordStore, logger,
		time.Duration(cfg.RateLimit.MaxWaitSeconds)*time.Second)

	pipe, err := pipeline.New(pipeline.Config{
		Salt:             cfg.Security.PseudonymSalt,
		ShingleSize:      cfg.Pipeline.ShingleSize,
		NearDupThreshold: cfg.Pipeline.NearDupThreshold,
		EngagementCap:    float64(cfg.Pipeline.EngagementCap),
		PublicFigures:    cfg.Pipeline.PublicFigures,
	}, idGen, clk, logger)
	if err != nil {
		return err
	}

	registry := arena.NewRegistry()
	if cfg.Fixture.Enabled {
		if err := registry.Register(fixture.New(fixture.Config{ItemsPerGroup: cfg.Fixture.ItemsPerGroup}, clk)); err != nil {
			return err
		}
	}
	if cfg.Webfetch.Enabled {
		wf, err := webfetch.New(webfetch.Config{
			Sources:           cfg.Webfetch.Sources,
			UserAgent:         cfg.Webfetch.UserAgent,
			Timeout:           time.Duration(cfg.Webfetch.TimeoutSeconds) * time.Second,
			PerHostRPS:        cfg.Webfetch.PerHostRPS,
			Burst:             cfg.Webfetch.Burst,
			MaxItemsPerSource: cfg.Webfetch.MaxItemsPerSource,
		}, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(wf); err != nil {
			return err
		}
	}
	registry.Freeze()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger), promSink}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.EventsTopic != "" {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(publisher, cfg.PubSub.EventsTopic))
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	queue := queuemem.NewQueue(cfg.Workers.QueueDepth)
	jobs := storemem.NewJobStore()

	ratePolicies := make(map[string]orchestrator.RatePolicy, len(cfg.RateLimit.PerPlatform))
	for platform, p := range cfg.RateLimit.PerPlatform {
		ratePolicies[platform] = orchestrator.RatePolicy{
			Limit:  p.Limit,
			Window: time.Duration(p.WindowSeconds) * time.Second,
		}
	}
	workerCfg := orchestrator.Config{
		RecordsTopic:  cfg.PubSub.RecordsTopic,
		ArchivePrefix: cfg.Archive.Prefix,
		RatePolicies:  ratePolicies,
		DefaultRate: orchestrator.RatePolicy{
			Limit:  cfg.RateLimit.Default.Limit,
			Window: time.Duration(cfg.RateLimit.Default.WindowSeconds) * time.Second,
		},
	}

	retry := arena.NewExponentialRetryPolicy()
	workers := make([]*orchestrator.Worker, 0, cfg.Workers.Concurrency)
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		workers = append(workers, orchestrator.New(
			fmt.Sprintf("worker-%d", i),
			queue, jobs, registry, credPool, limiter, pipe,
			publisher, archive, hub, retry, clk, workerCfg,
			logger,
		))
	}
	dispatcher := orchestrator.NewDispatcher(queue, jobs, registry, idGen, clk, hub, workers, logger)

	apiServer := api.NewServer(dispatcher, registry, creds, cipher, credPool, limiter, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Workers.Concurrency))
		dispatcher.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
