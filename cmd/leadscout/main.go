// Package main wires together the scrape service binary.
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

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/leadscout/leadscout/internal/api"
	"github.com/leadscout/leadscout/internal/clock/system"
	"github.com/leadscout/leadscout/internal/config"
	gcsexport "github.com/leadscout/leadscout/internal/export/gcs"
	localexport "github.com/leadscout/leadscout/internal/export/local"
	memoryexport "github.com/leadscout/leadscout/internal/export/memory"
	"github.com/leadscout/leadscout/internal/id/uuid"
	"github.com/leadscout/leadscout/internal/logging"
	memorypublisher "github.com/leadscout/leadscout/internal/publisher/memory"
	pubsubpublisher "github.com/leadscout/leadscout/internal/publisher/pubsub"
	"github.com/leadscout/leadscout/internal/queue"
	"github.com/leadscout/leadscout/internal/runner"
	"github.com/leadscout/leadscout/internal/scrape"
	"github.com/leadscout/leadscout/internal/session"
	collysource "github.com/leadscout/leadscout/internal/source/colly"
	"github.com/leadscout/leadscout/internal/source/detector"
	"github.com/leadscout/leadscout/internal/source/headless"
	memorystorage "github.com/leadscout/leadscout/internal/storage/memory"
	"github.com/leadscout/leadscout/internal/storage/postgres"
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

	var (
		jobs    scrape.JobStore
		results scrape.BusinessStore
	)
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgStore.Close()
		jobs = pgStore
		results = pgStore
	} else {
		memStore := memorystorage.NewJobStore()
		jobs = memStore
		results = memStore
	}

	var publisher scrape.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub, err := pubsubpublisher.NewFromClient(client, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub topic init failed", zap.Error(err))
		}
		defer pub.Stop()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		logger.Fatal("exporter init failed", zap.Error(err))
	}

	var renderer collysource.Renderer = headless.Noop{}
	if cfg.Source.Headless.Enabled {
		chromedpRenderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Source.Headless.MaxParallel,
			UserAgent:         cfg.Source.UserAgent,
			NavigationTimeout: time.Duration(cfg.Source.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			defer chromedpRenderer.Close()
			renderer = chromedpRenderer
		}
	}

	source, err := collysource.New(collysource.Config{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.SourceTimeout(),
	}, renderer, detector.NewHeuristic(0), logger.Named("source"))
	if err != nil {
		logger.Fatal("source init failed", zap.Error(err))
	}

	qm := queue.NewManager(queue.Config{
		Capacity:     cfg.Queue.Capacity,
		FallbackWait: cfg.DefaultWait(),
	}, jobs, logger.Named("queue"))
	registry := session.NewRegistry()
	coordinator := runner.New(
		ctx,
		qm,
		registry,
		jobs,
		results,
		source,
		publisher,
		system.New(),
		uuid.New(),
		runner.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("runner"),
	)

	apiServer := api.NewServer(coordinator, jobs, results, exporter, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildExporter(ctx context.Context, cfg config.Config) (scrape.Exporter, error) {
	switch cfg.Export.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsexport.New(client, gcsexport.Config{Bucket: cfg.Export.Bucket})
	case "local":
		return localexport.New(localexport.Config{BaseDir: cfg.Export.BaseDir})
	default:
		return memoryexport.New(), nil
	}
}
