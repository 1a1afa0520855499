package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"txvault/internal/application"
	"txvault/internal/config"
	"txvault/internal/infrastructure/docstore"
	"txvault/internal/infrastructure/ethrpc"
	"txvault/internal/infrastructure/kafka"
	"txvault/internal/infrastructure/logging"
	"txvault/internal/infrastructure/segmentfs"
	"txvault/internal/infrastructure/telemetry"
	"txvault/internal/interfaces/httpapi"

	"github.com/redis/go-redis/v9"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, rotating, err := logging.Init(logging.Config{
		Service:    "vaultd",
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if rotating != nil {
		defer rotating.Close()
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "txvault", version, cfg.OtelEndpoint)
	if err != nil {
		logger.Warn("tracing init failed", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	docs, closeDocs, err := docstore.Open(&cfg)
	if err != nil {
		log.Fatalf("document store error: %v", err)
	}
	defer closeDocs()

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis cache disabled", "error", err)
			_ = client.Close()
		} else {
			cached, err := docstore.NewCachedStore(docs, client, logger)
			if err != nil {
				log.Fatalf("cache error: %v", err)
			}
			docs = cached
			defer client.Close()
		}
	}

	segments, err := segmentfs.NewStore(filepath.Join(cfg.DataDir, "segments"))
	if err != nil {
		log.Fatalf("segment store error: %v", err)
	}
	reports, err := segmentfs.NewReportSink(filepath.Join(cfg.DataDir, "reports"))
	if err != nil {
		log.Fatalf("report sink error: %v", err)
	}

	chain, err := ethrpc.NewClient(ethrpc.Config{URL: cfg.RPCURL})
	if err != nil {
		log.Fatalf("rpc error: %v", err)
	}

	var stream application.StreamWriter
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
		})
		if err != nil {
			log.Fatalf("kafka error: %v", err)
		}
		defer producer.Close()
		stream = producer
	} else {
		logger.Info("kafka audit stream disabled")
	}

	metrics := httpapi.NewMetrics()

	engine, err := application.NewEngine(chain, segments, stream, metrics, application.EngineConfig{
		Network:       cfg.Network,
		ChainID:       cfg.ChainID,
		SegmentBlocks: cfg.SegmentBlocks,
	})
	if err != nil {
		log.Fatalf("engine error: %v", err)
	}

	scheduler, err := application.NewScheduler(engine, chain, segments, stream, application.SchedulerConfig{
		Interval:       cfg.BackupInterval,
		AutoCleanup:    cfg.AutoCleanup,
		MaxBackupFiles: cfg.MaxBackupFiles,
	})
	if err != nil {
		log.Fatalf("scheduler error: %v", err)
	}

	orchestrator, err := application.NewOrchestrator(segments, docs, stream, reports, application.OrchestratorConfig{
		Network:     cfg.Network,
		ChainID:     cfg.ChainID,
		Reconstruct: true,
	})
	if err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}

	httpServer, err := httpapi.NewServer(docs, segments, chain, engine, scheduler, orchestrator, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		log.Fatalf("http server error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("vaultd started",
		slog.String("network", cfg.Network),
		slog.Uint64("chain_id", cfg.ChainID),
		slog.String("backend", cfg.DocBackend),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.Duration("interval", cfg.BackupInterval),
	)

	if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server failed", "error", err)
	}
	logger.Info("vaultd shutting down")
}
