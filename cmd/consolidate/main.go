package main

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"strings"
	"time"

	"txvault/internal/application"
	"txvault/internal/config"
	"txvault/internal/infrastructure/logging"
	"txvault/internal/infrastructure/segmentfs"
)

func main() {
	var (
		outDir     = flag.String("out", "", "output directory for the archive (default <data_dir>/archive)")
		segmentIDs = flag.String("segments", "", "comma-separated segment ids to merge (default all)")
		timeout    = flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, rotating, err := logging.Init(logging.Config{
		Service: "consolidate",
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if rotating != nil {
		defer rotating.Close()
	}

	segments, err := segmentfs.NewStore(filepath.Join(cfg.DataDir, "segments"))
	if err != nil {
		log.Fatalf("segment store error: %v", err)
	}

	consolidator, err := application.NewConsolidator(segments, application.ConsolidatorConfig{
		Network: cfg.Network,
		ChainID: cfg.ChainID,
	})
	if err != nil {
		log.Fatalf("consolidator error: %v", err)
	}

	var ids []string
	for _, id := range strings.Split(*segmentIDs, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	archive, err := consolidator.Consolidate(ctx, ids)
	if err != nil {
		log.Fatalf("consolidation failed: %v", err)
	}

	dir := *outDir
	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "archive")
	}
	if err := segmentfs.WriteArchive(dir, archive, archive.BlockIndex, archive.AddressIndex, archive.Summary); err != nil {
		log.Fatalf("archive write failed: %v", err)
	}

	logger.Info("consolidation finished",
		"records", len(archive.Records),
		"blocks", len(archive.BlockIndex),
		"addresses", len(archive.AddressIndex),
		"output", dir,
	)
}
