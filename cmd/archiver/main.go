package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/infrastructure/archive"
	"github.com/bluelight-hub/aegis/internal/infrastructure/config"
	"github.com/bluelight-hub/aegis/internal/infrastructure/database"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
	"github.com/bluelight-hub/aegis/internal/metrics"
	auditsvc "github.com/bluelight-hub/aegis/internal/service/audit"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "path to configuration file")
	mode       = flag.String("mode", "archive", "operation mode: archive, verify, restore, stats")
	days       = flag.Int("days", 90, "archive entries older than this many days")
	file       = flag.String("file", "", "archive file name for verify/restore")
	dryRun     = flag.Bool("dry-run", false, "report what would be archived without writing")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("archiver failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	storage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg, err := metrics.NewRegistry("aegis-archiver")
	if err != nil {
		return err
	}

	switch *mode {
	case "archive":
		pool, err := database.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := database.NewLogStore(pool)
		archiver := auditsvc.NewArchiver(store, storage, reg, logger, cfg.Audit.ArchiveChunkSize)
		return runArchive(ctx, store, archiver)

	case "verify":
		return runVerify(ctx, auditsvc.NewArchiver(nil, storage, reg, logger, 0))

	case "restore":
		return runRestore(ctx, auditsvc.NewArchiver(nil, storage, reg, logger, 0))

	case "stats":
		return runStats(ctx, auditsvc.NewArchiver(nil, storage, reg, logger, 0))

	default:
		return fmt.Errorf("unknown mode %q (want archive, verify, restore or stats)", *mode)
	}
}

func newStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Storage, error) {
	if cfg.Archive.Backend == "s3" {
		return archive.NewS3Storage(ctx, archive.S3Config{
			Endpoint:     cfg.Archive.S3.Endpoint,
			Region:       cfg.Archive.S3.Region,
			Bucket:       cfg.Archive.S3.Bucket,
			AccessKey:    cfg.Archive.S3.AccessKey,
			SecretKey:    cfg.Archive.S3.SecretKey,
			UsePathStyle: cfg.Archive.S3.UsePathStyle,
		}, logger)
	}
	return archive.NewLocalStorage(cfg.Archive.Dir)
}

func runArchive(ctx context.Context, store audit.LogStore, archiver *auditsvc.Archiver) error {
	if *days < 1 {
		return fmt.Errorf("days must be at least 1, got %d", *days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -*days)

	if *dryRun {
		count, err := store.CountBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("dry run: %d entries older than %s would be archived\n",
			count, cutoff.Format(time.RFC3339))
		return nil
	}

	report, err := archiver.Archive(ctx, cutoff)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("nothing to archive")
		return nil
	}
	return printJSON(report)
}

func runVerify(ctx context.Context, archiver *auditsvc.Archiver) error {
	if *file == "" {
		return fmt.Errorf("verify requires -file")
	}
	result, err := archiver.Verify(ctx, *file)
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("archive %s failed chain verification at sequence %d",
			*file, result.BrokenAtSeq)
	}
	return nil
}

func runRestore(ctx context.Context, archiver *auditsvc.Archiver) error {
	if *file == "" {
		return fmt.Errorf("restore requires -file")
	}
	entries, err := archiver.Restore(ctx, *file)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "restored %d entries from %s\n", len(entries), *file)
	return nil
}

func runStats(ctx context.Context, archiver *auditsvc.Archiver) error {
	infos, err := archiver.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no archives")
		return nil
	}

	var total int64
	for _, info := range infos {
		total += info.Entries
	}
	fmt.Printf("%d archives, %d entries total\n", len(infos), total)
	return printJSON(infos)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
