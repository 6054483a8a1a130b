// Command blobsweep removes stored objects that no document row references.
// It is meant to run from cron or by hand after incidents that interrupt
// uploads between the blob write and the metadata commit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/noah-isme/docvault-api/internal/repository"
	"github.com/noah-isme/docvault-api/internal/service"
	"github.com/noah-isme/docvault-api/pkg/blob"
	"github.com/noah-isme/docvault-api/pkg/config"
	"github.com/noah-isme/docvault-api/pkg/database"
	"github.com/noah-isme/docvault-api/pkg/logger"
)

func main() {
	var (
		grace   time.Duration
		timeout time.Duration
	)
	flag.DurationVar(&grace, "grace", time.Hour, "minimum object age before an unreferenced blob is deleted")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "overall run deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Env, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close() //nolint:errcheck

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	storageSvc := service.NewStorageService(store, repository.NewDocumentRepository(db), service.StorageServiceConfig{
		PresignTTLMax: cfg.Storage.PresignTTLMax,
		SweepGrace:    grace,
	}, logr)

	removed, err := storageSvc.SweepOrphans(ctx)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	fmt.Printf("Removed %d orphan object(s) from bucket %s\n", removed, store.Bucket())
}

func buildStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverGCS:
		return blob.NewGCSStore(ctx, cfg.Storage.Bucket)
	case config.StorageDriverLocal:
		return blob.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.Bucket,
			cfg.Storage.PublicBaseURL, blob.NewSigner(cfg.Storage.PresignSecret))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
