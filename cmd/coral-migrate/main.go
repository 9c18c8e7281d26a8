package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/config"
	"github.com/coralhq/coral/pkg/storage"
)

var (
	configPath   = flag.String("config", "", "Path to the YAML configuration file (for the postgres DSN)")
	dsn          = flag.String("dsn", "", "Postgres DSN, overrides the configuration file")
	dryRun       = flag.Bool("dry-run", false, "Print the schema without applying it")
	purgeExpired = flag.Bool("purge-expired", false, "Reclaim feed rows past their TTL instead of migrating")
	timeout      = flag.Duration("timeout", 30*time.Second, "How long to wait for the statements to run")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Coral Schema Migration Tool")
	log.Println("===========================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	target := *dsn
	if target == "" {
		target = cfg.Postgres.DSN
	}

	if *dryRun {
		fmt.Print(storage.Schema)
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to apply the schema.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", target)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer db.Close()

	if *purgeExpired {
		feeds := storage.NewSQLFeeds(db, clock.System(), cfg.Activity.ActivityTTL.Std())
		purged, err := feeds.PurgeExpired(ctx)
		if err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		log.Printf("✓ Purged %d expired feed rows", purged)
		return
	}

	// The schema is idempotent (CREATE ... IF NOT EXISTS), so re-running
	// against an up-to-date database is a no-op.
	if _, err := db.ExecContext(ctx, storage.Schema); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Schema applied successfully")
}
