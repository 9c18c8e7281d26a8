package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coralhq/coral/pkg/api"
	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/config"
	"github.com/coralhq/coral/pkg/email"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/pipeline"
	"github.com/coralhq/coral/pkg/principals"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the activity pipeline and its HTTP API",
	Long: `Serve starts the full pipeline: seed routing, aggregation, feed
delivery, notifications, email digests and WebSocket push, plus the HTTP
API in front of them.

Tenants, users and the activity type tables come from the configuration
file in standalone mode.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(cmd.Context()).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	tenants, err := buildTenants(cfg)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Registry:   reg,
		Tenants:    tenants,
		Principals: buildUsers(cfg),
		Redis:      rdb,
		DB:         db,
		Mailer:     email.NewLogMailer(),
		Activity:   cfg.Activity,
		Email:      cfg.Email,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := pipe.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	server := api.NewServer(api.Config{
		Addr:     cfg.API.Addr,
		Pipeline: pipe,
		Auth:     &api.SignatureAuthenticator{Tenants: tenants, Clock: clock.System()},
		Redis:    rdb,
		DB:       db,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Errorf("api server failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Errorf("api shutdown failed", err)
	}
	pipe.Stop()
	log.Info("shutdown complete")
	return nil
}

func buildTenants(cfg *config.Config) (*tenant.Static, error) {
	dir := tenant.NewStatic()
	for _, tc := range cfg.Tenants {
		day, err := tc.Weekday()
		if err != nil {
			return nil, err
		}
		dir.Add(&tenant.Tenant{
			Alias:       tc.Alias,
			Host:        tc.Host,
			EmailDomain: tc.EmailDomain,
			SigningKey:  tc.SigningKey,
			Timezone:    tc.Timezone,
			EmailHour:   tc.EmailHour,
			EmailDay:    day,
		})
	}
	return dir, nil
}

func buildUsers(cfg *config.Config) *principals.Static {
	dir := principals.NewStatic()
	for _, uc := range cfg.Users {
		dir.Add(&principals.Profile{
			ID:              uc.ID,
			TenantAlias:     uc.Tenant,
			DisplayName:     uc.DisplayName,
			Email:           uc.Email,
			EmailPreference: types.EmailPreference(uc.EmailPreference),
		})
	}
	return dir
}

// buildRegistry loads the config-declared plug-in tables. Every declared
// entity type gets the built-in self association; producers, transformers
// and propagation keep the registry defaults.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, objectType := range cfg.Registry.EntityTypes {
		if err := reg.RegisterEntityType(objectType, registry.EntityTypeOptions{}); err != nil {
			return nil, err
		}
		err := reg.RegisterAssociation(objectType, "self",
			func(_ context.Context, _ *registry.AssociationsContext, entity types.Entity) ([]string, error) {
				return []string{entity.ID()}, nil
			})
		if err != nil {
			return nil, err
		}
	}
	for _, at := range cfg.Registry.ActivityTypes {
		opts := registry.ActivityTypeOptions{
			Streams: make(map[string]registry.StreamRouter, len(at.Streams)),
		}
		for _, p := range at.GroupBy {
			opts.GroupBy = append(opts.GroupBy, registry.PivotSpec{
				Actor:  p.Actor,
				Object: p.Object,
				Target: p.Target,
			})
		}
		for stream, roles := range at.Streams {
			opts.Streams[stream] = registry.StreamRouter{
				Actor:  roles.Actor,
				Object: roles.Object,
				Target: roles.Target,
			}
		}
		if err := reg.RegisterActivityType(at.Name, opts); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
