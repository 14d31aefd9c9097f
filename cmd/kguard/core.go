package main

import (
	"context"
	"fmt"

	"github.com/goodtune/kguard/internal/access"
	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/policy/opa"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/schedule"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/goodtune/kguard/internal/storage/redis"
	"github.com/goodtune/kguard/internal/storage/sqlite"
	"github.com/goodtune/kguard/internal/telemetry"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

// core holds the components shared by the server and the one-shot commands
type core struct {
	store     storage.Store
	catalog   *profile.MemoryRepository
	repo      *profile.Cached
	zone      *clock.StaticZone
	features  *config.Features
	activity  *telemetry.Recorder
	engine    *usage.Engine
	scheduler *schedule.Scheduler
	policy    *opa.Engine
	decision  *access.Decision
	logger    zerolog.Logger
}

func newCore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (*core, error) {
	catalog, err := profile.LoadFile(cfg.Profiles.File)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c := &core{
		store:    store,
		catalog:  profile.NewMemoryRepository(catalog),
		zone:     clock.NewStaticZone(cfg.Schedule.Timezone),
		features: config.NewFeatures(cfg),
		activity: telemetry.NewRecorder(),
		logger:   logger,
	}
	c.repo = profile.NewCached(c.catalog, cfg.Profiles.CacheSize, cfg.ProfileCacheTTL())

	c.engine = usage.NewEngine(c.repo, store.Events(), c.activity, clk, c.zone, usage.Config{
		Interval:    cfg.AccountingInterval(),
		IdleTimeout: cfg.InactivityTimeout(),
	}, logger)
	if err := c.engine.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to rebuild usage accounts: %w", err)
	}

	c.scheduler = schedule.NewScheduler(c.repo, c.features, c.zone, logger)

	var sources []access.Source
	if cfg.Policy.Enabled {
		c.policy, err = opa.NewEngine(cfg.Policy.OPAPolicyDir, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
		}
		sources = append(sources, c.policy)
	}

	c.decision = access.NewDecision(c.repo, c.scheduler, c.engine, clk, c.zone, logger, sources...)

	return c, nil
}

// reload applies a freshly loaded configuration and profiles file
func (c *core) reload(cfg *config.Config) error {
	catalog, err := profile.LoadFile(cfg.Profiles.File)
	if err != nil {
		return err
	}
	c.catalog.Replace(catalog)
	c.repo.Purge()

	c.zone.SetName(cfg.Schedule.Timezone)
	c.features.Apply(cfg)

	if c.policy != nil {
		if err := c.policy.Reload(); err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}

	c.logger.Info().
		Int("devices", len(catalog.Devices)).
		Int("profiles", len(catalog.Profiles)).
		Str("timezone", cfg.Schedule.Timezone).
		Bool("time_restriction", cfg.Schedule.TimeRestriction).
		Msg("Configuration reloaded")
	return nil
}

func (c *core) Close() error {
	return c.store.Close()
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt", "":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
