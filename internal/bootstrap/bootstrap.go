// Package bootstrap assembles the store, Redis and engine shared by the binaries from Config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"example.com/attendance/internal/api"
	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/config"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/live"
	"example.com/attendance/internal/persistence/memory"
	"example.com/attendance/internal/persistence/postgres"
)

// EventLedger is a store that also remembers processed inbound events.
type EventLedger interface {
	ClaimEvent(ctx context.Context, key, eventType string) (bool, error)
	ReleaseEvent(ctx context.Context, key string) error
}

// Stores is the opened persistence layer. Pool is nil for the memory driver.
type Stores struct {
	Store  domain.Store
	Events EventLedger
	Pool   *pgxpool.Pool
}

// Close releases the connection pool, if any.
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStore connects the configured store driver and applies the seed fixture when one is set.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Stores, error) {
	var seed *memory.Seed
	if cfg.SeedPath != "" {
		s, err := memory.ReadSeed(cfg.SeedPath)
		if err != nil {
			return nil, err
		}
		seed = &s
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		store := memory.NewStore()
		if seed != nil {
			store.Load(*seed)
			logger.Info().Int("users", len(seed.Users)).Int("gyms", len(seed.Gyms)).Msg("memory store seeded")
		}
		return &Stores{Store: store, Events: store}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		repo := postgres.NewRepository(pool)
		if seed != nil {
			if err := seedRepository(ctx, repo, *seed); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info().Int("users", len(seed.Users)).Int("gyms", len(seed.Gyms)).Msg("postgres store seeded")
		}
		return &Stores{Store: repo, Events: repo, Pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func seedRepository(ctx context.Context, repo *postgres.Repository, seed memory.Seed) error {
	for _, u := range seed.DomainUsers() {
		if err := repo.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, g := range seed.DomainGyms() {
		if err := repo.UpsertGym(ctx, g); err != nil {
			return fmt.Errorf("seed gym %s: %w", g.ID, err)
		}
	}
	return nil
}

// Redis connects to Redis when REDIS_ADDR is set; it returns nil otherwise.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	return live.Connect(ctx, live.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}

// Sweeper builds the maintenance sweeper for engine from cfg.
func Sweeper(engine *attendance.Engine, cfg config.Config, logger zerolog.Logger) *attendance.Sweeper {
	return attendance.NewSweeper(engine, attendance.SweeperConfig{
		Interval:          cfg.SweepInterval,
		BatchSize:         cfg.SweepBatchSize,
		ReconcileInterval: cfg.ReconcileInterval,
	}, logger)
}

// InProcessSweeps reports whether the API process must run the sweeps itself. The memory store
// lives inside one process, so a separate sweeper binary would only see its own empty copy.
func InProcessSweeps(cfg config.Config) bool {
	return cfg.StoreDriver == config.DriverMemory
}

// Policy translates configuration into engine policy.
func Policy(cfg config.Config) attendance.Policy {
	p := attendance.DefaultPolicy()
	if cfg.DefaultCheckInRadiusMeters > 0 {
		p.DefaultRadiusMeters = cfg.DefaultCheckInRadiusMeters
	}
	if cfg.DefaultAutoExpire > 0 {
		p.DefaultAutoExpire = cfg.DefaultAutoExpire
	}
	if cfg.ScheduleGrace > 0 {
		p.GraceWindow = cfg.ScheduleGrace
	}
	if cfg.LateCancelThreshold > 0 {
		p.LateCancelThreshold = cfg.LateCancelThreshold
	}
	if cfg.MaxActiveSchedules > 0 {
		p.MaxActiveSchedules = cfg.MaxActiveSchedules
	}
	if cfg.ScheduleHorizon > 0 {
		p.ScheduleHorizon = cfg.ScheduleHorizon
	}
	return p
}

// Live holds the live-update collaborators. Without Redis, updates fan out in-process only.
type Live struct {
	Hub         *live.Hub
	Broadcaster *live.Broadcaster
	Lock        *live.CheckInLock
}

// Notifier returns the engine's GymNotifier for this setup.
func (l Live) Notifier() attendance.GymNotifier {
	if l.Broadcaster != nil {
		return l.Broadcaster
	}
	return l.Hub
}

// Source returns what the HTTP layer subscribes to.
func (l Live) Source() api.LiveSource {
	if l.Broadcaster != nil {
		return l.Broadcaster
	}
	return l.Hub
}

// NewLive wires the hub, and the Redis broadcaster and lock when rdb is non-nil.
func NewLive(rdb *redis.Client, cfg config.Config, logger zerolog.Logger) Live {
	l := Live{Hub: live.NewHub(logger)}
	if rdb != nil {
		l.Broadcaster = live.NewBroadcaster(rdb, l.Hub, logger)
		l.Lock = live.NewCheckInLock(rdb, cfg.CheckInLockTTL, logger)
	}
	return l
}

// EngineOptions builds the engine options for cfg and the live collaborators.
func EngineOptions(cfg config.Config, l *Live, logger zerolog.Logger) []attendance.Option {
	opts := []attendance.Option{
		attendance.WithPolicy(Policy(cfg)),
		attendance.WithLogger(logger),
		attendance.WithGeoBypass(cfg.GeoBypass),
	}
	if cfg.GeoBypass {
		logger.Warn().Msg("geo validation bypass is enabled")
	}
	if l != nil {
		opts = append(opts, attendance.WithNotifier(l.Notifier()))
		if l.Lock != nil {
			opts = append(opts, attendance.WithGuard(l.Lock))
		}
	}
	return opts
}
