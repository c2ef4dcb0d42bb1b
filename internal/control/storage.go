package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
	"github.com/vietddude/guardian/internal/infra/storage/postgres"
	redisstore "github.com/vietddude/guardian/internal/infra/storage/redis"
)

// Store is an opened key-value store plus the hooks the app needs for it.
type Store struct {
	KV storage.KV
	// Ping is nil for stores with nothing to ping.
	Ping func(ctx context.Context) error
	// Postgres is set when the postgres driver is in use.
	Postgres *postgres.Store
}

// OpenStore builds the configured storage driver and seals it when an
// encryption key is set.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	var s Store
	switch cfg.Driver {
	case "", config.DriverMemory:
		s.KV = memory.NewMemoryStorage()
		slog.Info("Using memory storage")
	case config.DriverRedis:
		rs, err := redisstore.NewStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.KV, s.Ping = rs, rs.Health
		slog.Info("Using Redis storage")
	case config.DriverPostgres:
		pg, err := postgres.NewStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		s.KV, s.Ping, s.Postgres = pg, pg.Health, pg
		slog.Info("Using PostgreSQL storage")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.EncryptionKey != "" {
		key, err := storage.ParseKey(cfg.EncryptionKey)
		if err != nil {
			_ = s.KV.Close()
			return nil, err
		}
		sealed, err := storage.NewSealed(s.KV, key)
		if err != nil {
			_ = s.KV.Close()
			return nil, err
		}
		s.KV = sealed
	}
	return &s, nil
}
