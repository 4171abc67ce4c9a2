package store

import (
	"context"
	"fmt"

	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/store/badgerdb"
	"github.com/dkeye/Callbox/internal/store/memory"
	"github.com/dkeye/Callbox/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// Backend is a store that can also be seeded.
type Backend interface {
	core.Store
	core.Seeder
}

// Open builds the backend named by cfg.Driver and applies the seed file.
func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		b = memory.New()
	case "badger":
		b, err = badgerdb.Open(cfg.BadgerPath)
	case "postgres":
		b, err = postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", cfg.Driver).Msg("store opened")

	if err := SeedFile(ctx, b, cfg.SeedFile); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
