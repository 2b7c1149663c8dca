package app

import (
	"context"
	"fmt"
	"io"

	"github.com/kalambet/obdbot/internal/cache"
	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/retrieval"
	"github.com/kalambet/obdbot/internal/storage"
)

// OpenCache opens the embedding cache named by cache.backend. For "none"
// both return values are nil.
func OpenCache(ctx context.Context, cfg config.Config) (retrieval.VectorCache, io.Closer, error) {
	switch cfg.Cache.Backend {
	case "sqlite", "":
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening embedding cache: %w", err)
		}
		return s, s, nil
	case "redis":
		c, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting embedding cache: %w", err)
		}
		return c, c, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
