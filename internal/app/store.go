package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/store"
	"github.com/Tyrowin/realmchat/internal/store/badgerstore"
	"github.com/Tyrowin/realmchat/internal/store/memory"
	"github.com/Tyrowin/realmchat/internal/store/postgres"
	"github.com/Tyrowin/realmchat/internal/store/redisstore"
	"github.com/Tyrowin/realmchat/internal/store/sqlite"
)

// OpenStore opens the backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, messages are lost on restart")
		return memory.New(), nil
	case "sqlite":
		return opened(sqlite.Open(ctx, cfg.SQLitePath))
	case "postgres":
		return opened(postgres.Open(ctx, cfg.DatabaseURL))
	case "redis":
		return opened(redisstore.Open(ctx, cfg.RedisURL))
	case "badger":
		return opened(badgerstore.Open(cfg.BadgerPath, log))
	default:
		return nil, fmt.Errorf("unknown store driver %q, want one of %s", cfg.Driver, strings.Join(store.Drivers, ", "))
	}
}

// opened keeps a failed open from returning a typed nil inside the interface.
func opened[S store.Store](s S, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
