package database

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
)

// Open connects the backend selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	timeout := cfg.OperationTimeout()
	logger.DebugF("Opening %s session store", cfg.Storage.Driver)
	switch cfg.Storage.Driver {
	case "redis":
		return connectRedis(ctx, cfg.Storage.Redis, timeout)
	case "mongo":
		mc := cfg.Storage.Mongo
		return connectMongo(ctx, mongoClientOptions(cfg.AppName, mc), mc.Database, mc.Collection, timeout)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Storage.Driver)
	}
}

// CloseCallback adapts a Store to the shutdown cleaner.
type CloseCallback struct {
	store Store
}

func NewCloseCallback(store Store) *CloseCallback {
	return &CloseCallback{store: store}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	return cc.store.Close(ctx)
}
