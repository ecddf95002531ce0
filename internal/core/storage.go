package core

import (
	"context"
	"fmt"
	"strings"

	"sterilcore/internal/infra/persistence/memory"
	"sterilcore/internal/infra/persistence/postgres"
	"sterilcore/internal/infra/persistence/sqlite"
	"sterilcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterises the persistent store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the configured backend with the default rules
// engine for policy. The returned close func releases database handles and
// is safe to call for the memory driver.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, policy *Policy) (domain.PersistentStore, func() error, error) {
	if policy == nil {
		policy = NewPolicy(nil, nil, true)
	}
	engine := NewDefaultRulesEngine(policy)
	opts := []memory.Option{memory.WithNowFunc(policy.Clock().Now)}
	noClose := func() error { return nil }

	driver := StorageDriver(strings.ToLower(strings.TrimSpace(string(cfg.Driver))))
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), noClose, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
