package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/storage/badger"
	"github.com/ternarybob/aperture/internal/storage/postgres"
)

// Manager owns the storage backend selected by configuration and hands
// out the stores built on it.
type Manager struct {
	Jobs    interfaces.JobStore
	Catalog interfaces.CatalogStore

	db       *sql.DB
	dsn      string
	badgerDB *badger.BadgerDB
	logger   arbor.ILogger
}

// NewManager creates the storage backend selected by config.Storage.Type
func NewManager(logger arbor.ILogger, config *common.Config) (*Manager, error) {
	if logger == nil {
		logger = common.GetLogger()
	}

	switch config.Storage.Type {
	case "postgres":
		db, err := postgres.Open(config.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
		logger.Info().Str("storage", "postgres").Msg("Storage initialized")
		return &Manager{
			Jobs:    postgres.NewJobStore(db, logger),
			Catalog: postgres.NewCatalogStore(db, logger),
			db:      db,
			dsn:     config.Storage.Postgres.DSN,
			logger:  logger,
		}, nil

	case "badger", "":
		badgerDB, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("storage", "badger").Str("path", config.Storage.Badger.Path).Msg("Storage initialized")
		return &Manager{
			Jobs:     badger.NewJobStore(badgerDB, logger),
			Catalog:  badger.NewCatalogStore(badgerDB, logger),
			badgerDB: badgerDB,
			logger:   logger,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'postgres' or 'badger')", config.Storage.Type)
	}
}

// DB returns the shared Postgres connection, or nil for embedded storage
func (m *Manager) DB() *sql.DB {
	return m.db
}

// DSN returns the Postgres connection string, empty for embedded storage
func (m *Manager) DSN() string {
	return m.dsn
}

// Close releases the underlying database
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	if m.badgerDB != nil {
		return m.badgerDB.Close()
	}
	return nil
}
