package badger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/weppcloud/weppcloud/internal/common"
)

// BadgerDB is the embedded database used when the queue backend is "badger".
// It holds both the job records and the queue index keys.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens (or creates) the database at config.Path
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := badgerhold.Open(Options(config.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database %s: %w", config.Path, err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database opened")
	return &BadgerDB{store: store, logger: logger, path: config.Path}, nil
}

// Options returns badgerhold options for dir. Records are stored as JSON so
// they read the same as the Redis job records.
func Options(dir string) badgerhold.Options {
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil // badger logs through arbor callers only
	options.Encoder = json.Marshal
	options.Decoder = json.Unmarshal
	return options
}

// Wrap adopts an already opened store, mainly for tests.
func Wrap(store *badgerhold.Store, logger arbor.ILogger) *BadgerDB {
	return &BadgerDB{store: store, logger: logger}
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// DB returns the raw Badger handle used by the queue index.
func (b *BadgerDB) DB() *badgerdb.DB {
	return b.store.Badger()
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
