package pgkeyvalue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/common/database"
	"github.com/G-Research/batchflow/internal/common/logging"
)

// PGKeyValueStore is a time-limited key-value store backed by postgres with a local LRU cache.
// The store is write-only, i.e., writing to an existing key reports false rather than overwriting.
// Keys can only be deleted by running the cleanup function.
// Deleting keys does not cause caches to update, i.e., nodes may have an inconsistent view if keys are deleted.
type PGKeyValueStore struct {
	// Postgres connection.
	db *pgxpool.Pool
	// Name of the postgres table used for storage.
	tableName string
	// Local cache of keys known to exist in postgres.
	cache *simplelru.LRU
	mu    sync.Mutex
	// Used to set inserted time
	clock clock.WithTicker
}

func New(ctx context.Context, db *pgxpool.Pool, cacheSize int, tableName string) (*PGKeyValueStore, error) {
	if db == nil {
		return nil, errors.WithStack(&batchflowerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if tableName == "" {
		return nil, errors.WithStack(&batchflowerrors.ErrInvalidArgument{
			Name:    "TableName",
			Value:   tableName,
			Message: "TableName must be non-empty",
		})
	}
	if cacheSize <= 0 {
		return nil, errors.WithStack(&batchflowerrors.ErrInvalidArgument{
			Name:    "cacheSize",
			Value:   cacheSize,
			Message: "cacheSize must be positive",
		})
	}
	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := createTableIfNotExists(ctx, db, tableName); err != nil {
		return nil, errors.WithStack(err)
	}
	return &PGKeyValueStore{
		db:        db,
		tableName: tableName,
		cache:     cache,
		clock:     clock.RealClock{},
	}, nil
}

// Add inserts key with value. Returns false, with no error, if the key already exists.
func (c *PGKeyValueStore) Add(ctx context.Context, key string, value []byte) (bool, error) {
	if c.cached(key) {
		return false, nil
	}
	_, err := c.db.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (key, value, inserted) VALUES ($1, $2, $3)", c.tableName),
		key, value, c.clock.Now())
	if database.IsUniqueViolation(err) {
		c.remember(key)
		return false, nil
	}
	if err != nil {
		return false, database.ClassifyError(errors.WithStack(err))
	}
	c.remember(key)
	return true, nil
}

// AddKey is Add with an empty value.
func (c *PGKeyValueStore) AddKey(ctx context.Context, key string) (bool, error) {
	return c.Add(ctx, key, nil)
}

// Contains reports whether key has been added.
func (c *PGKeyValueStore) Contains(ctx context.Context, key string) (bool, error) {
	if c.cached(key) {
		return true, nil
	}
	var exists bool
	err := c.db.QueryRow(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1)", c.tableName), key).Scan(&exists)
	if err != nil {
		return false, database.ClassifyError(errors.WithStack(err))
	}
	if exists {
		c.remember(key)
	}
	return exists, nil
}

func (c *PGKeyValueStore) cached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Contains(key)
}

func (c *PGKeyValueStore) remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, nil)
}

func createTableIfNotExists(ctx context.Context, db *pgxpool.Pool, tableName string) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		    key TEXT PRIMARY KEY,
		    value BYTEA,
		    inserted TIMESTAMP not null
	);`, tableName))
	return err
}

// cleanup removes all key-value pairs older than lifespan.
func (c *PGKeyValueStore) cleanup(ctx context.Context, lifespan time.Duration) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE (inserted <= $1);", c.tableName)
	_, err := c.db.Exec(ctx, sql, c.clock.Now().Add(-lifespan))
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// PeriodicCleanup runs the cleanup job every interval until the provided context is cancelled.
func (c *PGKeyValueStore) PeriodicCleanup(ctx context.Context, interval time.Duration, lifespan time.Duration) error {
	log := logrus.StandardLogger().WithField("service", "PGKeyValueStoreCleanup")
	log.Info("service started")
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := c.clock.Now()
			err := c.cleanup(ctx, lifespan)
			if err != nil {
				logging.WithStacktrace(log, err).WithField("delay", c.clock.Since(start)).Warn("cleanup failed")
			} else {
				log.WithField("delay", c.clock.Since(start)).Info("cleanup succeeded")
			}
		}
	}
}
