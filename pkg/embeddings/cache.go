package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/dgraph-io/badger/v4"
)

// DefaultCacheTTL is how long cached vectors live before expiring
const DefaultCacheTTL = 24 * time.Hour

// Cache stores embedding vectors in BadgerDB keyed by tenant, model and
// entity. Read failures degrade to a miss so a broken cache slows scoring
// down but never breaks it.
type Cache struct {
	db     *badger.DB
	model  string
	ttl    time.Duration
	logger ectologger.Logger
}

// CacheConfig holds embedding cache configuration
type CacheConfig struct {
	// DataDir is the badger data directory. Ignored when InMemory is set.
	DataDir string
	// InMemory runs badger without persistence, used in tests
	InMemory bool
	// Model scopes cache keys so switching models never serves stale vectors
	Model string
	// TTL is the entry lifetime, DefaultCacheTTL when zero
	TTL time.Duration
}

// NewCache opens the badger-backed embedding cache
func NewCache(cfg CacheConfig, logger ectologger.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.DataDir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		db:     db,
		model:  cfg.Model,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Close releases the underlying badger database
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) key(tenantID, entityID string) []byte {
	return []byte("emb\x00" + c.model + "\x00" + tenantID + "\x00" + entityID)
}

// Get returns the cached vector for an entity, or false on a miss. Any
// read error is logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, tenantID, entityID string) ([]float32, bool) {
	var vector []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(tenantID, entityID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &vector)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
				"entity_id": entityID,
			}).Warn("Embedding cache read failed")
		}
		return nil, false
	}
	return vector, true
}

// GetBatch returns the cached vectors found for a set of entities
func (c *Cache) GetBatch(ctx context.Context, tenantID string, entityIDs []string) map[string][]float32 {
	found := make(map[string][]float32, len(entityIDs))
	for _, id := range entityIDs {
		if vector, ok := c.Get(ctx, tenantID, id); ok {
			found[id] = vector
		}
	}
	return found
}

// Set stores a vector with the cache TTL
func (c *Cache) Set(ctx context.Context, tenantID, entityID string, vector []float32) error {
	payload, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(c.key(tenantID, entityID), payload).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to cache embedding for entity %s: %w", entityID, err)
	}
	return nil
}

// SetBatch stores vectors for multiple entities. A failed write is logged
// and skipped rather than failing the batch.
func (c *Cache) SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32) {
	for id, vector := range vectors {
		if err := c.Set(ctx, tenantID, id, vector); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
				"entity_id": id,
			}).Warn("Embedding cache write failed")
		}
	}
}

// Invalidate drops the cached vector for an entity. Deleting an absent key
// is not an error.
func (c *Cache) Invalidate(ctx context.Context, tenantID, entityID string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(tenantID, entityID))
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate embedding for entity %s: %w", entityID, err)
	}
	return nil
}

// InvalidateBatch drops cached vectors for multiple entities
func (c *Cache) InvalidateBatch(ctx context.Context, tenantID string, entityIDs []string) error {
	for _, id := range entityIDs {
		if err := c.Invalidate(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}
