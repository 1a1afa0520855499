package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"txvault/internal/application"
	"txvault/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "txvault:docs:version"
	cacheTTL        = 5 * time.Minute
)

// CachedStore wraps a document store with a redis read cache for search
// and stats results. A version counter is bumped on every ingest, which
// invalidates all cached entries without enumerating keys.
type CachedStore struct {
	inner  application.DocumentStore
	client *redis.Client
	logger *slog.Logger
}

func NewCachedStore(inner application.DocumentStore, client *redis.Client, logger *slog.Logger) (*CachedStore, error) {
	if inner == nil {
		return nil, errors.New("inner store is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, client: client, logger: logger}, nil
}

func (c *CachedStore) Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	admitted, err := c.inner.Ingest(ctx, records)
	if err != nil {
		return admitted, err
	}
	if admitted > 0 {
		if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
			c.logger.Warn("cache version bump failed", "error", err)
		}
	}
	return admitted, nil
}

func (c *CachedStore) GetByHash(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	return c.inner.GetByHash(ctx, hash)
}

func (c *CachedStore) GetByBlock(ctx context.Context, blockNumber uint64) ([]domain.TransactionRecord, error) {
	return c.inner.GetByBlock(ctx, blockNumber)
}

func (c *CachedStore) GetByAddress(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	return c.inner.GetByAddress(ctx, address)
}

func (c *CachedStore) Search(ctx context.Context, filter application.SearchFilter) ([]domain.TransactionRecord, error) {
	key, err := c.searchKey(ctx, filter)
	if err == nil {
		var cached []domain.TransactionRecord
		if hit, err := c.get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	records, err := c.inner.Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	if key != "" {
		c.put(ctx, key, records)
	}
	return records, nil
}

func (c *CachedStore) Stats(ctx context.Context) (domain.Summary, error) {
	key, err := c.versionedKey(ctx, "stats")
	if err == nil {
		var cached domain.Summary
		if hit, err := c.get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	summary, err := c.inner.Stats(ctx)
	if err != nil {
		return domain.Summary{}, err
	}
	if key != "" {
		c.put(ctx, key, summary)
	}
	return summary, nil
}

func (c *CachedStore) ExportCSV(ctx context.Context, filter application.SearchFilter, w io.Writer) (int, error) {
	return c.inner.ExportCSV(ctx, filter, w)
}

func (c *CachedStore) RebuildIndexes(ctx context.Context) error {
	if err := c.inner.RebuildIndexes(ctx); err != nil {
		return err
	}
	if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
		c.logger.Warn("cache version bump failed", "error", err)
	}
	return nil
}

func (c *CachedStore) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *CachedStore) searchKey(ctx context.Context, filter application.SearchFilter) (string, error) {
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return c.versionedKey(ctx, "search:"+hex.EncodeToString(sum[:8]))
}

func (c *CachedStore) versionedKey(ctx context.Context, suffix string) (string, error) {
	version, err := c.client.Get(ctx, cacheVersionKey).Result()
	if errors.Is(err, redis.Nil) {
		version = "0"
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("txvault:docs:v%s:%s", version, suffix), nil
}

func (c *CachedStore) get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CachedStore) put(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
