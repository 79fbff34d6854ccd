package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache provides typed caching on top of the shared Redis client.
// When Redis is disabled every lookup is a miss and Set is a no-op, so
// callers must treat the cache as an optimization, never a source of truth.
type Cache struct {
	client *Client
	prefix string
}

// NewCache creates a new cache helper.
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
	}
}

// Get retrieves a cached value into dest. The boolean reports a hit.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.client.Enabled() {
		return false, nil
	}

	fullKey := fmt.Sprintf("%s:cache:%s", c.prefix, key)
	data, err := c.client.Redis().Get(ctx, fullKey).Bytes()
	if err != nil {
		// Key not found is not an error
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache unmarshal failed: %w", err)
	}

	return true, nil
}

// Set stores a value in cache with TTL. A zero TTL means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.client.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal failed: %w", err)
	}

	fullKey := fmt.Sprintf("%s:cache:%s", c.prefix, key)
	return c.client.Redis().Set(ctx, fullKey, data, ttl).Err()
}

// Delete removes a cached value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.client.Enabled() {
		return nil
	}

	fullKey := fmt.Sprintf("%s:cache:%s", c.prefix, key)
	return c.client.Redis().Del(ctx, fullKey).Err()
}
