// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// DefaultTTL is how long a frame verdict stays replayable.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "frame-verdict:"

// ResultCache remembers serialized responses by request id so retried
// requests replay the stored bytes instead of re-running the work.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// NewResultCache returns a redis-backed cache when an address is configured
// and an in-process one otherwise.
func NewResultCache(logger commons.Logger, addr, password string, db int) ResultCache {
	if addr == "" {
		logger.Info("no redis configured, using in-process result cache")
		return newMemoryCache(logger)
	}
	return newRedisCache(logger, redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// ============================================================
// Redis
// ============================================================

type redisCache struct {
	logger commons.Logger
	client *redis.Client
}

func newRedisCache(logger commons.Logger, client *redis.Client) *redisCache {
	return &redisCache{logger: logger, client: client}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read failed: %w", err)
	}
	return value, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// ============================================================
// In-process fallback
// ============================================================

const memoryCacheMaxEntries = 4096

type memoryCache struct {
	logger commons.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryCache(logger commons.Logger) *memoryCache {
	return &memoryCache{
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= memoryCacheMaxEntries {
		c.sweepLocked()
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *memoryCache) Close() error {
	return nil
}

func (c *memoryCache) sweepLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
