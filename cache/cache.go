// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cache implements the tiered Marker Cache: an in-memory LRU hot
// tier fronting a durable pebble-backed warm tier, keyed by dataset,
// analysis parameters, and schema version (spec.md section 4.4).
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Params is the set of analysis parameters folded into a cache key's
// fingerprint, per spec.md section 4.4.
type Params struct {
	Method            string
	TopNPerGroup      int
	PValueThreshold   float64
	Log2FCThreshold   float64
	UseAdjustedPValue bool
}

// Config controls a Cache's tier sizing and warm-tier location.
type Config struct {
	MaxCategories int           // hot tier size, default 3
	MaxAge        time.Duration // warm tier TTL, default 7 days
	WarmDir       string        // pebble directory; empty disables the warm tier
}

// Cache is the tiered Marker Cache. The zero value is not usable; construct
// with Open.
type Cache struct {
	mu      sync.Mutex
	hot     *hotTier
	warm    *warmTier // nil if the warm tier is unavailable or disabled
	maxAge  time.Duration
	nowFunc func() int64
}

// Open constructs a Cache. If cfg.WarmDir is set but the warm tier fails to
// initialize, Open does not fail: the cache degrades to memory-only
// transparently, per spec.md section 4.4.
func Open(cfg Config) (*Cache, error) {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	c := &Cache{
		hot:     newHotTier(cfg.MaxCategories),
		maxAge:  maxAge,
		nowFunc: func() int64 { return time.Now().Unix() },
	}
	if cfg.WarmDir == "" {
		return c, nil
	}
	w, err := openWarmTier(cfg.WarmDir)
	if err != nil {
		return c, nil // degrade to memory-only; caller may inspect c.WarmAvailable()
	}
	if err := w.sweepExpired(c.nowFunc(), maxAge); err != nil {
		_ = w.close()
		return c, nil
	}
	c.warm = w
	return c, nil
}

// WarmAvailable reports whether the durable tier initialized successfully.
func (c *Cache) WarmAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm != nil
}

// Key builds the fingerprint string for a (datasetID, schemaVersion,
// category, params) tuple and returns its blake2b-256 digest as a hex
// string, the same hash family the teacher uses for tile-variant identity
// (tilelib.go, gob.go).
func Key(datasetID string, schemaVersion int, category string, p Params) string {
	fields := []string{
		fmt.Sprintf("method=%s", p.Method),
		fmt.Sprintf("topNPerGroup=%d", p.TopNPerGroup),
		fmt.Sprintf("pValueThreshold=%v", p.PValueThreshold),
		fmt.Sprintf("foldChangeThreshold=%v", p.Log2FCThreshold),
		fmt.Sprintf("useAdjustedPValue=%v", p.UseAdjustedPValue),
	}
	sort.Strings(fields)
	fingerprint := fmt.Sprintf("%s:v%d:markers:%s:%s", datasetID, schemaVersion, category, strings.Join(fields, ","))
	sum := blake2b.Sum256([]byte(fingerprint))
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached payload for key, promoting a warm hit to hot.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if payload, ok := c.hot.get(key); ok {
		return payload, true, nil
	}
	if c.warm == nil {
		return nil, false, nil
	}
	payload, _, ok, err := c.warm.get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	c.hot.set(key, payload)
	return payload, true, nil
}

// Set writes payload to both tiers. The warm write completes before the hot
// entry is installed, so a crash mid-write never leaves a hot entry
// pointing at a warm write that never landed (spec.md section 4.4).
func (c *Cache) Set(key string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.warm != nil {
		if err := c.warm.set(key, payload, c.nowFunc()); err != nil {
			return err
		}
	}
	c.hot.set(key, payload)
	return nil
}

// Has reports whether key is present in either tier.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hot.has(key) {
		return true
	}
	if c.warm == nil {
		return false
	}
	_, _, ok, err := c.warm.get(key)
	return err == nil && ok
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot.invalidate(key)
	if c.warm != nil {
		return c.warm.invalidate(key)
	}
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot.clear()
	if c.warm != nil {
		return c.warm.clear()
	}
	return nil
}

// Close releases the warm tier's resources. Safe to call on a memory-only
// cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm.close()
}
