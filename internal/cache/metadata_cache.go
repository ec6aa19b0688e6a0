// Package cache stores fetched archive item metadata with retention,
// size-cap eviction and pinning, independent of the download queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-archive-download/internal/database"
	"go-archive-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// ErrCacheMiss signals that the caller should fetch from the network
// and populate the cache. It is not a failure.
var ErrCacheMiss = errors.New("metadata cache miss")

// Options configures retention and eviction. All zero values are valid:
// no expiry, no sync, unlimited size.
type Options struct {
	RetentionDays int  // entries older than this are purge-eligible (0 = never)
	SyncDays      int  // auto-sync refetches entries older than this (0 = never)
	MaxSizeMB     int  // cap on total unpinned bytes (0 = unlimited)
	AutoSync      bool // enables the background refresh loop
}

// FetchFunc retrieves a fresh metadata payload for an identifier.
// Injected so the cache stays independent of the API client.
type FetchFunc func(ctx context.Context, identifier string) ([]byte, error)

// MetadataCache is a read-through cache over the shared database.
// Reads are concurrent; writes are serialized to keep the unpinned size
// accounting consistent.
type MetadataCache struct {
	db    *database.DB
	fetch FetchFunc

	mu            sync.Mutex // guards writes and unpinnedBytes
	opts          Options    // fixed at construction, safe to read without mu
	unpinnedBytes int64
	now           func() time.Time // overridable in tests
}

// New creates a MetadataCache and primes its size accounting from the
// database.
func New(db *database.DB, opts Options, fetch FetchFunc) (*MetadataCache, error) {
	c := &MetadataCache{db: db, fetch: fetch, opts: opts, now: time.Now}
	if err := c.recountSize(); err != nil {
		return nil, fmt.Errorf("priming cache size accounting: %w", err)
	}
	return c, nil
}

// Get returns the cached entry for an identifier if present and not
// older than the retention period. An absent or expired entry returns
// ErrCacheMiss; expired entries stay in place until purged.
func (c *MetadataCache) Get(identifier string) (models.CacheEntry, error) {
	entry, err := c.read(identifier)
	if err != nil {
		return models.CacheEntry{}, err
	}
	if c.expired(entry) {
		return models.CacheEntry{}, fmt.Errorf("%w: %s expired", ErrCacheMiss, identifier)
	}
	return entry, nil
}

// Put upserts an entry, refreshing FetchedAt and SizeBytes. A refresh
// of an existing pinned entry stays pinned unless pinned is explicitly
// set; pinning is a separate property from freshness.
func (c *MetadataCache) Put(identifier string, payload []byte, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.read(identifier)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return err
	}

	entry := models.CacheEntry{
		Identifier: identifier,
		Payload:    json.RawMessage(payload),
		FetchedAt:  c.now(),
		Pinned:     pinned || (hadPrev && prev.Pinned),
		SizeBytes:  int64(len(payload)),
	}

	if err := c.write(entry); err != nil {
		return err
	}

	if hadPrev && !prev.Pinned {
		c.unpinnedBytes -= prev.SizeBytes
	}
	if !entry.Pinned {
		c.unpinnedBytes += entry.SizeBytes
	}
	return nil
}

// SetPinned toggles eviction exemption for an entry.
func (c *MetadataCache) SetPinned(identifier string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.read(identifier)
	if err != nil {
		return err
	}
	if entry.Pinned == pinned {
		return nil
	}
	entry.Pinned = pinned
	if err := c.write(entry); err != nil {
		return err
	}
	if pinned {
		c.unpinnedBytes -= entry.SizeBytes
	} else {
		c.unpinnedBytes += entry.SizeBytes
	}
	return nil
}

// PurgeStale removes all unpinned entries older than the retention
// period, returning how many were removed. Pinned entries are never
// touched, regardless of age.
func (c *MetadataCache) PurgeStale() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.RetentionDays <= 0 {
		return 0, nil
	}

	entries, err := c.list()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.Pinned || !c.expired(entry) {
			continue
		}
		if err := c.remove(entry); err != nil {
			return removed, err
		}
		removed++
	}
	log.Debugf("Purged %d stale cache entries", removed)
	return removed, nil
}

// ClearUnpinned removes all unpinned entries regardless of age.
func (c *MetadataCache) ClearUnpinned() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.list()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.Pinned {
			continue
		}
		if err := c.remove(entry); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearAll removes every entry, pinned included.
func (c *MetadataCache) ClearAll() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.list()
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := c.remove(entry); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// EnforceMaxSize evicts the oldest unpinned entries (LRU by fetch time)
// until total unpinned size fits under the configured cap. A cap of 0
// means unlimited and the call is a no-op. Pinned entries are never
// evicted even when the cap is exceeded.
func (c *MetadataCache) EnforceMaxSize() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxBytes := int64(c.opts.MaxSizeMB) * 1024 * 1024
	if maxBytes <= 0 || c.unpinnedBytes <= maxBytes {
		return 0, nil
	}

	entries, err := c.list()
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FetchedAt.Before(entries[j].FetchedAt)
	})

	evicted := 0
	for _, entry := range entries {
		if c.unpinnedBytes <= maxBytes {
			break
		}
		if entry.Pinned {
			continue
		}
		if err := c.remove(entry); err != nil {
			return evicted, err
		}
		evicted++
	}
	log.Infof("Evicted %d cache entries to fit under %dMB", evicted, c.opts.MaxSizeMB)
	return evicted, nil
}

// List returns all entries, payload included, newest first.
func (c *MetadataCache) List() ([]models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.list()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FetchedAt.After(entries[j].FetchedAt)
	})
	return entries, nil
}

// SyncNow refetches every entry older than the sync frequency and
// overwrites it in place, preserving pin state. A failed refetch leaves
// the prior value intact: stale-but-available beats gone.
func (c *MetadataCache) SyncNow(ctx context.Context) (int, error) {
	if c.fetch == nil || c.opts.SyncDays <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	entries, err := c.list()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	threshold := c.now().AddDate(0, 0, -c.opts.SyncDays)
	refreshed := 0
	for _, entry := range entries {
		if entry.FetchedAt.After(threshold) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		payload, err := c.fetch(ctx, entry.Identifier)
		if err != nil {
			log.WithError(err).Warnf("Auto-sync refetch failed for %s, keeping stale entry", entry.Identifier)
			continue
		}
		if err := c.Put(entry.Identifier, payload, entry.Pinned); err != nil {
			log.WithError(err).Warnf("Auto-sync write failed for %s", entry.Identifier)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		log.Infof("Auto-sync refreshed %d cache entries", refreshed)
	}
	return refreshed, nil
}

// RunAutoSync periodically calls SyncNow until the context is
// cancelled. No-op unless AutoSync is enabled.
func (c *MetadataCache) RunAutoSync(ctx context.Context, checkInterval time.Duration) {
	if !c.opts.AutoSync {
		return
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("Auto-sync pass failed")
			}
		}
	}
}

// UnpinnedBytes reports the tracked total size of unpinned entries.
func (c *MetadataCache) UnpinnedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unpinnedBytes
}

// --- internals ---

func (c *MetadataCache) expired(entry models.CacheEntry) bool {
	if c.opts.RetentionDays <= 0 {
		return false
	}
	return entry.FetchedAt.Before(c.now().AddDate(0, 0, -c.opts.RetentionDays))
}

func (c *MetadataCache) read(identifier string) (models.CacheEntry, error) {
	raw, err := c.db.Get(database.CacheKey(identifier))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.CacheEntry{}, fmt.Errorf("%w: %s", ErrCacheMiss, identifier)
		}
		return models.CacheEntry{}, fmt.Errorf("reading cache entry %s: %w", identifier, err)
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.CacheEntry{}, fmt.Errorf("unmarshalling cache entry %s: %w", identifier, err)
	}
	return entry, nil
}

func (c *MetadataCache) write(entry models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling cache entry %s: %w", entry.Identifier, err)
	}
	if err := c.db.Put(database.CacheKey(entry.Identifier), raw); err != nil {
		return fmt.Errorf("storing cache entry %s: %w", entry.Identifier, err)
	}
	return nil
}

// remove deletes an entry and updates size accounting. Callers hold c.mu.
func (c *MetadataCache) remove(entry models.CacheEntry) error {
	if err := c.db.Delete(database.CacheKey(entry.Identifier)); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("deleting cache entry %s: %w", entry.Identifier, err)
	}
	if !entry.Pinned {
		c.unpinnedBytes -= entry.SizeBytes
	}
	return nil
}

// list returns all entries unsorted. Callers hold c.mu or accept races.
func (c *MetadataCache) list() ([]models.CacheEntry, error) {
	var entries []models.CacheEntry
	err := c.db.FoldPrefix(database.CacheKeyPrefix, func(id string, value []byte) error {
		var entry models.CacheEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping undecodable cache entry %s", id)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	return entries, nil
}

func (c *MetadataCache) recountSize() error {
	entries, err := c.list()
	if err != nil {
		return err
	}
	var total int64
	for _, entry := range entries {
		if !entry.Pinned {
			total += entry.SizeBytes
		}
	}
	c.unpinnedBytes = total
	return nil
}
