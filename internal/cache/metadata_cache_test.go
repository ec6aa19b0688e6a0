package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go-archive-download/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, opts Options, fetch FetchFunc) (*MetadataCache, *time.Time) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err, "opening test database")
	t.Cleanup(func() { _ = db.Close() })

	c, err := New(db, opts, fetch)
	require.NoError(t, err, "creating cache")

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestGetPutRoundTrip(t *testing.T) {
	c, _ := openTestCache(t, Options{RetentionDays: 7}, nil)

	_, err := c.Get("item")
	assert.ErrorIs(t, err, ErrCacheMiss, "empty cache should miss")

	require.NoError(t, c.Put("item", []byte(`{"title":"x"}`), false))

	entry, err := c.Get("item")
	require.NoError(t, err)
	assert.Equal(t, "item", entry.Identifier)
	assert.Equal(t, int64(13), entry.SizeBytes)
	assert.False(t, entry.Pinned)
}

func TestRetentionBoundary(t *testing.T) {
	// Entry fetched at T, retention 7 days: a lookup at T+6d hits, at
	// T+8d misses, and the expired entry survives until purged.
	c, now := openTestCache(t, Options{RetentionDays: 7}, nil)

	require.NoError(t, c.Put("item", []byte(`{}`), false))

	*now = now.AddDate(0, 0, 6)
	_, err := c.Get("item")
	assert.NoError(t, err, "entry within retention should hit")

	*now = now.AddDate(0, 0, 2)
	_, err = c.Get("item")
	assert.ErrorIs(t, err, ErrCacheMiss, "entry past retention should miss")

	removed, err := c.PurgeStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPurgeStalePinAgeCombinations(t *testing.T) {
	tests := []struct {
		name       string
		ageDays    int
		pinned     bool
		wantPurged bool
	}{
		{"Fresh unpinned", 2, false, false},
		{"Fresh pinned", 2, true, false},
		{"Stale unpinned", 10, false, true},
		{"Stale pinned", 10, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, now := openTestCache(t, Options{RetentionDays: 7}, nil)

			base := *now
			*now = base.AddDate(0, 0, -tt.ageDays)
			require.NoError(t, c.Put("item", []byte(`{}`), tt.pinned))
			*now = base

			removed, err := c.PurgeStale()
			require.NoError(t, err)

			if tt.wantPurged {
				assert.Equal(t, 1, removed)
			} else {
				assert.Zero(t, removed)
				_, readErr := c.read("item")
				assert.NoError(t, readErr, "entry should still be stored")
			}
		})
	}
}

func TestClearUnpinnedAndClearAll(t *testing.T) {
	c, _ := openTestCache(t, Options{}, nil)

	require.NoError(t, c.Put("plain", []byte(`{}`), false))
	require.NoError(t, c.Put("kept", []byte(`{}`), true))

	removed, err := c.ClearUnpinned()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = c.read("kept")
	assert.NoError(t, err, "pinned entry must survive ClearUnpinned")

	removed, err = c.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = c.read("kept")
	assert.ErrorIs(t, err, ErrCacheMiss, "ClearAll removes pinned entries too")
}

func TestEnforceMaxSize(t *testing.T) {
	c, now := openTestCache(t, Options{MaxSizeMB: 1}, nil)

	// Three entries of ~600KB each; oldest first. Unpinned total is
	// ~1.8MB against a 1MB cap, so the two oldest unpinned must go.
	payload := []byte(strings.Repeat("a", 600*1024))
	base := *now
	for i, id := range []string{"oldest", "middle", "newest"} {
		*now = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, c.Put(id, payload, false))
	}
	*now = base

	evicted, err := c.EnforceMaxSize()
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	_, err = c.read("oldest")
	assert.ErrorIs(t, err, ErrCacheMiss, "oldest entry should be evicted first")
	_, err = c.read("newest")
	assert.NoError(t, err, "newest entry should survive")
	assert.LessOrEqual(t, c.UnpinnedBytes(), int64(1024*1024))
}

func TestEnforceMaxSizeNeverEvictsPinned(t *testing.T) {
	c, now := openTestCache(t, Options{MaxSizeMB: 1}, nil)

	payload := []byte(strings.Repeat("a", 700*1024))
	base := *now
	*now = base.Add(-2 * time.Hour)
	require.NoError(t, c.Put("pinned-old", payload, true))
	*now = base.Add(-time.Hour)
	require.NoError(t, c.Put("unpinned-old", payload, false))
	*now = base
	require.NoError(t, c.Put("unpinned-new", payload, false))

	evicted, err := c.EnforceMaxSize()
	require.NoError(t, err)

	_, err = c.read("pinned-old")
	assert.NoError(t, err, "pinned entry evicted despite exemption")
	assert.Equal(t, 2, evicted, "both unpinned entries must go to satisfy the cap")
}

func TestEnforceMaxSizeUnlimited(t *testing.T) {
	c, _ := openTestCache(t, Options{MaxSizeMB: 0}, nil)

	require.NoError(t, c.Put("big", []byte(strings.Repeat("a", 2*1024*1024)), false))

	evicted, err := c.EnforceMaxSize()
	require.NoError(t, err)
	assert.Zero(t, evicted, "MaxSizeMB=0 means unlimited; EnforceMaxSize is a no-op")
	_, err = c.read("big")
	assert.NoError(t, err)
}

func TestSetPinnedTogglesAccounting(t *testing.T) {
	c, _ := openTestCache(t, Options{}, nil)

	require.NoError(t, c.Put("item", []byte(strings.Repeat("a", 100)), false))
	assert.Equal(t, int64(100), c.UnpinnedBytes())

	require.NoError(t, c.SetPinned("item", true))
	assert.Zero(t, c.UnpinnedBytes())

	require.NoError(t, c.SetPinned("item", false))
	assert.Equal(t, int64(100), c.UnpinnedBytes())
}

func TestPutRefreshPreservesPin(t *testing.T) {
	c, _ := openTestCache(t, Options{}, nil)

	require.NoError(t, c.Put("item", []byte(`{"v":1}`), true))
	require.NoError(t, c.Put("item", []byte(`{"v":2}`), false))

	entry, err := c.Get("item")
	require.NoError(t, err)
	assert.True(t, entry.Pinned, "refresh must not silently unpin")
	assert.JSONEq(t, `{"v":2}`, string(entry.Payload))
}

func TestSyncNowRefreshesOldEntries(t *testing.T) {
	fetched := map[string]int{}
	fetch := func(ctx context.Context, identifier string) ([]byte, error) {
		fetched[identifier]++
		if identifier == "broken" {
			return nil, errors.New("remote unavailable")
		}
		return []byte(fmt.Sprintf(`{"refreshed":%q}`, identifier)), nil
	}

	c, now := openTestCache(t, Options{SyncDays: 3}, fetch)

	base := *now
	*now = base.AddDate(0, 0, -5)
	require.NoError(t, c.Put("old", []byte(`{"stale":true}`), true))
	require.NoError(t, c.Put("broken", []byte(`{"stale":true}`), false))
	*now = base
	require.NoError(t, c.Put("fresh", []byte(`{"stale":false}`), false))

	refreshed, err := c.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 1, fetched["old"])
	assert.Equal(t, 1, fetched["broken"])
	assert.Zero(t, fetched["fresh"], "fresh entries are not refetched")

	// Refreshed entry: new payload, pin preserved.
	entry, err := c.Get("old")
	require.NoError(t, err)
	assert.True(t, entry.Pinned)
	assert.JSONEq(t, `{"refreshed":"old"}`, string(entry.Payload))

	// Failed refetch: stale value intact, not evicted.
	broken, err := c.Get("broken")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stale":true}`, string(broken.Payload))
}

func TestConcurrentReadsDuringMaintenance(t *testing.T) {
	// Lookups run lock-free against the immutable options while purge
	// and eviction hold the write lock; run them together under -race.
	c, _ := openTestCache(t, Options{RetentionDays: 7, MaxSizeMB: 1}, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("item-%02d", i), []byte(`{}`), i%2 == 0))
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := c.Get(fmt.Sprintf("item-%02d", i%20)); err != nil && !errors.Is(err, ErrCacheMiss) {
					t.Errorf("concurrent Get: %v", err)
				}
			}
		}()
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.PurgeStale(); err != nil {
				t.Errorf("concurrent PurgeStale: %v", err)
			}
			if _, err := c.EnforceMaxSize(); err != nil {
				t.Errorf("concurrent EnforceMaxSize: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestSizeAccountingPrimedOnOpen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	c, err := New(db, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte(strings.Repeat("x", 100)), false))
	require.NoError(t, c.Put("b", []byte(strings.Repeat("x", 50)), true))
	require.NoError(t, db.Close())

	db2, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	c2, err := New(db2, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c2.UnpinnedBytes(), "size accounting must be rebuilt from disk")
}
