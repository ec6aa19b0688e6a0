package cmd

import (
	"fmt"

	"go-archive-download/internal/api"
	"go-archive-download/internal/cache"
	"go-archive-download/internal/database"
)

// openDatabase opens the shared bitcask database from the global
// config. Callers own the Close.
func openDatabase() (*database.DB, error) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database at %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

// openCache builds the metadata cache on top of db, backed by the
// archive metadata API for misses and refreshes.
func openCache(db *database.DB, client *api.Client) (*cache.MetadataCache, error) {
	opts := cache.Options{
		RetentionDays: globalConfig.CacheRetentionDays,
		SyncDays:      globalConfig.CacheSyncDays,
		MaxSizeMB:     globalConfig.MaxCacheSizeMB,
		AutoSync:      globalConfig.AutoSync,
	}
	return cache.New(db, opts, client.GetItemMetadataRaw)
}
