package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/internal/api"
	"go-archive-download/internal/cache"
	"go-archive-download/internal/helpers"
	"go-archive-download/internal/models"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheViewCmd)
	cacheCmd.AddCommand(cachePinCmd)
	cacheCmd.AddCommand(cacheUnpinCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheSyncCmd)

	cacheClearCmd.Flags().Bool("all", false, "Also remove pinned entries")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the item metadata cache",
}

// withCache opens the database and cache, runs fn, and closes both.
func withCache(fn func(*cache.MetadataCache) error) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	metaCache, err := openCache(db, api.NewClient(newHttpClient()))
	if err != nil {
		return fmt.Errorf("error opening metadata cache: %w", err)
	}
	return fn(metaCache)
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			entries, err := metaCache.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Cache is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tFETCHED\tSIZE\tPINNED")
			for _, entry := range entries {
				pinned := ""
				if entry.Pinned {
					pinned = "pinned"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					entry.Identifier,
					entry.FetchedAt.Format("2006-01-02 15:04"),
					helpers.BytesToSize(uint64(entry.SizeBytes)),
					pinned)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d entries, %s unpinned\n", len(entries), helpers.BytesToSize(uint64(metaCache.UnpinnedBytes())))
			return nil
		})
	},
}

var cacheViewCmd = &cobra.Command{
	Use:   "view <identifier>",
	Short: "Show a cached item's metadata summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			entry, err := metaCache.Get(args[0])
			if err != nil {
				return err
			}

			var meta models.MetadataResponse
			if err := json.Unmarshal(entry.Payload, &meta); err != nil {
				return fmt.Errorf("error unmarshalling cached metadata: %w", err)
			}

			fmt.Printf("Identifier:  %s\n", meta.Metadata.Identifier)
			fmt.Printf("Title:       %s\n", meta.Metadata.Title)
			fmt.Printf("Creator:     %s\n", meta.Metadata.Creator)
			fmt.Printf("Mediatype:   %s\n", meta.Metadata.MediaType)
			fmt.Printf("Collection:  %s\n", meta.Metadata.Collection)
			fmt.Printf("Files:       %d\n", len(meta.Files))
			fmt.Printf("Item size:   %s\n", helpers.BytesToSize(uint64(meta.ItemSize)))
			fmt.Printf("Fetched:     %s\n", entry.FetchedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Pinned:      %t\n", entry.Pinned)
			return nil
		})
	},
}

var cachePinCmd = &cobra.Command{
	Use:   "pin <identifier>",
	Short: "Pin a cached item so eviction and clears skip it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			if err := metaCache.SetPinned(args[0], true); err != nil {
				return err
			}
			log.Infof("Pinned %s", args[0])
			return nil
		})
	},
}

var cacheUnpinCmd = &cobra.Command{
	Use:   "unpin <identifier>",
	Short: "Unpin a cached item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			if err := metaCache.SetPinned(args[0], false); err != nil {
				return err
			}
			log.Infof("Unpinned %s", args[0])
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired entries and enforce the size cap",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			stale, err := metaCache.PurgeStale()
			if err != nil {
				return err
			}
			evicted, err := metaCache.EnforceMaxSize()
			if err != nil {
				return err
			}
			log.Infof("Purged %d stale and evicted %d oversized entries", stale, evicted)
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove unpinned cache entries (--all removes everything)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withCache(func(metaCache *cache.MetadataCache) error {
			var removed int
			var err error
			if all {
				removed, err = metaCache.ClearAll()
			} else {
				removed, err = metaCache.ClearUnpinned()
			}
			if err != nil {
				return err
			}
			log.Infof("Removed %d cache entries", removed)
			return nil
		})
	},
}

var cacheSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh cache entries older than the sync threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			refreshed, err := metaCache.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			log.Infof("Refreshed %d cache entries", refreshed)
			return nil
		})
	},
}
