package cmd

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/index"
	"go-archive-download/internal/api"
	"go-archive-download/internal/cache"
	"go-archive-download/internal/models"
)

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.AddCommand(searchReindexCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search items previously seen by this tool",
	Long: `Runs a full-text query against the local search index. The index is
populated by 'queue add' and can be rebuilt from the metadata cache
with 'search reindex'. Query syntax follows bleve query strings, e.g.
'+mediatype:audio grateful'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := index.OpenOrCreate(globalConfig.IndexPath)
		if err != nil {
			return err
		}
		defer idx.Close()

		results, err := index.Search(idx, args[0])
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if results.Total == 0 {
			fmt.Println("No matches.")
			return nil
		}
		fmt.Printf("%d match(es) in %s\n\n", results.Total, results.Took)
		for _, hit := range results.Hits {
			title, _ := hit.Fields["title"].(string)
			mediatype, _ := hit.Fields["mediatype"].(string)
			line := hit.ID
			if title != "" {
				line += "  " + title
			}
			if mediatype != "" {
				line += "  [" + mediatype + "]"
			}
			fmt.Println(line)
			if magnet, ok := hit.Fields["magnetLink"].(string); ok && magnet != "" {
				fmt.Println("  " + magnet)
			}
		}
		return nil
	},
}

var searchReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the metadata cache",
	Long: `Drops the existing index and rebuilds it from the metadata cache, so
items whose cache entries are gone no longer show up in results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(metaCache *cache.MetadataCache) error {
			if err := index.Delete(globalConfig.IndexPath); err != nil {
				return fmt.Errorf("dropping old index: %w", err)
			}
			idx, err := index.OpenOrCreate(globalConfig.IndexPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			entries, err := metaCache.List()
			if err != nil {
				return err
			}

			indexed := 0
			for _, entry := range entries {
				var meta models.MetadataResponse
				if err := json.Unmarshal(entry.Payload, &meta); err != nil {
					log.WithError(err).Warnf("Skipping unparseable cache entry %s", entry.Identifier)
					continue
				}
				if err := index.IndexItem(idx, index.FromMetadata(meta)); err != nil {
					log.WithError(err).Warnf("Failed to index %s", entry.Identifier)
					continue
				}
				indexed++
			}
			log.Infof("Indexed %d of %d cached item(s)", indexed, len(entries))
			return nil
		})
	},
}

// fetchAndCacheMetadata is a convenience for commands that need parsed
// metadata whether or not the item is cached yet.
func fetchAndCacheMetadata(cmd *cobra.Command, metaCache *cache.MetadataCache, client *api.Client, identifier string) (models.MetadataResponse, error) {
	entry, err := metaCache.Get(identifier)
	if err == nil {
		var meta models.MetadataResponse
		if err := json.Unmarshal(entry.Payload, &meta); err == nil {
			return meta, nil
		}
		log.Warnf("Cached metadata for %s is unparseable, refetching", identifier)
	}

	payload, err := client.GetItemMetadataRaw(cmd.Context(), identifier)
	if err != nil {
		return models.MetadataResponse{}, err
	}
	if err := metaCache.Put(identifier, payload, false); err != nil {
		log.WithError(err).Warnf("Failed to cache metadata for %s", identifier)
	}
	var meta models.MetadataResponse
	if err := json.Unmarshal(payload, &meta); err != nil {
		return models.MetadataResponse{}, fmt.Errorf("error unmarshalling metadata for %s: %w", identifier, err)
	}
	return meta, nil
}
