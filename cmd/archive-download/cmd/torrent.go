package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/index"
	"go-archive-download/internal/api"
	"go-archive-download/internal/cache"
	"go-archive-download/internal/downloader"
	"go-archive-download/internal/helpers"
	"go-archive-download/internal/models"
)

var (
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
)

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save .torrent files (default: the item's download directory)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Write a .txt file containing the magnet link alongside each .torrent file")
}

var torrentCmd = &cobra.Command{
	Use:   "torrent <identifier> [identifier...]",
	Short: "Fetch archive.org torrent files for items",
	Long: `Downloads the <identifier>_archive.torrent file archive.org generates
for each item, extracts its magnet link and records both in the search
index. Torrents are often the fastest way to fetch large items.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		client := api.NewClient(newHttpClient())
		metaCache, err := openCache(db, client)
		if err != nil {
			return fmt.Errorf("error opening metadata cache: %w", err)
		}

		idx, err := index.OpenOrCreate(globalConfig.IndexPath)
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, torrent info will not be indexed")
			idx = nil
		} else {
			defer idx.Close()
		}

		transport := downloader.NewDownloader(nil)

		var failed int
		for _, identifier := range args {
			if err := fetchItemTorrent(cmd, transport, metaCache, client, idx, identifier); err != nil {
				log.WithError(err).Errorf("Torrent fetch for %s failed", identifier)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d torrent(s) failed", failed)
		}
		return nil
	},
}

func fetchItemTorrent(cmd *cobra.Command, transport downloader.Transport, metaCache *cache.MetadataCache, client *api.Client, idx bleve.Index, identifier string) error {
	outDir := torrentOutputDir
	if outDir == "" {
		outDir = filepath.Join(globalConfig.SavePath, helpers.ConvertToSlug(identifier))
	}
	if !helpers.CheckAndMakeDir(outDir) {
		return fmt.Errorf("cannot create output directory %s", outDir)
	}

	torrentName := fmt.Sprintf("%s_archive.torrent", identifier)
	outPath := filepath.Join(outDir, torrentName)

	if _, err := os.Stat(outPath); err == nil && !overwriteTorrents {
		log.Infof("Torrent file already present: %s (use --overwrite to refetch)", outPath)
	} else {
		if _, err := transport.Fetch(cmd.Context(), models.TorrentURL(identifier), outPath, 0, nil); err != nil {
			return fmt.Errorf("error downloading torrent file: %w", err)
		}
		log.Infof("Downloaded %s", outPath)
	}

	mi, err := metainfo.LoadFromFile(outPath)
	if err != nil {
		return fmt.Errorf("error parsing torrent file %s: %w", outPath, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return fmt.Errorf("error parsing torrent info %s: %w", outPath, err)
	}

	infoHash := mi.HashInfoBytes()
	magnetParts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
		fmt.Sprintf("dn=%s", url.QueryEscape(info.Name)),
	}
	for _, tier := range mi.AnnounceList {
		for _, tracker := range tier {
			magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
	}
	magnetURI := strings.Join(magnetParts, "&")
	log.Infof("%s: %d file(s), %s", identifier, len(info.UpvertedFiles()), helpers.BytesToSize(uint64(info.TotalLength())))
	fmt.Println(magnetURI)

	if generateMagnetLinks {
		magnetPath := filepath.Join(outDir, strings.TrimSuffix(torrentName, filepath.Ext(torrentName))+"-magnet.txt")
		if err := os.WriteFile(magnetPath, []byte(magnetURI), 0o644); err != nil {
			log.WithError(err).Errorf("Failed to write magnet link file %s", magnetPath)
		} else {
			log.Infof("Wrote magnet link to %s", magnetPath)
		}
	}

	if idx != nil {
		meta, err := fetchAndCacheMetadata(cmd, metaCache, client, identifier)
		if err != nil {
			log.WithError(err).Warnf("Could not resolve metadata for %s, indexing torrent info only", identifier)
			meta.Metadata.Identifier = identifier
		}
		item := index.FromMetadata(meta)
		item.TorrentPath = outPath
		item.MagnetLink = magnetURI
		if err := index.IndexItem(idx, item); err != nil {
			log.WithError(err).Warnf("Failed to index torrent info for %s", identifier)
		}
	}
	return nil
}
