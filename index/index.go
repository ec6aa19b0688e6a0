package index

import (
	"fmt"
	"os"
	"time"

	"go-archive-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "archive.bleve"

// Item is a cached archive item flattened for full-text search. Fields
// are searchable by their lowercase JSON tag names (e.g.
// '+mediatype:audio' or '+creator:"Grateful Dead"').
type Item struct {
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title,omitempty"`
	Creator     string    `json:"creator,omitempty"`
	Description string    `json:"description,omitempty"`
	Mediatype   string    `json:"mediatype,omitempty"`
	Collection  string    `json:"collection,omitempty"`
	Date        string    `json:"date,omitempty"`
	Server      string    `json:"server,omitempty"`
	FileCount   float64   `json:"fileCount,omitempty"`
	TotalSizeKB float64   `json:"totalSizeKB,omitempty"`
	IndexedAt   time.Time `json:"indexedAt"`

	// Torrent information, populated by the 'torrent' command.
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// FromMetadata flattens an archive metadata document into an indexable
// Item. File sizes are summed across the listing.
func FromMetadata(meta models.MetadataResponse) Item {
	item := Item{
		Identifier:  meta.Metadata.Identifier,
		Title:       meta.Metadata.Title.String(),
		Creator:     meta.Metadata.Creator.String(),
		Description: meta.Metadata.Description.String(),
		Mediatype:   meta.Metadata.MediaType,
		Collection:  meta.Metadata.Collection.String(),
		Date:        meta.Metadata.Date,
		Server:      meta.Server,
		FileCount:   float64(len(meta.Files)),
		IndexedAt:   time.Now(),
	}
	var totalBytes int64
	for _, f := range meta.Files {
		totalBytes += f.SizeBytes()
	}
	item.TotalSizeKB = float64(totalBytes) / 1024
	return item
}

// OpenOrCreate opens the index at indexPath, creating it on first use.
func OpenOrCreate(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new search index at %s", indexPath)
		mapping := bleve.NewIndexMapping()
		return bleve.New(indexPath, mapping)
	} else if err != nil {
		return nil, fmt.Errorf("opening search index %s: %w", indexPath, err)
	}
	log.Debugf("Opened existing search index at %s", indexPath)
	return idx, nil
}

// IndexItem adds or updates an item, keyed by its archive identifier.
func IndexItem(idx bleve.Index, item Item) error {
	if item.Identifier == "" {
		return fmt.Errorf("cannot index item without an identifier")
	}
	return idx.Index(item.Identifier, item)
}

// Search runs a query-string query and returns all stored fields.
func Search(idx bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"}
	return idx.Search(searchRequest)
}

// Delete removes the index directory entirely.
func Delete(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting search index at %s", indexPath)
	return os.RemoveAll(indexPath)
}
