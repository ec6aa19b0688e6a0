package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(srv *httptest.Server) *Client {
	c := NewClient(srv.Client())
	c.baseUrl = srv.URL
	return c
}

func TestGetItemMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata/test-item" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"metadata": {"identifier": "test-item", "title": "A Test Item", "collection": ["opensource", "other"]},
			"files": [
				{"name": "test.pdf", "format": "Text PDF", "size": "1048576", "md5": "abc", "sha1": "def", "crc32": "123"},
				{"name": "test_meta.xml", "format": "Metadata", "size": "512"}
			],
			"item_size": 1049088,
			"files_count": 2
		}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv).GetItemMetadata(context.Background(), "test-item")
	if err != nil {
		t.Fatalf("GetItemMetadata failed: %v", err)
	}
	if resp.Metadata.Identifier != "test-item" {
		t.Errorf("Identifier = %q, want test-item", resp.Metadata.Identifier)
	}
	if resp.Metadata.Title.String() != "A Test Item" {
		t.Errorf("Title = %q, want A Test Item", resp.Metadata.Title)
	}
	// collection is a list in the payload; the first entry wins.
	if resp.Metadata.Collection.String() != "opensource" {
		t.Errorf("Collection = %q, want opensource", resp.Metadata.Collection)
	}
	if len(resp.Files) != 2 {
		t.Fatalf("Files count = %d, want 2", len(resp.Files))
	}

	hashes := FileHashes(resp.Files[0])
	if hashes.MD5 != "abc" || hashes.SHA1 != "def" || hashes.CRC32 != "123" {
		t.Errorf("FileHashes = %+v, want md5/sha1/crc32 abc/def/123", hashes)
	}
}

func TestGetItemMetadataMissing(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "HTTP 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			// The metadata endpoint answers 200 with an empty object for
			// unknown identifiers.
			name: "Empty document",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := testClient(srv).GetItemMetadata(context.Background(), "missing-item")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("GetItemMetadata error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestGetItemMetadataRetriesServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"metadata": {"identifier": "flaky"}, "files": [{"name": "f"}]}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv).GetItemMetadata(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("GetItemMetadata failed after retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("server saw %d attempts, want 2", attempts)
	}
	if resp.Metadata.Identifier != "flaky" {
		t.Errorf("Identifier = %q, want flaky", resp.Metadata.Identifier)
	}
}
