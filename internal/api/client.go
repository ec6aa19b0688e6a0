package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go-archive-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized")
	ErrNotFound     = errors.New("archive item not found")
	ErrServerError  = errors.New("API server error")
)

// Client talks to the archive.org metadata API.
type Client struct {
	HttpClient *http.Client
	baseUrl    string // overridable in tests
}

// NewClient creates an API client. A nil httpClient gets a default with
// a 30 second timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		HttpClient: httpClient,
		baseUrl:    models.ArchiveBaseUrl,
	}
}

// GetItemMetadata fetches and parses the metadata document for an
// archive item. See GetItemMetadataRaw for the retry behavior.
func (c *Client) GetItemMetadata(ctx context.Context, identifier string) (models.MetadataResponse, error) {
	body, err := c.GetItemMetadataRaw(ctx, identifier)
	if err != nil {
		return models.MetadataResponse{}, err
	}
	var response models.MetadataResponse
	if err := json.Unmarshal(body, &response); err != nil {
		log.WithError(err).Errorf("Error unmarshalling metadata for %s", identifier)
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return models.MetadataResponse{}, fmt.Errorf("error unmarshalling metadata JSON: %w", err)
	}
	return response, nil
}

// GetItemMetadataRaw fetches the metadata document for an archive item
// and returns the body verbatim, suitable for caching. Transient
// failures (rate limits, 5xx) are retried with backoff; missing items
// surface ErrNotFound without retrying.
//
// The metadata endpoint returns 200 with an empty JSON object for
// identifiers that do not exist, so an empty document also maps to
// ErrNotFound.
func (c *Client) GetItemMetadataRaw(ctx context.Context, identifier string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/metadata/%s", c.baseUrl, identifier)

	var lastErr error
	maxRetries := 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			var sleepDuration time.Duration
			if errors.Is(lastErr, ErrRateLimited) {
				sleepDuration = time.Duration(attempt) * 5 * time.Second
			} else {
				sleepDuration = time.Duration(attempt) * 2 * time.Second
			}
			log.WithError(lastErr).Warnf("Retrying metadata fetch for %s (%d/%d) after %s...", identifier, attempt+1, maxRetries, sleepDuration)
			select {
			case <-time.After(sleepDuration):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Error closing metadata response body")
		}

		switch resp.StatusCode {
		case http.StatusOK:
			if readErr != nil {
				lastErr = fmt.Errorf("error reading response body: %w", readErr)
				continue
			}
			var probe models.MetadataResponse
			if err := json.Unmarshal(body, &probe); err != nil {
				return nil, fmt.Errorf("error unmarshalling metadata JSON: %w", err)
			}
			if probe.Metadata.Identifier == "" && len(probe.Files) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
			}
			return body, nil
		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, identifier)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		default:
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
			} else {
				return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
			}
		}
	}

	log.WithError(lastErr).Errorf("Metadata fetch for %s failed after %d attempts", identifier, maxRetries)
	return nil, lastErr
}

// FileHashes extracts the checksums the API reports for a file.
func FileHashes(f models.ItemFile) models.Hashes {
	return models.Hashes{
		MD5:   f.MD5,
		SHA1:  f.SHA1,
		CRC32: f.CRC32,
	}
}
