// Package downloader performs the actual byte transfer for the
// scheduler. It is deliberately narrow: given a URL, a destination and
// a byte offset it streams into a .part file, reporting progress
// through a callback, and renames into place on completion. The
// scheduler treats it as a pluggable Transport.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-archive-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus      = errors.New("unexpected HTTP status code")
	ErrNotFound        = errors.New("remote file not found")
	ErrForbidden       = errors.New("remote file access denied")
	ErrFileSystem      = errors.New("filesystem error") // create, remove, rename
	ErrHttpRequest     = errors.New("HTTP request creation/execution error")
	ErrRangeNotHonored = errors.New("server ignored range request")
)

// PartSuffix is appended to in-flight destination files.
const PartSuffix = ".part"

// ReportFunc receives periodic byte counts during a transfer. total is
// 0 while the size is unknown.
type ReportFunc func(done, total int64)

// Transport is the transfer contract the scheduler depends on.
// Fetch streams url into destPath starting at offset, calling report
// as bytes arrive. It returns the absolute byte count reached in the
// destination (offset + written) even on failure, so callers can
// persist resume state.
type Transport interface {
	Fetch(ctx context.Context, url, destPath string, offset int64, report ReportFunc) (int64, error)
}

// IsPermanent reports whether a transfer error is not worth retrying
// automatically. Everything else (timeouts, resets, 5xx) is treated as
// transient and subject to the scheduler's retry policy.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}

// Downloader is the HTTP Transport implementation.
type Downloader struct {
	client        *http.Client
	chunkInterval time.Duration // min gap between report callbacks
}

// NewDownloader creates a Downloader. A nil client gets a default with
// a generous timeout suited to large archive files.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	return &Downloader{
		client:        client,
		chunkInterval: 100 * time.Millisecond,
	}
}

// Fetch implements Transport. Resume semantics: when offset > 0 a Range
// header is sent; a 206 response appends to the existing .part file, a
// 200 response means the server ignored the range, so the .part file is
// truncated and the transfer restarts from zero (reported as such).
func (d *Downloader) Fetch(ctx context.Context, url, destPath string, offset int64, report ReportFunc) (int64, error) {
	targetDir := filepath.Dir(destPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return offset, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}
	partPath := destPath + PartSuffix

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return offset, fmt.Errorf("%w: creating download request for %s: %v", ErrHttpRequest, url, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Debugf("Requesting resume of %s from byte %d", url, offset)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return offset, ctx.Err()
		}
		return offset, fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	var total int64
	start := offset
	switch resp.StatusCode {
	case http.StatusOK:
		// Full body. If we asked for a range the server ignored it;
		// restart from zero rather than corrupting the part file.
		if offset > 0 {
			log.Warnf("Server at %s does not honor range requests, restarting from zero", url)
		}
		start = 0
		total = resp.ContentLength
		if total < 0 {
			total = 0
		}
	case http.StatusPartialContent:
		total = offset + resp.ContentLength
	case http.StatusNotFound, http.StatusGone:
		return offset, fmt.Errorf("%w: %s returned %d", ErrNotFound, url, resp.StatusCode)
	case http.StatusUnauthorized, http.StatusForbidden:
		return offset, fmt.Errorf("%w: %s returned %d", ErrForbidden, url, resp.StatusCode)
	case http.StatusRequestedRangeNotSatisfiable:
		// Part file claims more bytes than the server has; restart.
		log.Warnf("Range %d unsatisfiable for %s, removing part file", offset, url)
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return offset, fmt.Errorf("%w: removing stale part file %s: %v", ErrFileSystem, partPath, err)
		}
		return 0, fmt.Errorf("%w: range %d rejected by %s", ErrRangeNotHonored, offset, url)
	default:
		return offset, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	partFile, err := openPartFile(partPath, start)
	if err != nil {
		return start, err
	}

	written, copyErr := d.copyWithReport(ctx, partFile, resp.Body, start, total, report)
	reached := start + written

	if closeErr := partFile.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("%w: closing part file %s: %v", ErrFileSystem, partPath, closeErr)
	}
	if copyErr != nil {
		// Keep the part file for a future resume.
		return reached, copyErr
	}

	if err := os.Rename(partPath, destPath); err != nil {
		return reached, fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, partPath, destPath, err)
	}
	log.Debugf("Fetched %s (%d bytes)", destPath, reached)
	return reached, nil
}

// openPartFile opens the .part file positioned at start, truncating any
// bytes beyond it so append is always correct.
func openPartFile(partPath string, start int64) (*os.File, error) {
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening part file %s: %v", ErrFileSystem, partPath, err)
	}
	if err := f.Truncate(start); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: truncating part file %s to %d: %v", ErrFileSystem, partPath, start, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: seeking part file %s: %v", ErrFileSystem, partPath, err)
	}
	return f, nil
}

// copyWithReport copies body to dst in chunks, checking ctx and firing
// the report callback between chunks. This is the cooperative
// cancellation point: pause and cancel both land here.
func (d *Downloader) copyWithReport(ctx context.Context, dst io.Writer, body io.Reader, start, total int64, report ReportFunc) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	lastReport := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("%w: writing part file: %v", ErrFileSystem, writeErr)
			}
			written += int64(n)
			if report != nil && (time.Since(lastReport) >= d.chunkInterval || (total > 0 && start+written >= total)) {
				report(start+written, total)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			if report != nil {
				report(start+written, total)
			}
			return written, nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, fmt.Errorf("%w: reading response body: %v", ErrHttpRequest, readErr)
		}
	}
}
