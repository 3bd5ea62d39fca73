package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/models"
)

// chunkSize is the copy buffer for archive downloads.
const chunkSize = 1 << 20

// Fetcher opens a credential-bearing GET of an absolute URL.
// client.Client implements it.
type Fetcher interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error)
}

// Downloader streams archives to disk and publishes them atomically.
type Downloader struct {
	Fetcher Fetcher
	// OnProgress is called after every chunk with bytes written so far and
	// the announced size (-1 if unknown).
	OnProgress func(written, total int64)
}

// ResolveURL turns a possibly relative result location into an absolute URL.
func ResolveURL(server, location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(location, "/")
}

// Download writes the body of rawURL to dest+".part" and renames it to dest
// once the body is complete. No file is created when the server answers
// non-2xx. A failed transfer leaves the .part file behind.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	body, total, err := d.Fetcher.Open(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	partPath := models.PartPath(dest)
	f, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partPath, err)
	}

	written, err := d.copy(f, body, total)
	if err != nil {
		f.Close()
		return written, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return written, fmt.Errorf("sync %s: %w", partPath, err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", partPath, err)
	}

	if err := os.Rename(partPath, dest); err != nil {
		return written, fmt.Errorf("publish %s: %w", dest, err)
	}
	return written, nil
}

func (d *Downloader) copy(f *os.File, body io.Reader, total int64) (int64, error) {
	buf := make([]byte, chunkSize)

	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write %s: %w", f.Name(), err)
			}
			written += int64(n)
			if d.OnProgress != nil {
				d.OnProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, &client.TransportError{Op: "read archive body", Err: readErr}
		}
	}
}
