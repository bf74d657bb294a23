// Package imagecache stores product images on disk, keyed by model name.
//
// The cache is filled once per image: a present non-empty file is served
// without touching the network. Files land atomically (write .tmp then
// rename). The cache is not safe for concurrent writes to the same model;
// the pipeline runs sequentially.
package imagecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hazyhaar/tarif/fetch"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// Filename maps a model name like "iphone_15" to its cached file name.
// The name is lowercased and every run of other characters becomes "-".
func Filename(model string) string {
	slug := strings.ToLower(strings.TrimSpace(model))
	slug = slugPattern.ReplaceAllString(slug, "-")
	return slug + ".png"
}

// Cache downloads and keeps product images under a single directory.
type Cache struct {
	dir     string
	fetcher *fetch.Fetcher
}

// New creates a Cache storing files in dir and downloading through f.
func New(dir string, f *fetch.Fetcher) *Cache {
	return &Cache{dir: dir, fetcher: f}
}

// Ensure returns the local path of a model's image, downloading only when
// no usable cached copy exists. An existing empty file counts as a miss.
func (c *Cache) Ensure(ctx context.Context, model, imageURL string) (string, error) {
	target := filepath.Join(c.dir, Filename(model))

	if fi, err := os.Stat(target); err == nil && fi.Size() > 0 {
		return target, nil
	}

	res, err := c.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("imagecache: download %s: %w", imageURL, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("imagecache: mkdir %s: %w", filepath.Dir(target), err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, res.Body, 0o644); err != nil {
		return "", fmt.Errorf("imagecache: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("imagecache: rename: %w", err)
	}
	return target, nil
}
