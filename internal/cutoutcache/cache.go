// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package cutoutcache resolves cutout requests against the durable artifact
// cache and persists freshly produced artifacts into it.
//
// The cache is a directory tree: one directory per band, and inside it one
// file per (target key, instrument, product type, size) tuple. Existence is
// always decided by a direct path lookup against the filesystem — the cache
// is shared between concurrent tasks and between processes, so an in-memory
// index would go stale the moment another task writes. The resolver takes no
// locks: two tasks racing to produce the same missing artifact write
// identical content, and last-writer-wins is correct.
package cutoutcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry is a materialized artifact found in the cache.
type Entry struct {
	TargetKey   string
	Instrument  string
	Band        string
	ProductType string
	Size        int
	Path        string
}

// Request identifies one artifact that must be produced. The coordinates
// ride along so the producer does not need to re-derive them from the key.
type Request struct {
	TargetKey   string
	Lon         float64
	Lat         float64
	Instrument  string
	Band        string
	ProductType string
	Size        int
}

// Target is one resolved catalog row: a canonical key plus its coordinates.
type Target struct {
	Key string
	Lon float64
	Lat float64
}

// Cache is the durable artifact store rooted at a single directory.
type Cache struct {
	root string
}

func New(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) Root() string {
	return c.root
}

// FileName builds the artifact filename for a tuple. Product types keep
// their archive spelling in requests but hyphens are flattened in
// filenames, matching the established cache naming on disk.
func FileName(targetKey, instrument, productType string, size int) string {
	productType = strings.ReplaceAll(productType, "-", "_")
	return fmt.Sprintf("%s_%s_%s_%dpx.fits", targetKey, strings.ToUpper(instrument), productType, size)
}

// ArtifactPath constructs the cache path for a tuple without touching the
// filesystem.
func (c *Cache) ArtifactPath(band, instrument, productType, targetKey string, size int) string {
	return filepath.Join(c.root, band, FileName(targetKey, instrument, productType, size))
}

// Resolve partitions the full request grid (targets × bands × productTypes)
// into cache hits and misses. A hit is a hit regardless of which task or
// which process produced it.
func (c *Cache) Resolve(targets []Target, instrument string, bands, productTypes []string, size int) (hits []Entry, misses []Request) {
	for _, target := range targets {
		for _, band := range bands {
			for _, pt := range productTypes {
				path := c.ArtifactPath(band, instrument, pt, target.Key, size)
				if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
					hits = append(hits, Entry{
						TargetKey:   target.Key,
						Instrument:  instrument,
						Band:        band,
						ProductType: pt,
						Size:        size,
						Path:        path,
					})
					continue
				}
				misses = append(misses, Request{
					TargetKey:   target.Key,
					Lon:         target.Lon,
					Lat:         target.Lat,
					Instrument:  instrument,
					Band:        band,
					ProductType: pt,
					Size:        size,
				})
			}
		}
	}
	return hits, misses
}

// Write persists a freshly produced artifact. The bytes land in a temp file
// first and are renamed into place, so a concurrent resolver never observes
// a partially written artifact.
func (c *Cache) Write(req Request, data []byte) (string, error) {
	bandDir := filepath.Join(c.root, req.Band)
	if err := os.MkdirAll(bandDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create band directory %s: %w", bandDir, err)
	}

	final := filepath.Join(bandDir, FileName(req.TargetKey, req.Instrument, req.ProductType, req.Size))

	tmp, err := os.CreateTemp(bandDir, ".cutout-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}
	return final, nil
}
