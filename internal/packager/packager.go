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

// Package packager assembles a task's staged artifacts and cache hits into
// one downloadable zip bundle.
//
// The bundle mirrors the cache's logical grouping (product-type/band) and
// carries a manifest with a checksum per artifact. Partial coverage is not
// fatal: a hit that cannot be copied is reported and skipped, and the task's
// error counter communicates the shortfall. Only failing to create the
// archive itself fails the task.
package packager

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
	"github.com/cardinalhq/skyrunner/internal/logctx"
)

// stageConcurrency bounds parallel copies out of the shared cache.
const stageConcurrency = 4

// ManifestName is the bundle's artifact listing file.
const ManifestName = "manifest.json"

// ManifestEntry describes one artifact inside the bundle.
type ManifestEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	XXH64 string `json:"xxh64"`
}

// Result reports what Package assembled.
type Result struct {
	BundlePath string
	// HitFailures counts cache hits that could not be copied into the
	// bundle. Detail is in HitErrors.
	HitFailures int
	HitErrors   error
}

// Packager writes task bundles under a fixed output directory.
type Packager struct {
	outputDir string
}

func New(outputDir string) *Packager {
	return &Packager{outputDir: outputDir}
}

// Package copies every cache hit into the staging directory (freshly
// produced artifacts are already there), writes the manifest, and
// compresses the staging directory into <outputDir>/<taskID>/<taskID>.zip.
func (p *Packager) Package(ctx context.Context, taskID, stageDir string, hits []cutoutcache.Entry) (Result, error) {
	ll := logctx.FromContext(ctx)

	var (
		mu       sync.Mutex
		hitErrs  *multierror.Error
		failures int
	)

	var g errgroup.Group
	g.SetLimit(stageConcurrency)
	for _, hit := range hits {
		g.Go(func() error {
			dst := filepath.Join(stageDir, hit.ProductType, hit.Band, filepath.Base(hit.Path))
			if err := copyFile(hit.Path, dst); err != nil {
				ll.Warn("Failed to stage cache hit",
					slog.String("target_key", hit.TargetKey),
					slog.String("path", hit.Path),
					slog.Any("error", err))
				mu.Lock()
				hitErrs = multierror.Append(hitErrs, fmt.Errorf("hit %s: %w", hit.TargetKey, err))
				failures++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := writeManifest(stageDir); err != nil {
		return Result{}, fmt.Errorf("failed to write bundle manifest: %w", err)
	}

	taskDir := filepath.Join(p.outputDir, taskID)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	bundlePath := filepath.Join(taskDir, taskID+".zip")
	if err := zipDirectory(stageDir, bundlePath); err != nil {
		return Result{}, fmt.Errorf("failed to create bundle archive: %w", err)
	}

	return Result{
		BundlePath:  bundlePath,
		HitFailures: failures,
		HitErrors:   hitErrs.ErrorOrNil(),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// writeManifest lists every staged artifact with its size and xxhash-64.
func writeManifest(stageDir string) error {
	var entries []ManifestEntry
	err := filepath.WalkDir(stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{
			Path:  filepath.ToSlash(rel),
			Size:  int64(len(data)),
			XXH64: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		})
		return nil
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stageDir, ManifestName), data, 0644)
}

// zipDirectory compresses the contents of dir into a zip archive at dst,
// with entry names relative to dir.
func zipDirectory(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
