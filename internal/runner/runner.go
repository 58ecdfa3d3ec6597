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

// Package runner executes catalog submissions end to end: load and validate
// the catalog, derive canonical target keys, resolve the cache, produce the
// misses, and package the bundle.
//
// Failures split into two classes. Anything wrong with the submission itself
// (unreadable catalog, unknown instrument, malformed coordinates, too many
// rows) fails the whole task before any work is scheduled. Once production
// starts, failures are per target and only degrade the bundle.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cardinalhq/skyrunner/internal/bands"
	"github.com/cardinalhq/skyrunner/internal/catalog"
	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
	"github.com/cardinalhq/skyrunner/internal/idgen"
	"github.com/cardinalhq/skyrunner/internal/logctx"
	"github.com/cardinalhq/skyrunner/internal/packager"
	"github.com/cardinalhq/skyrunner/internal/producer"
	"github.com/cardinalhq/skyrunner/internal/scheduler"
	"github.com/cardinalhq/skyrunner/internal/targetid"
	"github.com/cardinalhq/skyrunner/internal/taskstore"
	"github.com/cardinalhq/skyrunner/internal/tilecat"
)

// Submission is one user request to cut out a catalog of targets.
type Submission struct {
	CatalogPath string
	Columns     catalog.Columns
	Instrument  string
	// Bands empty means every band the instrument provides.
	Bands []string
	// ProductTypes empty means every known product type.
	ProductTypes []string
	// Size is the cutout edge length in pixels.
	Size int
	// Workers is the requested pool size; out-of-range values are clamped.
	Workers int
}

// Options tunes a Runner beyond its required collaborators.
type Options struct {
	// Tiles enables the coverage prefilter when non-nil.
	Tiles *tilecat.Index
	// Registry defaults to the embedded band registry.
	Registry *bands.Registry
	// TmpDir holds per-task staging directories.
	TmpDir string
	// MaxCatalogRows caps submissions; <= 0 means unlimited.
	MaxCatalogRows int
}

// Runner drives submissions through the pipeline and records their state.
type Runner struct {
	store    *taskstore.Store
	cache    *cutoutcache.Cache
	producer producer.Producer
	packager *packager.Packager
	opts     Options
}

func New(store *taskstore.Store, cache *cutoutcache.Cache, prod producer.Producer, pack *packager.Packager, opts Options) *Runner {
	if opts.Registry == nil {
		opts.Registry = bands.Default()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	return &Runner{
		store:    store,
		cache:    cache,
		producer: prod,
		packager: pack,
		opts:     opts,
	}
}

func (r *Runner) Store() *taskstore.Store {
	return r.store
}

// Submit registers a task and starts executing it in the background. The
// returned id can be polled immediately.
func (r *Runner) Submit(ctx context.Context, sub Submission) string {
	taskID := r.store.Create()

	// The task outlives the submitting request; only the logger carries over.
	bg := logctx.WithLogger(context.Background(),
		logctx.FromContext(ctx).With(slog.String("task_id", taskID)))
	go r.Execute(bg, taskID, sub)

	return taskID
}

// Execute runs one submission to a terminal state. It is exported so callers
// that want synchronous completion (the CLI, tests) can skip Submit's
// goroutine.
func (r *Runner) Execute(ctx context.Context, taskID string, sub Submission) {
	ll := logctx.FromContext(ctx)

	if err := r.store.MarkProcessing(taskID); err != nil {
		ll.Error("Failed to start task", slog.Any("error", err))
		return
	}

	if err := r.execute(ctx, taskID, sub); err != nil {
		ll.Error("Task failed", slog.Any("error", err))
		_ = r.store.Fail(taskID, err.Error())
	}
}

func (r *Runner) execute(ctx context.Context, taskID string, sub Submission) error {
	ll := logctx.FromContext(ctx)

	if sub.Size <= 0 {
		return fmt.Errorf("cutout size must be positive, got %d", sub.Size)
	}
	bandList, err := r.opts.Registry.ResolveBands(sub.Instrument, sub.Bands)
	if err != nil {
		return err
	}
	productTypes, err := r.opts.Registry.ResolveProductTypes(sub.ProductTypes)
	if err != nil {
		return err
	}

	rows, err := catalog.Load(sub.CatalogPath, sub.Columns, r.opts.MaxCatalogRows)
	if err != nil {
		return err
	}

	targets, err := deriveTargets(rows)
	if err != nil {
		return err
	}

	covered, uncovered := r.filterCoverage(targets)
	if uncovered > 0 {
		ll.Warn("Targets outside archive coverage",
			slog.Int("targets", uncovered),
			slog.Int("covered", len(covered)))
	}

	perTarget := len(bandList) * len(productTypes)
	hits, misses := r.cache.Resolve(covered, sub.Instrument, bandList, productTypes, sub.Size)

	if err := r.store.Update(taskID, func(t *taskstore.Task) {
		t.Counters.Total = len(targets) * perTarget
		t.Counters.CacheHits = len(hits)
		t.Counters.Errors = uncovered * perTarget
		t.Progress = scheduler.Progress(t.Counters)
	}); err != nil {
		return err
	}
	ll.Info("Catalog resolved",
		slog.Int("targets", len(targets)),
		slog.Int("cache_hits", len(hits)),
		slog.Int("misses", len(misses)))

	stageDir := filepath.Join(r.opts.TmpDir, idgen.NewScratchName())
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	sched := scheduler.New(r.cache, r.producer, sub.Workers)
	sched.Run(ctx, r.store, taskID, stageDir, misses)

	result, err := r.packager.Package(ctx, taskID, stageDir, hits)
	if err != nil {
		return err
	}
	if result.HitFailures > 0 {
		ll.Warn("Some cache hits were not bundled",
			slog.Int("failures", result.HitFailures),
			slog.Any("error", result.HitErrors))
		_ = r.store.Update(taskID, func(t *taskstore.Task) {
			t.Counters.Errors += result.HitFailures
		})
	}

	return r.store.Complete(taskID, result.BundlePath)
}

// deriveTargets converts catalog rows to canonical targets. Rows sharing
// coordinates derive the same key and are kept as separate targets: within
// one task they produce identical content, which the cache's
// last-writer-wins contract already tolerates, and against a warm cache
// they all resolve as hits.
func deriveTargets(rows []catalog.Row) ([]cutoutcache.Target, error) {
	targets := make([]cutoutcache.Target, 0, len(rows))
	for _, row := range rows {
		key, err := targetid.Derive(row.ID, row.Lon, row.Lat)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row.Index, err)
		}
		targets = append(targets, cutoutcache.Target{Key: key, Lon: row.Lon, Lat: row.Lat})
	}
	return targets, nil
}

// filterCoverage drops targets outside every archive tile. Without a tile
// index every target passes and the engine decides coverage per request.
func (r *Runner) filterCoverage(targets []cutoutcache.Target) (covered []cutoutcache.Target, uncovered int) {
	if r.opts.Tiles == nil {
		return targets, 0
	}
	covered = make([]cutoutcache.Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := r.opts.Tiles.Lookup(t.Lon, t.Lat); !ok {
			uncovered++
			continue
		}
		covered = append(covered, t)
	}
	return covered, uncovered
}
