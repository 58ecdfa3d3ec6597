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

// Package scheduler drains a task's cache misses through a bounded pool of
// workers.
//
// One failed target never aborts its siblings: the failure is counted on
// the task and the queue keeps draining. Run returns only after every miss
// has been attempted exactly once, so the caller can treat its return as
// the full-queue-drained barrier before packaging.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
	"github.com/cardinalhq/skyrunner/internal/logctx"
	"github.com/cardinalhq/skyrunner/internal/producer"
	"github.com/cardinalhq/skyrunner/internal/taskstore"
)

const (
	// DefaultWorkers is used when a submission does not pick a pool size.
	DefaultWorkers = 4
	// MaxWorkers bounds contention against the shared archive storage.
	MaxWorkers = 16
)

var (
	meter = otel.Meter("github.com/cardinalhq/skyrunner")

	produceDuration   metric.Float64Histogram
	artifactsProduced metric.Int64Counter
	artifactsErrored  metric.Int64Counter
)

func init() {
	produceDuration, _ = meter.Float64Histogram(
		"skyrunner.produce.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent producing one cutout artifact"),
	)
	artifactsProduced, _ = meter.Int64Counter(
		"skyrunner.artifacts.produced",
		metric.WithDescription("Cutout artifacts produced and staged"),
	)
	artifactsErrored, _ = meter.Int64Counter(
		"skyrunner.artifacts.errored",
		metric.WithDescription("Cutout artifact productions that failed"),
	)
}

// ClampWorkers normalizes a requested pool size into [1, MaxWorkers],
// applying the default when the request is unset.
func ClampWorkers(n int) int {
	if n <= 0 {
		return DefaultWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Staged is one successfully produced artifact, already written into the
// task's staging directory.
type Staged struct {
	Request cutoutcache.Request
	Path    string
}

// Scheduler runs artifact production for cache misses.
type Scheduler struct {
	cache    *cutoutcache.Cache
	producer producer.Producer
	workers  int
}

func New(cache *cutoutcache.Cache, prod producer.Producer, workers int) *Scheduler {
	return &Scheduler{
		cache:    cache,
		producer: prod,
		workers:  ClampWorkers(workers),
	}
}

// Run attempts every miss once and blocks until all workers have finished.
// Successes are staged under stageDir (grouped product-type/band, the same
// logical layout as the cache) and persisted into the cache for future
// tasks. Counter and progress updates land on the task after every item.
func (s *Scheduler) Run(ctx context.Context, store *taskstore.Store, taskID, stageDir string, misses []cutoutcache.Request) []Staged {
	if len(misses) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		staged []Staged
	)

	jobs := make(chan cutoutcache.Request)
	var wg sync.WaitGroup
	for range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				if artifact, ok := s.processOne(ctx, store, taskID, stageDir, req); ok {
					mu.Lock()
					staged = append(staged, artifact)
					mu.Unlock()
				}
			}
		}()
	}

	for _, req := range misses {
		jobs <- req
	}
	close(jobs)
	wg.Wait()

	return staged
}

// processOne produces, stages, and caches a single artifact. The returned
// bool reports whether an artifact was staged; the task counters are
// updated here either way.
func (s *Scheduler) processOne(ctx context.Context, store *taskstore.Store, taskID, stageDir string, req cutoutcache.Request) (Staged, bool) {
	ll := logctx.FromContext(ctx).With(
		slog.String("target_key", req.TargetKey),
		slog.String("band", req.Band),
		slog.String("product_type", req.ProductType),
	)
	attrs := metric.WithAttributes(
		attribute.String("instrument", req.Instrument),
		attribute.String("band", req.Band),
		attribute.String("product_type", req.ProductType),
	)

	start := time.Now()
	data, err := s.producer.Produce(ctx, req)
	produceDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	if err != nil {
		ll.Warn("Artifact production failed", slog.Any("error", err))
		artifactsErrored.Add(ctx, 1, attrs)
		s.recordOutcome(store, taskID, false)
		return Staged{}, false
	}

	path, err := stageArtifact(stageDir, req, data)
	if err != nil {
		ll.Warn("Failed to stage artifact", slog.Any("error", err))
		artifactsErrored.Add(ctx, 1, attrs)
		s.recordOutcome(store, taskID, false)
		return Staged{}, false
	}

	if _, err := s.cache.Write(req, data); err != nil {
		// The staged copy still ships with this task; only future reuse
		// is degraded, so this counts as a production error without
		// dropping the artifact from the bundle.
		ll.Warn("Failed to persist artifact to cache", slog.Any("error", err))
		artifactsErrored.Add(ctx, 1, attrs)
		s.recordOutcome(store, taskID, false)
		return Staged{Request: req, Path: path}, true
	}

	artifactsProduced.Add(ctx, 1, attrs)
	s.recordOutcome(store, taskID, true)
	return Staged{Request: req, Path: path}, true
}

func (s *Scheduler) recordOutcome(store *taskstore.Store, taskID string, produced bool) {
	_ = store.Update(taskID, func(t *taskstore.Task) {
		if produced {
			t.Counters.Produced++
		} else {
			t.Counters.Errors++
		}
		t.Progress = Progress(t.Counters)
	})
}

// Progress computes task progress from its counters. The denominator is
// fixed at submission time and the numerator only grows, so successive
// values never decrease.
func Progress(c taskstore.Counters) int {
	if c.Total <= 0 {
		return 100
	}
	done := c.CacheHits + c.Produced + c.Errors
	return int(math.Round(100 * float64(done) / float64(c.Total)))
}

// stageArtifact writes produced bytes into the staging directory using the
// bundle's product-type/band grouping.
func stageArtifact(stageDir string, req cutoutcache.Request, data []byte) (string, error) {
	dir := filepath.Join(stageDir, req.ProductType, req.Band)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	path := filepath.Join(dir, cutoutcache.FileName(req.TargetKey, req.Instrument, req.ProductType, req.Size))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write staged artifact: %w", err)
	}
	return path, nil
}
