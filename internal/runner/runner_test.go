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

package runner

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
	"github.com/cardinalhq/skyrunner/internal/packager"
	"github.com/cardinalhq/skyrunner/internal/producer"
	"github.com/cardinalhq/skyrunner/internal/taskstore"
	"github.com/cardinalhq/skyrunner/internal/tilecat"
)

type fixture struct {
	runner   *Runner
	store    *taskstore.Store
	produced *atomic.Int64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	var produced atomic.Int64
	prod := producer.Func(func(ctx context.Context, req cutoutcache.Request) ([]byte, error) {
		produced.Add(1)
		return []byte("artifact:" + req.TargetKey), nil
	})

	store := taskstore.New()
	cache := cutoutcache.New(t.TempDir())
	pack := packager.New(t.TempDir())
	if opts.TmpDir == "" {
		opts.TmpDir = t.TempDir()
	}

	return &fixture{
		runner:   New(store, cache, prod, pack, opts),
		store:    store,
		produced: &produced,
	}
}

func writeCatalog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func runSync(t *testing.T, f *fixture, sub Submission) taskstore.Task {
	t.Helper()
	taskID := f.store.Create()
	f.runner.Execute(context.Background(), taskID, sub)
	task, ok := f.store.Get(taskID)
	require.True(t, ok)
	return task
}

func TestExecuteProducesAndReusesCache(t *testing.T) {
	f := newFixture(t, Options{})

	// T1 is explicitly identified; the second row derives its key from
	// coordinates.
	first := writeCatalog(t,
		"RA,DEC,TARGETID",
		"150.1,2.2,T1",
		"10.5,2.25,",
	)
	sub := Submission{
		CatalogPath:  first,
		Instrument:   "VIS",
		Bands:        []string{"VIS"},
		ProductTypes: []string{"BGSUB"},
		Size:         100,
	}

	task := runSync(t, f, sub)
	assert.Equal(t, taskstore.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, 2, task.Counters.Total)
	assert.Zero(t, task.Counters.CacheHits)
	assert.Equal(t, 2, task.Counters.Produced)
	assert.Zero(t, task.Counters.Errors)
	assert.Equal(t, int64(2), f.produced.Load())
	require.FileExists(t, task.BundlePath)

	// Two rows sharing the produced row's coordinates derive the same key,
	// so both resolve as cache hits and nothing is produced.
	sub.CatalogPath = writeCatalog(t,
		"RA,DEC",
		"10.5,2.25",
		"10.5,2.25",
	)
	task2 := runSync(t, f, sub)
	assert.Equal(t, taskstore.StatusCompleted, task2.Status)
	assert.Equal(t, 2, task2.Counters.Total)
	assert.Equal(t, 2, task2.Counters.CacheHits)
	assert.Zero(t, task2.Counters.Produced)
	assert.Equal(t, int64(2), f.produced.Load())

	zr, err := zip.OpenReader(task.BundlePath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Contains(t, names, "BGSUB/VIS/T1_VIS_BGSUB_100px.fits")
	assert.Contains(t, names, "BGSUB/VIS/0105000000022500000_VIS_BGSUB_100px.fits")
	assert.Contains(t, names, packager.ManifestName)
}

func TestExecuteFullGrid(t *testing.T) {
	f := newFixture(t, Options{})

	path := writeCatalog(t,
		"RA,DEC",
		"150.1,2.2",
	)
	task := runSync(t, f, Submission{
		CatalogPath: path,
		Instrument:  "NISP",
		Size:        64,
	})

	// 1 target x 3 NISP bands x 5 product types.
	assert.Equal(t, taskstore.StatusCompleted, task.Status)
	assert.Equal(t, 15, task.Counters.Total)
	assert.Equal(t, 15, task.Counters.Produced)
}

func TestExecuteFailsOnUnknownInstrument(t *testing.T) {
	f := newFixture(t, Options{})

	path := writeCatalog(t, "RA,DEC", "150.1,2.2")
	task := runSync(t, f, Submission{
		CatalogPath: path,
		Instrument:  "LSST",
		Size:        100,
	})
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Contains(t, task.Message, "unknown instrument")
	assert.Zero(t, f.produced.Load())
}

func TestExecuteFailsOnMissingColumn(t *testing.T) {
	f := newFixture(t, Options{})

	path := writeCatalog(t, "X,Y", "1,2")
	task := runSync(t, f, Submission{
		CatalogPath: path,
		Instrument:  "VIS",
		Size:        100,
	})
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Contains(t, task.Message, "column")
}

func TestExecuteFailsOnRowLimit(t *testing.T) {
	f := newFixture(t, Options{MaxCatalogRows: 2})

	path := writeCatalog(t,
		"RA,DEC",
		"150.1,2.2",
		"150.2,2.2",
		"150.3,2.2",
	)
	task := runSync(t, f, Submission{
		CatalogPath: path,
		Instrument:  "VIS",
		Bands:       []string{"VIS"},
		Size:        100,
	})
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Zero(t, f.produced.Load())
}

func TestExecuteFailsOnBadSize(t *testing.T) {
	f := newFixture(t, Options{})

	path := writeCatalog(t, "RA,DEC", "150.1,2.2")
	task := runSync(t, f, Submission{
		CatalogPath: path,
		Instrument:  "VIS",
		Size:        0,
	})
	assert.Equal(t, taskstore.StatusFailed, task.Status)
}

func TestExecutePerTargetFaultIsolation(t *testing.T) {
	var produced atomic.Int64
	prod := producer.Func(func(ctx context.Context, req cutoutcache.Request) ([]byte, error) {
		if req.Lat < 0 {
			return nil, errors.New("archive read failed")
		}
		produced.Add(1)
		return []byte("ok"), nil
	})

	store := taskstore.New()
	f := &fixture{
		runner:   New(store, cutoutcache.New(t.TempDir()), prod, packager.New(t.TempDir()), Options{TmpDir: t.TempDir()}),
		store:    store,
		produced: &produced,
	}

	path := writeCatalog(t,
		"RA,DEC",
		"150.1,2.2",
		"150.2,-2.2",
		"150.3,2.3",
	)
	task := runSync(t, f, Submission{
		CatalogPath:  path,
		Instrument:   "VIS",
		Bands:        []string{"VIS"},
		ProductTypes: []string{"BGSUB"},
		Size:         100,
	})

	assert.Equal(t, taskstore.StatusCompleted, task.Status)
	assert.Equal(t, 3, task.Counters.Total)
	assert.Equal(t, 2, task.Counters.Produced)
	assert.Equal(t, 1, task.Counters.Errors)
	assert.Equal(t, 100, task.Progress)
}

func TestExecuteCoveragePrefilter(t *testing.T) {
	tiles, err := tilecat.Read(strings.NewReader(
		"tile_id,ra_min,ra_max,dec_min,dec_max\nTILE1,150.0,151.0,2.0,3.0\n"))
	require.NoError(t, err)

	f := newFixture(t, Options{Tiles: tiles})

	path := writeCatalog(t,
		"RA,DEC",
		"150.5,2.5",
		"40.0,-40.0",
	)
	task := runSync(t, f, Submission{
		CatalogPath:  path,
		Instrument:   "VIS",
		Bands:        []string{"VIS"},
		ProductTypes: []string{"BGSUB"},
		Size:         100,
	})

	assert.Equal(t, taskstore.StatusCompleted, task.Status)
	assert.Equal(t, 2, task.Counters.Total)
	assert.Equal(t, 1, task.Counters.Produced)
	assert.Equal(t, 1, task.Counters.Errors)
	assert.Equal(t, int64(1), f.produced.Load())
}

func TestSubmitRunsInBackground(t *testing.T) {
	f := newFixture(t, Options{})

	path := writeCatalog(t, "RA,DEC", "150.1,2.2")
	taskID := f.runner.Submit(context.Background(), Submission{
		CatalogPath:  path,
		Instrument:   "VIS",
		Bands:        []string{"VIS"},
		ProductTypes: []string{"BGSUB"},
		Size:         100,
	})

	deadline := time.After(5 * time.Second)
	for {
		task, ok := f.store.Get(taskID)
		require.True(t, ok)
		if task.Status.Terminal() {
			assert.Equal(t, taskstore.StatusCompleted, task.Status)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task did not finish, status %s", task.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExecuteCleansStagingDir(t *testing.T) {
	tmp := t.TempDir()
	f := newFixture(t, Options{TmpDir: tmp})

	path := writeCatalog(t, "RA,DEC", "150.1,2.2")
	task := runSync(t, f, Submission{
		CatalogPath:  path,
		Instrument:   "VIS",
		Bands:        []string{"VIS"},
		ProductTypes: []string{"BGSUB"},
		Size:         100,
	})
	require.Equal(t, taskstore.StatusCompleted, task.Status)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
