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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/skyrunner/config"
	"github.com/cardinalhq/skyrunner/internal/catalog"
	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
	"github.com/cardinalhq/skyrunner/internal/logctx"
	"github.com/cardinalhq/skyrunner/internal/packager"
	"github.com/cardinalhq/skyrunner/internal/producer"
	"github.com/cardinalhq/skyrunner/internal/runner"
	"github.com/cardinalhq/skyrunner/internal/taskstore"
	"github.com/cardinalhq/skyrunner/internal/tilecat"
)

// pollInterval paces status reads while a submission is running.
const pollInterval = 250 * time.Millisecond

func init() {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one catalog submission to completion",
		RunE: func(c *cobra.Command, _ []string) error {
			catalogPath, _ := c.Flags().GetString("catalog")
			instrument, _ := c.Flags().GetString("instrument")
			bandList, _ := c.Flags().GetStringSlice("bands")
			productTypes, _ := c.Flags().GetStringSlice("product-types")
			size, _ := c.Flags().GetInt("size")
			workers, _ := c.Flags().GetInt("workers")
			lonColumn, _ := c.Flags().GetString("lon-column")
			latColumn, _ := c.Flags().GetString("lat-column")
			idColumn, _ := c.Flags().GetString("id-column")

			ctx, cleanup, err := setupEnvironment("process")
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			return runProcess(ctx, runner.Submission{
				CatalogPath: catalogPath,
				Columns: catalog.Columns{
					Lon: lonColumn,
					Lat: latColumn,
					ID:  idColumn,
				},
				Instrument:   instrument,
				Bands:        bandList,
				ProductTypes: productTypes,
				Size:         size,
				Workers:      workers,
			})
		},
	}

	cmd.Flags().String("catalog", "", "path to the catalog CSV")
	cmd.Flags().String("instrument", "", "instrument to cut out from")
	cmd.Flags().StringSlice("bands", nil, "bands to produce (default: all for the instrument)")
	cmd.Flags().StringSlice("product-types", nil, "product types to produce (default: all)")
	cmd.Flags().Int("size", 100, "cutout edge length in pixels")
	cmd.Flags().Int("workers", 0, "worker pool size (default from config, clamped)")
	cmd.Flags().String("lon-column", "", "preferred longitude column name")
	cmd.Flags().String("lat-column", "", "preferred latitude column name")
	cmd.Flags().String("id-column", "", "preferred target identifier column name")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("instrument")

	rootCmd.AddCommand(cmd)
}

func runProcess(ctx context.Context, sub runner.Submission) error {
	ll := logctx.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if sub.Workers <= 0 {
		sub.Workers = cfg.Limits.DefaultWorkers
	}
	if sub.Workers > cfg.Limits.MaxWorkers {
		sub.Workers = cfg.Limits.MaxWorkers
	}

	prod, err := producer.NewHTTP(cfg.Producer)
	if err != nil {
		return err
	}

	var tiles *tilecat.Index
	if cfg.Archive.TileIndex != "" {
		tiles, err = tilecat.Load(cfg.Archive.TileIndex)
		if err != nil {
			return fmt.Errorf("failed to load tile index: %w", err)
		}
		ll.Info("Tile index loaded", slog.Int("tiles", tiles.Len()))
	}

	r := runner.New(
		taskstore.New(),
		cutoutcache.New(cfg.Workspace.CacheDir),
		prod,
		packager.New(cfg.Workspace.OutputDir),
		runner.Options{
			Tiles:          tiles,
			TmpDir:         cfg.Workspace.TmpDir,
			MaxCatalogRows: cfg.Limits.MaxCatalogRows,
		},
	)

	taskID := r.Submit(ctx, sub)
	ll.Info("Submission accepted", slog.String("task_id", taskID))

	task := waitForTask(ctx, r.Store(), taskID)

	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if task.Status != taskstore.StatusCompleted {
		return fmt.Errorf("task %s %s: %s", taskID, task.Status, task.Message)
	}
	ll.Info("Bundle ready",
		slog.String("bundle", task.BundlePath),
		slog.Int("cache_hits", task.Counters.CacheHits),
		slog.Int("produced", task.Counters.Produced),
		slog.Int("errors", task.Counters.Errors))
	return nil
}

// waitForTask polls until the task reaches a terminal state, logging progress
// as it changes. A cancelled context returns the last snapshot seen.
func waitForTask(ctx context.Context, store *taskstore.Store, taskID string) taskstore.Task {
	ll := logctx.FromContext(ctx)

	lastProgress := -1
	for {
		task, ok := store.Get(taskID)
		if !ok {
			return taskstore.Task{ID: taskID, Status: taskstore.StatusFailed, Message: "task disappeared"}
		}
		if task.Progress != lastProgress {
			lastProgress = task.Progress
			ll.Info("Task progress",
				slog.String("status", string(task.Status)),
				slog.Int("progress", task.Progress))
		}
		if task.Status.Terminal() {
			return task
		}
		select {
		case <-ctx.Done():
			return task
		case <-time.After(pollInterval):
		}
	}
}
