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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/skyrunner/config"
	"github.com/cardinalhq/skyrunner/internal/tilecat"
)

func init() {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Resolve a coordinate to its archive tile",
		RunE: func(c *cobra.Command, _ []string) error {
			ra, _ := c.Flags().GetFloat64("ra")
			dec, _ := c.Flags().GetFloat64("dec")

			_, cleanup, err := setupEnvironment("coverage")
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Archive.TileIndex == "" {
				return errors.New("no tile index configured (archive.tile_index)")
			}
			tiles, err := tilecat.Load(cfg.Archive.TileIndex)
			if err != nil {
				return fmt.Errorf("failed to load tile index: %w", err)
			}

			tileID, ok := tiles.Lookup(ra, dec)
			if !ok {
				return fmt.Errorf("coordinate (%.7f, %.7f) is outside archive coverage", ra, dec)
			}
			fmt.Println(tileID)
			return nil
		},
	}

	cmd.Flags().Float64("ra", 0, "right ascension in decimal degrees")
	cmd.Flags().Float64("dec", 0, "declination in decimal degrees")
	_ = cmd.MarkFlagRequired("ra")
	_ = cmd.MarkFlagRequired("dec")

	rootCmd.AddCommand(cmd)
}
