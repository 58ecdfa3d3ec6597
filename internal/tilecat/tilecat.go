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

// Package tilecat maps sky coordinates to archive tiles.
//
// The archive is a fixed set of rectangular tiles; a coordinate outside
// every tile can never yield a cutout, so callers use this index to fail
// such targets fast instead of paying for a doomed engine round trip.
// Lookups are memoized: catalogs routinely repeat coordinates, and the tile
// geometry never changes while the process runs.
package tilecat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type tile struct {
	id     string
	raMin  float64
	raMax  float64
	decMin float64
	decMax float64
}

// Index is the in-memory tile catalog.
type Index struct {
	tiles   []tile
	lookups *ttlcache.Cache[string, string]
}

// Load reads a tile index CSV with columns
// tile_id, ra_min, ra_max, dec_min, dec_max.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile index: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read parses a tile index from a CSV stream.
func Read(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	headers, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read tile index headers: %w", err)
	}
	col := make(map[string]int, len(headers))
	for i, h := range headers {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"tile_id", "ra_min", "ra_max", "dec_min", "dec_max"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("tile index is missing column %q", required)
		}
	}

	var tiles []tile
	for i := 0; ; i++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tile index row %d: %w", i, err)
		}

		t := tile{id: strings.TrimSpace(record[col["tile_id"]])}
		if t.id == "" {
			return nil, fmt.Errorf("tile index row %d has an empty tile_id", i)
		}
		for name, dst := range map[string]*float64{
			"ra_min": &t.raMin, "ra_max": &t.raMax,
			"dec_min": &t.decMin, "dec_max": &t.decMax,
		} {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("tile index row %d column %s: %w", i, name, err)
			}
			*dst = v
		}
		tiles = append(tiles, t)
	}
	if len(tiles) == 0 {
		return nil, errors.New("tile index contains no tiles")
	}

	return &Index{
		tiles: tiles,
		lookups: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](time.Hour),
		),
	}, nil
}

// Len returns the number of tiles in the index.
func (ix *Index) Len() int {
	return len(ix.tiles)
}

// Lookup returns the id of the tile covering (ra, dec), or false when the
// coordinate is outside archive coverage. Keys are quantized to the same
// precision as target keys, so duplicate catalog rows share one scan.
func (ix *Index) Lookup(ra, dec float64) (string, bool) {
	key := fmt.Sprintf("%.7f|%.7f", ra, dec)

	loader := ttlcache.LoaderFunc[string, string](
		func(cache *ttlcache.Cache[string, string], key string) *ttlcache.Item[string, string] {
			return cache.Set(key, ix.scan(ra, dec), ttlcache.DefaultTTL)
		},
	)
	item := ix.lookups.Get(key, ttlcache.WithLoader[string, string](loader))
	if item == nil {
		// Loader always sets an item; this is unreachable in practice.
		id := ix.scan(ra, dec)
		return id, id != ""
	}
	return item.Value(), item.Value() != ""
}

func (ix *Index) scan(ra, dec float64) string {
	for _, t := range ix.tiles {
		if ra >= t.raMin && ra <= t.raMax && dec >= t.decMin && dec <= t.decMax {
			return t.id
		}
	}
	return ""
}
