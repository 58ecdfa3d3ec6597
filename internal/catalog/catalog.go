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

// Package catalog loads and validates sky-position catalogs from CSV files.
//
// Column names vary wildly between catalog producers, so the coordinate and
// identifier columns are resolved once against an ordered alias list before
// any row is parsed. Every validation failure here is fatal to the whole
// submission; per-target failures are handled later, during production.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Row is one validated catalog entry.
type Row struct {
	// Index is the zero-based position of the row in the source catalog.
	Index int
	// ID is the author-supplied target identifier, empty when absent.
	ID string
	// Lon and Lat are the sky coordinates in decimal degrees.
	Lon float64
	Lat float64
}

// Columns carries the caller's preferred column names. Empty fields fall
// back to the defaults ("RA", "DEC", "TARGETID").
type Columns struct {
	Lon string
	Lat string
	ID  string
}

var (
	ErrMissingColumn = errors.New("required column not found")
	ErrTooManyRows   = errors.New("catalog exceeds the row limit")
	ErrBadCoordinate = errors.New("malformed coordinate value")
)

var (
	lonAliases = []string{"RA", "TARGET_RA", "RA_1", "RA_2", "ra", "Ra", "RightAscension", "RIGHT_ASCENSION", "ALPHA_J2000"}
	latAliases = []string{"DEC", "TARGET_DEC", "DEC_1", "DEC_2", "dec", "Dec", "Declination", "DECLINATION", "DELTA_J2000"}
	idAliases  = []string{"TARGETID", "TARGET_ID", "ID", "SOURCE_ID", "OBJECT_ID", "NUMBER"}
)

// Binding is the result of resolving column names against a header row.
type Binding struct {
	LonName string
	LatName string
	IDName  string // empty when the catalog has no identifier column

	lonIdx int
	latIdx int
	idIdx  int
}

func findColumn(headers []string, preferred string, aliases []string) (int, string) {
	candidates := aliases
	if preferred != "" {
		candidates = append([]string{preferred}, aliases...)
	}
	for _, candidate := range candidates {
		for i, h := range headers {
			if strings.TrimSpace(h) == candidate {
				return i, candidate
			}
		}
	}
	return -1, ""
}

// BindColumns resolves the coordinate and identifier columns once, before
// any row parsing. The identifier column is optional; coordinates are not.
func BindColumns(headers []string, cols Columns) (Binding, error) {
	b := Binding{lonIdx: -1, latIdx: -1, idIdx: -1}

	b.lonIdx, b.LonName = findColumn(headers, cols.Lon, lonAliases)
	if b.lonIdx < 0 {
		return b, fmt.Errorf("%w: longitude (tried %q then %s)", ErrMissingColumn, cols.Lon, strings.Join(lonAliases, ", "))
	}
	b.latIdx, b.LatName = findColumn(headers, cols.Lat, latAliases)
	if b.latIdx < 0 {
		return b, fmt.Errorf("%w: latitude (tried %q then %s)", ErrMissingColumn, cols.Lat, strings.Join(latAliases, ", "))
	}
	b.idIdx, b.IDName = findColumn(headers, cols.ID, idAliases)
	return b, nil
}

// Load reads a CSV catalog, resolves its columns, and returns validated
// rows. maxRows <= 0 means unlimited. Any malformed coordinate or an
// over-limit catalog is an error; truncating silently would hide targets
// from the user.
func Load(path string, cols Columns, maxRows int) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f, cols, maxRows)
}

// Read parses catalog rows from a CSV stream.
func Read(r io.Reader, cols Columns, maxRows int) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	headers, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog headers: %w", err)
	}

	binding, err := BindColumns(headers, cols)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for i := 0; ; i++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog row %d: %w", i, err)
		}
		if maxRows > 0 && len(rows) >= maxRows {
			return nil, fmt.Errorf("%w: limit is %d rows", ErrTooManyRows, maxRows)
		}

		row, err := parseRow(i, record, binding)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(index int, record []string, b Binding) (Row, error) {
	if b.lonIdx >= len(record) || b.latIdx >= len(record) {
		return Row{}, fmt.Errorf("%w: row %d has %d fields", ErrBadCoordinate, index, len(record))
	}

	lon, err := parseCoordinate(record[b.lonIdx])
	if err != nil {
		return Row{}, fmt.Errorf("%w: row %d column %s: %v", ErrBadCoordinate, index, b.LonName, err)
	}
	lat, err := parseCoordinate(record[b.latIdx])
	if err != nil {
		return Row{}, fmt.Errorf("%w: row %d column %s: %v", ErrBadCoordinate, index, b.LatName, err)
	}
	if lat < -90 || lat > 90 {
		return Row{}, fmt.Errorf("%w: row %d: latitude %v out of range [-90, 90]", ErrBadCoordinate, index, lat)
	}

	row := Row{Index: index, Lon: lon, Lat: lat}
	if b.idIdx >= 0 && b.idIdx < len(record) {
		row.ID = strings.TrimSpace(record[b.idIdx])
	}
	return row, nil
}

func parseCoordinate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value is not finite")
	}
	return v, nil
}
