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

// Package targetid derives the canonical identity string for a sky position.
//
// The key is what makes cutout caching work across uploads: two catalog rows
// pointing at the same position must map to the same cache entries, no matter
// which submission produced them first.
package targetid

import (
	"fmt"
	"math"
	"strings"
)

// Derive returns the canonical target key for a catalog row.
//
// When explicitID is non-empty (after trimming) it is returned verbatim; the
// catalog author owns its uniqueness. Otherwise the key is a fixed-width
// digit encoding of the coordinates: longitude as 3 integer + 7 fractional
// digits and the absolute latitude as 2 integer + 7 fractional digits, with
// the decimal points stripped and a leading minus sign when the latitude is
// negative. 7 fractional degrees is sub-arcsecond, so physically distinct
// targets never collide while formatting jitter rounds identically on every
// call.
func Derive(explicitID string, lon, lat float64) (string, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		return id, nil
	}

	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return "", fmt.Errorf("longitude is not finite: %v", lon)
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return "", fmt.Errorf("latitude is not finite: %v", lat)
	}
	if lat < -90 || lat > 90 {
		return "", fmt.Errorf("latitude out of range [-90, 90]: %v", lat)
	}

	// Reduce into [0, 360) so the 3 integer digit budget holds.
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}

	lonDigits := strings.Replace(fmt.Sprintf("%011.7f", lon), ".", "", 1)
	latDigits := strings.Replace(fmt.Sprintf("%010.7f", math.Abs(lat)), ".", "", 1)

	key := lonDigits + latDigits
	if lat < 0 {
		key = "-" + key
	}
	return key, nil
}
