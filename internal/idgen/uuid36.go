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

package idgen

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// UUIDToBase36 renders a UUID as a fixed-width 25 character base36 string.
// Used for filesystem-friendly scratch directory names.
func UUIDToBase36(id uuid.UUID) string {
	bi := new(big.Int).SetBytes(id[:])

	ret := bi.Text(36)
	const fixedLength = 25
	if len(ret) < fixedLength {
		ret = strings.Repeat("0", fixedLength-len(ret)) + ret
	}
	return ret
}

// NewScratchName returns a random name suitable for a scratch directory.
func NewScratchName() string {
	return UUIDToBase36(uuid.New())
}
