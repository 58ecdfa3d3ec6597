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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDGeneratorMonotonic(t *testing.T) {
	gen := NewULIDGenerator()
	now := time.Now()

	prev := gen.Make(now)
	for range 100 {
		next := gen.Make(now)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestULIDGeneratorLength(t *testing.T) {
	gen := NewULIDGenerator()
	id := gen.Make(time.Now())
	assert.Len(t, id, 26)
}

func TestUUIDToBase36FixedWidth(t *testing.T) {
	assert.Len(t, UUIDToBase36(uuid.Nil), 25)
	assert.Len(t, UUIDToBase36(uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")), 25)
	for range 50 {
		assert.Len(t, UUIDToBase36(uuid.New()), 25)
	}
}

func TestFlakeGeneratorPositive(t *testing.T) {
	gen, err := NewFlakeGenerator()
	require.NoError(t, err)
	assert.Positive(t, gen.NextID())
}
