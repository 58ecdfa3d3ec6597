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

// Package bands knows which observational bands each instrument provides
// and which derived product types the archive carries.
package bands

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed bands.yaml
var rawRegistry []byte

type registryFile struct {
	Instruments  map[string][]string `yaml:"instruments"`
	ProductTypes []string            `yaml:"product_types"`
}

// Registry maps instruments to their bands and lists the known product types.
type Registry struct {
	instruments  map[string][]string
	productTypes []string
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry embedded in the binary.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Parse(rawRegistry)
		if err != nil {
			panic(fmt.Sprintf("embedded band registry is invalid: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Parse builds a Registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse band registry: %w", err)
	}
	if len(rf.Instruments) == 0 {
		return nil, fmt.Errorf("band registry lists no instruments")
	}
	if len(rf.ProductTypes) == 0 {
		return nil, fmt.Errorf("band registry lists no product types")
	}
	return &Registry{
		instruments:  rf.Instruments,
		productTypes: rf.ProductTypes,
	}, nil
}

// Instruments returns the known instrument names, sorted.
func (r *Registry) Instruments() []string {
	names := make([]string, 0, len(r.instruments))
	for name := range r.instruments {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BandsFor returns the bands for an instrument.
func (r *Registry) BandsFor(instrument string) ([]string, bool) {
	b, ok := r.instruments[strings.ToUpper(instrument)]
	if !ok {
		return nil, false
	}
	return slices.Clone(b), true
}

// ResolveBands validates a band selection against an instrument. An empty
// selection means every band the instrument provides.
func (r *Registry) ResolveBands(instrument string, requested []string) ([]string, error) {
	instrument = strings.ToUpper(instrument)
	available, ok := r.instruments[instrument]
	if !ok {
		return nil, fmt.Errorf("unknown instrument %q (known: %s)", instrument, strings.Join(r.Instruments(), ", "))
	}
	if len(requested) == 0 {
		return slices.Clone(available), nil
	}
	resolved := make([]string, 0, len(requested))
	for _, b := range requested {
		b = strings.ToUpper(b)
		if !slices.Contains(available, b) {
			return nil, fmt.Errorf("band %q is not provided by instrument %s (available: %s)",
				b, instrument, strings.Join(available, ", "))
		}
		resolved = append(resolved, b)
	}
	return resolved, nil
}

// ResolveProductTypes validates a product type selection. An empty selection
// means every known product type.
func (r *Registry) ResolveProductTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(r.productTypes), nil
	}
	resolved := make([]string, 0, len(requested))
	for _, pt := range requested {
		pt = strings.ToUpper(pt)
		if !slices.Contains(r.productTypes, pt) {
			return nil, fmt.Errorf("unknown product type %q (known: %s)",
				pt, strings.Join(r.productTypes, ", "))
		}
		resolved = append(resolved, pt)
	}
	return resolved, nil
}
