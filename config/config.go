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

package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/skyrunner/internal/producer"
	"github.com/cardinalhq/skyrunner/internal/scheduler"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Producer  producer.Config `mapstructure:"producer"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

// WorkspaceConfig locates the directories the pipeline owns.
type WorkspaceConfig struct {
	// CacheDir is the durable artifact cache root (one subdirectory per band).
	CacheDir string `mapstructure:"cache_dir"`
	// OutputDir receives the per-task bundle directories.
	OutputDir string `mapstructure:"output_dir"`
	// TmpDir holds per-task staging directories, removed after packaging.
	TmpDir string `mapstructure:"tmp_dir"`
}

// ArchiveConfig describes the fixed astronomical archive.
type ArchiveConfig struct {
	// TileIndex is the CSV mapping sky regions to archive tiles. Empty
	// disables the coverage prefilter.
	TileIndex string `mapstructure:"tile_index"`
}

// LimitsConfig bounds submissions.
type LimitsConfig struct {
	MaxCatalogRows int `mapstructure:"max_catalog_rows"`
	DefaultWorkers int `mapstructure:"default_workers"`
	MaxWorkers     int `mapstructure:"max_workers"`
}

func defaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			CacheDir:  "./cache",
			OutputDir: "./downloads",
			TmpDir:    "./tmp",
		},
		Producer: producer.DefaultConfig(),
		Limits: LimitsConfig{
			MaxCatalogRows: 10000,
			DefaultWorkers: scheduler.DefaultWorkers,
			MaxWorkers:     scheduler.MaxWorkers,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "SKYRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "workspace.cache_dir"
// becomes "SKYRUNNER_WORKSPACE_CACHE_DIR".
func Load() (*Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SKYRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workspace.CacheDir == "" {
		return fmt.Errorf("workspace.cache_dir must not be empty")
	}
	if c.Workspace.OutputDir == "" {
		return fmt.Errorf("workspace.output_dir must not be empty")
	}
	if c.Workspace.TmpDir == "" {
		return fmt.Errorf("workspace.tmp_dir must not be empty")
	}
	if c.Limits.MaxWorkers < 1 || c.Limits.MaxWorkers > scheduler.MaxWorkers {
		return fmt.Errorf("limits.max_workers must be in [1, %d], got %d", scheduler.MaxWorkers, c.Limits.MaxWorkers)
	}
	if c.Limits.DefaultWorkers < 1 || c.Limits.DefaultWorkers > c.Limits.MaxWorkers {
		return fmt.Errorf("limits.default_workers must be in [1, %d], got %d", c.Limits.MaxWorkers, c.Limits.DefaultWorkers)
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
