// Package conf loads runtime configuration: detection and matching defaults,
// worker pool sizing and the store backend. Values come from an optional
// YAML file with environment-variable overrides; everything has a working
// default so a bare binary runs without any file at all.
package conf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"orchard-mapper/internal/model"
)

// Settings is the full runtime configuration.
type Settings struct {
	Detection model.DetectionParams `mapstructure:"detection"`
	Matching  model.MatchParams     `mapstructure:"matching"`

	Pool  PoolSettings  `mapstructure:"pool"`
	Store StoreSettings `mapstructure:"store"`
}

// PoolSettings sizes the run executor.
type PoolSettings struct {
	// Workers caps concurrently executing runs. Zero or negative means
	// one worker.
	Workers int `mapstructure:"workers"`

	// RetryAttempts bounds transient-I/O retries when opening sources.
	RetryAttempts int `mapstructure:"retry_attempts"`
}

// StoreSettings selects the persistence backend.
type StoreSettings struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file; ignored for the memory driver.
	Path string `mapstructure:"path"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		Detection: model.DefaultDetectionParams(),
		Matching:  model.DefaultMatchParams(),
		Pool: PoolSettings{
			Workers:       4,
			RetryAttempts: 3,
		},
		Store: StoreSettings{
			Driver: "memory",
			Path:   "orchard.db",
		},
	}
}

// Load reads configuration from path (optional; empty path loads pure
// defaults plus environment overrides). Environment variables use the
// ORCHARD_ prefix with underscores, e.g. ORCHARD_POOL_WORKERS.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("orchard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the loaded settings once so downstream code never has to.
func (s Settings) Validate() error {
	if err := s.Detection.Validate(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}
	if err := s.Matching.Validate(); err != nil {
		return fmt.Errorf("matching config: %w", err)
	}
	switch s.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", s.Store.Driver)
	}
	if s.Store.Driver == "sqlite" && s.Store.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	return nil
}

func setDefaults(v *viper.Viper, s Settings) {
	v.SetDefault("detection.min_canopy_diameter_m", s.Detection.MinCanopyDiameterM)
	v.SetDefault("detection.max_canopy_diameter_m", s.Detection.MaxCanopyDiameterM)
	v.SetDefault("detection.min_tree_spacing_m", s.Detection.MinTreeSpacingM)
	v.SetDefault("detection.tile_size_px", s.Detection.TileSizePx)
	v.SetDefault("detection.tile_overlap_px", s.Detection.TileOverlapPx)
	v.SetDefault("detection.smoothing_sigma", s.Detection.SmoothingSigma)
	v.SetDefault("detection.blob_threshold", s.Detection.BlobThreshold)
	v.SetDefault("detection.blob_overlap", s.Detection.BlobOverlap)
	v.SetDefault("detection.shadow_brightness_percentile", s.Detection.ShadowBrightnessPercentile)
	v.SetDefault("detection.shadow_min_nir", s.Detection.ShadowMinNIR)
	v.SetDefault("detection.grid_cell_size_m", s.Detection.GridCellSizeM)
	v.SetDefault("detection.min_tree_height_m", s.Detection.MinTreeHeightM)
	v.SetDefault("detection.crown_fraction", s.Detection.CrownFraction)

	v.SetDefault("matching.distance_threshold_m", s.Matching.DistanceThresholdM)
	v.SetDefault("matching.min_accept_score", s.Matching.MinAcceptScore)
	v.SetDefault("matching.weight_distance", s.Matching.WeightDistance)
	v.SetDefault("matching.weight_size", s.Matching.WeightSize)
	v.SetDefault("matching.weight_attribute", s.Matching.WeightAttribute)
	v.SetDefault("matching.full_coverage", s.Matching.FullCoverage)
	v.SetDefault("matching.missing_runs_to_dead", s.Matching.MissingRunsToDead)

	v.SetDefault("pool.workers", s.Pool.Workers)
	v.SetDefault("pool.retry_attempts", s.Pool.RetryAttempts)

	v.SetDefault("store.driver", s.Store.Driver)
	v.SetDefault("store.path", s.Store.Path)
}
