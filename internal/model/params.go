package model

import (
	"fmt"
	"math"
)

// DetectionParams configures one detection run. Physical sizes are meters;
// pixel-space fields are derived with WithResolution once the source ground
// resolution is known. Explicit values always win over derived defaults.
type DetectionParams struct {
	// Expected canopy size range in meters.
	MinCanopyDiameterM float64 `json:"min_canopy_diameter_m" mapstructure:"min_canopy_diameter_m"`
	MaxCanopyDiameterM float64 `json:"max_canopy_diameter_m" mapstructure:"max_canopy_diameter_m"`

	// MinTreeSpacingM is the closest two distinct trees can stand; drives
	// tile-seam deduplication and LiDAR peak spacing.
	MinTreeSpacingM float64 `json:"min_tree_spacing_m" mapstructure:"min_tree_spacing_m"`

	// Tiling for bounded-memory raster scans.
	TileSizePx    int `json:"tile_size_px" mapstructure:"tile_size_px"`
	TileOverlapPx int `json:"tile_overlap_px" mapstructure:"tile_overlap_px"`

	// SmoothingSigma blurs the index/height surface before peak search so a
	// canopy's internal texture collapses to one maximum.
	SmoothingSigma float64 `json:"smoothing_sigma" mapstructure:"smoothing_sigma"`

	// Blob search tuning. Lower threshold finds more, weaker candidates.
	BlobThreshold float64 `json:"blob_threshold" mapstructure:"blob_threshold"`
	BlobOverlap   float64 `json:"blob_overlap" mapstructure:"blob_overlap"`

	// Shadow rejection. Valid pixels pass a brightness percentile test OR a
	// NIR reflectance test; the OR is deliberate, AND over-rejects partial
	// shade. Tunable defaults, not protocol constants.
	ShadowBrightnessPercentile float64 `json:"shadow_brightness_percentile" mapstructure:"shadow_brightness_percentile"`
	ShadowMinNIR               float64 `json:"shadow_min_nir" mapstructure:"shadow_min_nir"`

	// LiDAR surface gridding.
	GridCellSizeM  float64 `json:"grid_cell_size_m" mapstructure:"grid_cell_size_m"`
	MinTreeHeightM float64 `json:"min_tree_height_m" mapstructure:"min_tree_height_m"`

	// CrownFraction of the peak height bounds the flood-filled crown extent.
	CrownFraction float64 `json:"crown_fraction" mapstructure:"crown_fraction"`

	// Derived pixel-space fields, set by WithResolution.
	ResolutionM float64 `json:"resolution_m,omitempty"`
	MinRadiusPx float64 `json:"min_radius_px,omitempty"`
	MaxRadiusPx float64 `json:"max_radius_px,omitempty"`
	SigmaMin    float64 `json:"sigma_min,omitempty"`
	SigmaMax    float64 `json:"sigma_max,omitempty"`
}

// DefaultDetectionParams returns defaults tuned for mature orchard canopies.
func DefaultDetectionParams() DetectionParams {
	return DetectionParams{
		MinCanopyDiameterM: 1.5,
		MaxCanopyDiameterM: 8.0,
		MinTreeSpacingM:    2.0,

		TileSizePx:    1024,
		TileOverlapPx: 64,

		SmoothingSigma: 1.0,
		BlobThreshold:  0.05,
		BlobOverlap:    0.5,

		ShadowBrightnessPercentile: 0.05,
		ShadowMinNIR:               0.12,

		GridCellSizeM:  0.5,
		MinTreeHeightM: 1.0,
		CrownFraction:  0.5,
	}
}

// ParamsFromSpacing derives size constraints from a known planting spacing.
// Canopies rarely shrink below a fifth of the spacing or grow past row
// closure. Zero or negative spacing returns plain defaults.
func ParamsFromSpacing(spacingM float64) DetectionParams {
	p := DefaultDetectionParams()
	if spacingM <= 0 {
		return p
	}
	p.MinCanopyDiameterM = spacingM * 0.2
	p.MaxCanopyDiameterM = spacingM * 1.1
	p.MinTreeSpacingM = spacingM * 0.5
	return p
}

// WithResolution returns a copy with pixel-space fields derived from the
// ground resolution in meters per pixel. sigma = radius_px / sqrt(2), the
// Difference-of-Gaussian scale at which a blob of that radius responds
// strongest.
func (p DetectionParams) WithResolution(resolutionM float64) DetectionParams {
	p.ResolutionM = resolutionM
	if resolutionM <= 0 {
		return p
	}
	p.MinRadiusPx = (p.MinCanopyDiameterM / 2) / resolutionM
	p.MaxRadiusPx = (p.MaxCanopyDiameterM / 2) / resolutionM
	if p.MinRadiusPx < 1 {
		p.MinRadiusPx = 1
	}
	if p.MaxRadiusPx <= p.MinRadiusPx {
		p.MaxRadiusPx = p.MinRadiusPx * 2
	}
	p.SigmaMin = p.MinRadiusPx / math.Sqrt2
	p.SigmaMax = p.MaxRadiusPx / math.Sqrt2
	return p
}

// MinSpacingPx converts the inter-tree spacing to pixels at the derived
// resolution, never below one pixel.
func (p DetectionParams) MinSpacingPx() float64 {
	if p.ResolutionM <= 0 {
		return 1
	}
	px := p.MinTreeSpacingM / p.ResolutionM
	if px < 1 {
		px = 1
	}
	return px
}

// Validate checks the parameters once at submission time so the pipelines
// never have to branch on malformed configuration.
func (p DetectionParams) Validate() error {
	if p.MinCanopyDiameterM <= 0 || p.MaxCanopyDiameterM <= 0 {
		return fmt.Errorf("canopy diameter range must be positive: min=%.2f max=%.2f",
			p.MinCanopyDiameterM, p.MaxCanopyDiameterM)
	}
	if p.MaxCanopyDiameterM < p.MinCanopyDiameterM {
		return fmt.Errorf("max canopy diameter %.2f below min %.2f",
			p.MaxCanopyDiameterM, p.MinCanopyDiameterM)
	}
	if p.TileSizePx <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", p.TileSizePx)
	}
	if p.TileOverlapPx < 0 || 2*p.TileOverlapPx >= p.TileSizePx {
		return fmt.Errorf("tile overlap %d incompatible with tile size %d",
			p.TileOverlapPx, p.TileSizePx)
	}
	if p.BlobThreshold < 0 {
		return fmt.Errorf("blob threshold must not be negative, got %.3f", p.BlobThreshold)
	}
	if p.GridCellSizeM <= 0 {
		return fmt.Errorf("grid cell size must be positive, got %.2f", p.GridCellSizeM)
	}
	if p.CrownFraction <= 0 || p.CrownFraction >= 1 {
		return fmt.Errorf("crown fraction must be in (0, 1), got %.2f", p.CrownFraction)
	}
	return nil
}

// MatchParams configures one matching run.
type MatchParams struct {
	// DistanceThresholdM caps the spatial join radius between a detection
	// and an existing tree.
	DistanceThresholdM float64 `json:"distance_threshold_m" mapstructure:"distance_threshold_m"`

	// MinAcceptScore is the weighted-score floor below which the best
	// spatial neighbor is still rejected.
	MinAcceptScore float64 `json:"min_accept_score" mapstructure:"min_accept_score"`

	// Score weights: spatial distance, canopy-size similarity and
	// index/height similarity. Normalized internally.
	WeightDistance  float64 `json:"weight_distance" mapstructure:"weight_distance"`
	WeightSize      float64 `json:"weight_size" mapstructure:"weight_size"`
	WeightAttribute float64 `json:"weight_attribute" mapstructure:"weight_attribute"`

	// FullCoverage marks the fused run(s) as intended to cover the whole
	// field. Only full-coverage runs may mark unobserved trees missing.
	FullCoverage bool `json:"full_coverage" mapstructure:"full_coverage"`

	// MissingRunsToDead is the number of consecutive full-coverage misses
	// after which a missing tree is declared dead.
	MissingRunsToDead int `json:"missing_runs_to_dead" mapstructure:"missing_runs_to_dead"`
}

// DefaultMatchParams returns the fusion defaults.
func DefaultMatchParams() MatchParams {
	return MatchParams{
		DistanceThresholdM: 2.0,
		MinAcceptScore:     0.5,
		WeightDistance:     0.6,
		WeightSize:         0.25,
		WeightAttribute:    0.15,
		FullCoverage:       true,
		MissingRunsToDead:  3,
	}
}

// Validate checks matching parameters at submission time.
func (p MatchParams) Validate() error {
	if p.DistanceThresholdM <= 0 {
		return fmt.Errorf("distance threshold must be positive, got %.2f", p.DistanceThresholdM)
	}
	if p.MinAcceptScore < 0 || p.MinAcceptScore > 1 {
		return fmt.Errorf("accept score must be in [0, 1], got %.2f", p.MinAcceptScore)
	}
	if p.WeightDistance+p.WeightSize+p.WeightAttribute <= 0 {
		return fmt.Errorf("at least one score weight must be positive")
	}
	if p.MissingRunsToDead < 1 {
		return fmt.Errorf("missing-runs-to-dead must be at least 1, got %d", p.MissingRunsToDead)
	}
	return nil
}
