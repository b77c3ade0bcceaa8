// Package model defines the domain entities shared by the detection and
// matching pipelines: sources, runs, candidate detections and the canonical
// tree inventory. Persistence lives behind the interfaces in internal/store;
// these types carry no storage behavior.
package model

import (
	"time"

	"github.com/paulmach/orb"

	"orchard-mapper/internal/geo"
)

// SensorType identifies the origin of a detection run.
type SensorType string

const (
	SensorSatellite SensorType = "satellite"
	SensorLidar     SensorType = "lidar"
	SensorManual    SensorType = "manual"
)

// RunStatus is the lifecycle state of a detection or matching run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// TreeStatus is the lifecycle state of a canonical tree. Trees are never
// deleted, only transitioned or merged.
type TreeStatus string

const (
	TreeActive    TreeStatus = "active"
	TreeMissing   TreeStatus = "missing"
	TreeDead      TreeStatus = "dead"
	TreeUncertain TreeStatus = "uncertain"
)

// IdentityConfidence grades how sure the matching engine is that a canonical
// tree is one physical tree.
type IdentityConfidence string

const (
	ConfidenceHigh   IdentityConfidence = "high"
	ConfidenceMedium IdentityConfidence = "medium"
	ConfidenceLow    IdentityConfidence = "low"
)

// MatchMethod records how an observation was linked to a tree.
type MatchMethod string

const (
	MatchExact  MatchMethod = "exact"
	MatchFuzzy  MatchMethod = "fuzzy"
	MatchManual MatchMethod = "manual"
)

// Field is the target of every run: a named boundary polygon in WGS84.
type Field struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Boundary         orb.Polygon `json:"boundary"`
	PlantingSpacingM float64     `json:"planting_spacing_m"`
}

// AreaHa returns the boundary area in hectares.
func (f Field) AreaHa() float64 {
	return geo.FieldAreaHa(f.Boundary)
}

// RasterSource describes an ingested multispectral image. Immutable once
// ingested; the core only reads it.
type RasterSource struct {
	ID        string           `json:"id"`
	Path      string           `json:"path"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	BandCount int              `json:"band_count"`
	HasNIR    bool             `json:"has_nir"`
	Transform geo.GeoTransform `json:"transform"`
	CRS       geo.CRS          `json:"crs"`
	Captured  time.Time        `json:"captured"`
}

// Bounds returns the raster extent in source-CRS coordinates.
func (r RasterSource) Bounds() orb.Bound {
	a := r.Transform.PixelToGeo(0, 0)
	b := r.Transform.PixelToGeo(float64(r.Width), float64(r.Height))
	return orb.MultiPoint{a, b}.Bound()
}

// PointCloudSource describes an ingested LiDAR dataset. Immutable.
type PointCloudSource struct {
	ID                string    `json:"id"`
	Path              string    `json:"path"`
	PointCount        int       `json:"point_count"`
	PointDensity      float64   `json:"point_density"`
	CRS               geo.CRS   `json:"crs"`
	HasClassification bool      `json:"has_classification"`
	Bounds            orb.Bound `json:"bounds"`
	Captured          time.Time `json:"captured"`
}

// CandidateDetection is one detected canopy within a single run. Immutable
// once its run completes; only referenced afterwards, never mutated.
type CandidateDetection struct {
	ID     string     `json:"id"`
	RunID  string     `json:"run_id"`
	Sensor SensorType `json:"sensor"`

	// Pixel/grid position in the source raster or surface model.
	PixelCol float64 `json:"pixel_col"`
	PixelRow float64 `json:"pixel_row"`

	// Location is always WGS84 lon/lat, reprojected at the pipeline boundary.
	Location orb.Point `json:"location"`

	CanopyDiameterM float64 `json:"canopy_diameter_m"`
	Confidence      float64 `json:"confidence"`

	// Satellite-specific.
	VegIndex float64 `json:"veg_index,omitempty"`

	// LiDAR-specific.
	HeightM      float64 `json:"height_m,omitempty"`
	GroundElevM  float64 `json:"ground_elev_m,omitempty"`
	CanopyAreaM2 float64 `json:"canopy_area_m2,omitempty"`
}

// RunMetrics aggregates a completed detection run.
type RunMetrics struct {
	TreeCount           int     `json:"tree_count"`
	TreesPerHa          float64 `json:"trees_per_ha"`
	MeanCanopyDiameterM float64 `json:"mean_canopy_diameter_m"`
	CanopyCoverFraction float64 `json:"canopy_cover_fraction"`
}

// DetectionRun is one execution of a detection pipeline over one source and
// one field. Terminal runs are immutable.
type DetectionRun struct {
	ID       string          `json:"id"`
	FieldID  string          `json:"field_id"`
	SourceID string          `json:"source_id"`
	Sensor   SensorType      `json:"sensor"`
	Status   RunStatus       `json:"status"`
	Params   DetectionParams `json:"params"`
	Metrics  RunMetrics      `json:"metrics"`
	Terrain  *TerrainSummary `json:"terrain,omitempty"`
	Error    string          `json:"error,omitempty"`
	Created  time.Time       `json:"created"`
	Started  time.Time       `json:"started,omitempty"`
	Finished time.Time       `json:"finished,omitempty"`
}

// MatchingRun is one execution of the fusion algorithm over a field.
type MatchingRun struct {
	ID           string      `json:"id"`
	FieldID      string      `json:"field_id"`
	RunIDs       []string    `json:"run_ids"`
	Status       RunStatus   `json:"status"`
	Params       MatchParams `json:"params"`
	TreesCreated int         `json:"trees_created"`
	TreesUpdated int         `json:"trees_updated"`
	TreesMissing int         `json:"trees_missing"`
	Error        string      `json:"error,omitempty"`
	Created      time.Time   `json:"created"`
	Started      time.Time   `json:"started,omitempty"`
	Finished     time.Time   `json:"finished,omitempty"`
}

// CanonicalTree is the persistent identity of one physical tree, synthesized
// from detections across runs and sensors.
type CanonicalTree struct {
	ID      string `json:"id"`
	FieldID string `json:"field_id"`

	// Location is the most recent high-confidence observation, WGS84.
	Location orb.Point `json:"location"`

	HeightM         float64 `json:"height_m"`
	CanopyDiameterM float64 `json:"canopy_diameter_m"`
	CanopyAreaM2    float64 `json:"canopy_area_m2"`
	VegIndex        float64 `json:"veg_index"`
	GroundElevM     float64 `json:"ground_elev_m"`

	Status             TreeStatus         `json:"status"`
	IdentityConfidence IdentityConfidence `json:"identity_confidence"`
	Verified           bool               `json:"verified"`

	SatelliteObs int `json:"satellite_obs"`
	LidarObs     int `json:"lidar_obs"`
	ManualObs    int `json:"manual_obs"`

	// ConsecutiveMisses counts full-coverage matching runs in a row that did
	// not observe this tree; reset on any observation.
	ConsecutiveMisses int `json:"consecutive_misses"`

	FirstObserved time.Time `json:"first_observed"`
	LastObserved  time.Time `json:"last_observed"`
}

// ObservationCount returns the total observations across sensors.
func (t CanonicalTree) ObservationCount() int {
	return t.SatelliteObs + t.LidarObs + t.ManualObs
}

// SensorDiversity returns how many distinct sensor types have observed the
// tree. Agreement between independent sensors is stronger identity evidence
// than repeated observations from one sensor.
func (t CanonicalTree) SensorDiversity() int {
	n := 0
	if t.SatelliteObs > 0 {
		n++
	}
	if t.LidarObs > 0 {
		n++
	}
	if t.ManualObs > 0 {
		n++
	}
	return n
}

// TreeObservation links a canonical tree to the candidate detection that
// contributed to it in one run. Append-only.
type TreeObservation struct {
	ID          string      `json:"id"`
	TreeID      string      `json:"tree_id"`
	DetectionID string      `json:"detection_id"`
	RunID       string      `json:"run_id"`
	Sensor      SensorType  `json:"sensor"`
	Method      MatchMethod `json:"method"`
	DistanceM   float64     `json:"distance_m"`
	ObservedAt  time.Time   `json:"observed_at"`
}

// TerrainSummary is per-field terrain metadata derived from the LiDAR
// terrain model. It belongs to the processing run, not to individual trees.
type TerrainSummary struct {
	MinElevationM  float64 `json:"min_elevation_m"`
	MeanElevationM float64 `json:"mean_elevation_m"`
	MaxElevationM  float64 `json:"max_elevation_m"`

	MeanSlopePct float64 `json:"mean_slope_pct"`
	MaxSlopePct  float64 `json:"max_slope_pct"`

	// DominantAspect is a compass label (N, NE, ...) of the dominant
	// downhill direction.
	DominantAspect string `json:"dominant_aspect"`

	// SlopeBuckets is the fraction of cells in each slope class:
	// 0-2%, 2-5%, 5-10%, 10-15%, >15%.
	SlopeBuckets [5]float64 `json:"slope_buckets"`

	// FrostRiskFraction is the fraction of cells that are both low-lying
	// (lowest elevation decile) and nearly flat, where cold air pools.
	FrostRiskFraction float64 `json:"frost_risk_fraction"`

	// DrainageDirection is the dominant aspect label weighted by slope,
	// i.e. where surface water leaves the field.
	DrainageDirection string `json:"drainage_direction"`

	// LowSpotCount is the number of cells lower than all eight neighbors
	// by a margin, candidate ponding locations.
	LowSpotCount int `json:"low_spot_count"`
}
