// Package export renders detections and canonical trees as GeoJSON point
// features for map display. Output only; the detection and matching
// algorithms never touch this format.
package export

import (
	"fmt"

	"github.com/paulmach/orb/geojson"

	"orchard-mapper/internal/model"
)

// Detections builds a FeatureCollection from one run's candidate detections.
func Detections(dets []model.CandidateDetection) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, d := range dets {
		f := geojson.NewFeature(d.Location)
		f.ID = d.ID
		f.Properties = geojson.Properties{
			"run_id":            d.RunID,
			"sensor":            string(d.Sensor),
			"canopy_diameter_m": d.CanopyDiameterM,
			"confidence":        d.Confidence,
		}
		switch d.Sensor {
		case model.SensorSatellite:
			f.Properties["veg_index"] = d.VegIndex
		case model.SensorLidar:
			f.Properties["height_m"] = d.HeightM
			f.Properties["ground_elev_m"] = d.GroundElevM
			f.Properties["canopy_area_m2"] = d.CanopyAreaM2
		}
		fc.Append(f)
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode detections: %w", err)
	}
	return raw, nil
}

// Trees builds a FeatureCollection from a field's canonical inventory.
func Trees(trees []model.CanonicalTree) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, t := range trees {
		f := geojson.NewFeature(t.Location)
		f.ID = t.ID
		f.Properties = geojson.Properties{
			"field_id":            t.FieldID,
			"status":              string(t.Status),
			"identity_confidence": string(t.IdentityConfidence),
			"height_m":            t.HeightM,
			"canopy_diameter_m":   t.CanopyDiameterM,
			"canopy_area_m2":      t.CanopyAreaM2,
			"veg_index":           t.VegIndex,
			"ground_elev_m":       t.GroundElevM,
			"satellite_obs":       t.SatelliteObs,
			"lidar_obs":           t.LidarObs,
			"manual_obs":          t.ManualObs,
			"first_observed":      t.FirstObserved,
			"last_observed":       t.LastObserved,
		}
		fc.Append(f)
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode trees: %w", err)
	}
	return raw, nil
}
