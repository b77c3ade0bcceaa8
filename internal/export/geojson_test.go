package export

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard-mapper/internal/model"
)

func TestDetections(t *testing.T) {
	raw, err := Detections([]model.CandidateDetection{
		{
			ID: "d1", RunID: "r1", Sensor: model.SensorSatellite,
			Location:        orb.Point{15.0, 42.0},
			CanopyDiameterM: 4.2, Confidence: 0.9, VegIndex: 0.71,
		},
		{
			ID: "d2", RunID: "r1", Sensor: model.SensorLidar,
			Location:        orb.Point{15.001, 42.0},
			CanopyDiameterM: 3.8, Confidence: 0.8,
			HeightM: 5.1, GroundElevM: 102.4, CanopyAreaM2: 11.3,
		},
	})
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	sat := fc.Features[0]
	assert.Equal(t, "d1", sat.ID)
	assert.Equal(t, orb.Point{15.0, 42.0}, sat.Geometry.(orb.Point))
	assert.Equal(t, "satellite", sat.Properties.MustString("sensor"))
	assert.InDelta(t, 0.71, sat.Properties.MustFloat64("veg_index"), 1e-9)
	_, hasHeight := sat.Properties["height_m"]
	assert.False(t, hasHeight, "satellite features carry no lidar attributes")

	lid := fc.Features[1]
	assert.Equal(t, "lidar", lid.Properties.MustString("sensor"))
	assert.InDelta(t, 5.1, lid.Properties.MustFloat64("height_m"), 1e-9)
	assert.InDelta(t, 102.4, lid.Properties.MustFloat64("ground_elev_m"), 1e-9)
}

func TestTrees(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := Trees([]model.CanonicalTree{{
		ID: "t1", FieldID: "f1",
		Location: orb.Point{15.0, 42.0},
		Status:   model.TreeActive, IdentityConfidence: model.ConfidenceHigh,
		HeightM: 4.9, CanopyDiameterM: 4.0, CanopyAreaM2: 12.0,
		VegIndex: 0.68, GroundElevM: 101.0,
		SatelliteObs: 2, LidarObs: 1,
		FirstObserved: now.AddDate(-1, 0, 0), LastObserved: now,
	}})
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, "t1", f.ID)
	assert.Equal(t, "active", f.Properties.MustString("status"))
	assert.Equal(t, "high", f.Properties.MustString("identity_confidence"))
	assert.InDelta(t, 4.9, f.Properties.MustFloat64("height_m"), 1e-9)
	assert.EqualValues(t, 2, f.Properties.MustInt("satellite_obs"))
}

func TestEmptyCollections(t *testing.T) {
	raw, err := Detections(nil)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
}
