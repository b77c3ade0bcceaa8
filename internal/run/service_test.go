package run

import (
	"context"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/grid"
	"orchard-mapper/internal/lidar"
	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/raster"
	"orchard-mapper/internal/store"
)

func newTestService(st store.Store) *Service {
	svc := NewService(st, Synchronous{}, observe.NewSink(nil), observe.Logger("test"))
	svc.RetryAttempts = 1
	return svc
}

// orchardRaster registers a field and a 48x48 single-canopy raster source
// and returns an in-memory reader for it.
func orchardRaster(t *testing.T, st store.Store) (fieldID, sourceID string, reader *raster.MemoryReader) {
	t.Helper()
	ctx := context.Background()

	field := model.Field{ID: "f1", Name: "block", PlantingSpacingM: 4}
	require.NoError(t, st.SaveField(ctx, field))

	const size = 48
	flat := func(v float64) *grid.Grid {
		g := grid.New(size, size)
		for i := range g.Data {
			g.Data[i] = v
		}
		return g
	}
	nir := flat(0.15)
	sigma := 4.0 / 2 / 0.5 / math.Sqrt2
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			dx := float64(col) - 24
			dy := float64(row) - 24
			nir.Set(col, row, nir.At(col, row)+0.8*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}

	src := model.RasterSource{
		ID: "s1", Path: "mem", Width: size, Height: size,
		BandCount: 4, HasNIR: true,
		Transform: geo.GeoTransform{OriginX: 500000, OriginY: 4650000, PixelW: 0.5, PixelH: -0.5},
		CRS:       geo.CRS{EPSG: 32633},
	}
	require.NoError(t, st.SaveRaster(ctx, src))

	reader = &raster.MemoryReader{
		Src:    src,
		Bands:  []*grid.Grid{flat(0.2), flat(0.25), flat(0.2), nir},
		HasNIR: true,
	}
	return field.ID, src.ID, reader
}

func TestDetectionRunCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)

	fieldID, sourceID, reader := orchardRaster(t, st)
	svc.OpenRaster = func(model.RasterSource) (raster.Reader, error) { return reader, nil }

	runID, err := svc.SubmitDetectionRun(ctx, sourceID, fieldID, model.DefaultDetectionParams())
	require.NoError(t, err)

	status, err := svc.RunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, status.Status)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.TreeCount)

	dets, err := st.DetectionsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.SensorSatellite, dets[0].Sensor)
	assert.InDelta(t, 24.0, dets[0].PixelCol, 1.0)
}

func TestDetectionRunValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	fieldID, sourceID, _ := orchardRaster(t, st)

	bad := model.DefaultDetectionParams()
	bad.TileSizePx = 0
	_, err := svc.SubmitDetectionRun(ctx, sourceID, fieldID, bad)
	assert.Error(t, err, "parameters validated at submission")

	_, err = svc.SubmitDetectionRun(ctx, "ghost", fieldID, model.DefaultDetectionParams())
	assert.Error(t, err, "unknown source rejected")

	_, err = svc.SubmitDetectionRun(ctx, sourceID, "ghost", model.DefaultDetectionParams())
	assert.Error(t, err, "unknown field rejected")
}

func TestDetectionRunOpenFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	fieldID, sourceID, _ := orchardRaster(t, st)

	src, err := st.Raster(ctx, sourceID)
	require.NoError(t, err)
	src.Path = "/nonexistent/raster.tif"
	require.NoError(t, st.SaveRaster(ctx, src))

	runID, err := svc.SubmitDetectionRun(ctx, sourceID, fieldID, model.DefaultDetectionParams())
	require.NoError(t, err, "submission succeeds, the run itself fails")

	status, err := svc.RunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, status.Status)
	assert.NotEmpty(t, status.Error)
}

func TestDetectionRunCanceled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	fieldID, sourceID, reader := orchardRaster(t, st)
	svc.OpenRaster = func(model.RasterSource) (raster.Reader, error) { return reader, nil }

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	svc.Exec = Synchronous{Ctx: canceled}

	runID, err := svc.SubmitDetectionRun(ctx, sourceID, fieldID, model.DefaultDetectionParams())
	require.NoError(t, err)

	status, err := svc.RunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCanceled, status.Status)

	dets, err := st.DetectionsByRun(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, dets, "cancellation persists no partial results")
}

// orchardCloud registers a point cloud with one canopy cluster on flat
// ground.
func orchardCloud(t *testing.T, st store.Store) (sourceID string, cloud *lidar.Cloud) {
	t.Helper()
	cloud = &lidar.Cloud{CRS: geo.CRS{EPSG: 32633}, HasClassification: true}
	for y := 0; y <= 20; y++ {
		for x := 0; x <= 20; x++ {
			cloud.Points = append(cloud.Points, lidar.Point{
				X: float64(x), Y: float64(y), Z: 100, Class: 2,
			})
		}
	}
	for dy := -2.0; dy <= 2.0; dy += 0.5 {
		for dx := -2.0; dx <= 2.0; dx += 0.5 {
			r2 := dx*dx + dy*dy
			if r2 > 4 {
				continue
			}
			cloud.Points = append(cloud.Points, lidar.Point{
				X: 10 + dx, Y: 10 + dy, Z: 100 + 5*math.Exp(-r2/2), Class: 5,
			})
		}
	}

	src := model.PointCloudSource{
		ID: "c1", Path: "mem", PointCount: len(cloud.Points),
		CRS: cloud.CRS, HasClassification: true,
		Bounds: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 20}},
	}
	require.NoError(t, st.SavePointCloud(context.Background(), src))
	return src.ID, cloud
}

func TestLidarRunCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)

	require.NoError(t, st.SaveField(ctx, model.Field{ID: "f1"}))
	sourceID, cloud := orchardCloud(t, st)
	svc.OpenCloud = func(model.PointCloudSource) (*lidar.Cloud, error) { return cloud, nil }

	runID, err := svc.SubmitDetectionRun(ctx, sourceID, "f1", model.DefaultDetectionParams())
	require.NoError(t, err)

	status, err := svc.RunStatus(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, status.Status)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.TreeCount)

	dr, err := st.DetectionRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, dr.Terrain, "terrain summary attached to lidar runs")
	assert.InDelta(t, 100.0, dr.Terrain.MinElevationM, 0.5)

	dets, err := st.DetectionsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.SensorLidar, dets[0].Sensor)
	assert.InDelta(t, 5.0, dets[0].HeightM, 0.5)
}

func TestMatchingRunMissingScenario(t *testing.T) {
	// Two sequential satellite runs; the second does not see one tree.
	// After fusing both, that tree is missing, the others active.
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	require.NoError(t, st.SaveField(ctx, model.Field{ID: "f1"}))

	completedRun := func(id string) {
		require.NoError(t, st.SaveDetectionRun(ctx, model.DetectionRun{
			ID: id, FieldID: "f1", Sensor: model.SensorSatellite,
			Status: model.RunCompleted, Params: model.DefaultDetectionParams(),
		}))
	}
	completedRun("r1")
	completedRun("r2")

	mkDet := func(id, runID string, lonOffsetM float64) model.CandidateDetection {
		return model.CandidateDetection{
			ID: id, RunID: runID, Sensor: model.SensorSatellite,
			Location:        orb.Point{13.0 + lonOffsetM/(111000*math.Cos(45*math.Pi/180)), 45.0},
			CanopyDiameterM: 4, Confidence: 0.9, VegIndex: 0.7,
		}
	}
	require.NoError(t, st.SaveDetections(ctx, []model.CandidateDetection{
		mkDet("d1", "r1", 0), mkDet("d2", "r1", 10), mkDet("d3", "r1", 20),
	}))
	require.NoError(t, st.SaveDetections(ctx, []model.CandidateDetection{
		mkDet("d4", "r2", 0.3), mkDet("d5", "r2", 10.3),
	}))

	m1, err := svc.SubmitMatchingRun(ctx, "f1", []string{"r1"}, model.DefaultMatchParams())
	require.NoError(t, err)
	mr, err := st.MatchingRun(ctx, m1)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, mr.Status)
	assert.Equal(t, 3, mr.TreesCreated)
	assert.False(t, mr.Created.IsZero())

	m2, err := svc.SubmitMatchingRun(ctx, "f1", []string{"r2"}, model.DefaultMatchParams())
	require.NoError(t, err)
	mr, err = st.MatchingRun(ctx, m2)
	require.NoError(t, err)
	assert.Equal(t, 2, mr.TreesUpdated)
	assert.Equal(t, 1, mr.TreesMissing)

	trees, err := st.TreesByField(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, trees, 3)
	statuses := map[model.TreeStatus]int{}
	for _, tree := range trees {
		statuses[tree.Status]++
	}
	assert.Equal(t, 2, statuses[model.TreeActive])
	assert.Equal(t, 1, statuses[model.TreeMissing])
}

func TestMatchingRunValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	require.NoError(t, st.SaveField(ctx, model.Field{ID: "f1"}))
	require.NoError(t, st.SaveDetectionRun(ctx, model.DetectionRun{
		ID: "pending", FieldID: "f1", Status: model.RunRunning,
	}))
	require.NoError(t, st.SaveDetectionRun(ctx, model.DetectionRun{
		ID: "other-field", FieldID: "f2", Status: model.RunCompleted,
	}))

	_, err := svc.SubmitMatchingRun(ctx, "f1", nil, model.DefaultMatchParams())
	assert.Error(t, err, "needs at least one run")

	_, err = svc.SubmitMatchingRun(ctx, "f1", []string{"pending"}, model.DefaultMatchParams())
	assert.Error(t, err, "source runs must be completed")

	_, err = svc.SubmitMatchingRun(ctx, "f1", []string{"other-field"}, model.DefaultMatchParams())
	assert.Error(t, err, "source runs must belong to the field")

	bad := model.DefaultMatchParams()
	bad.DistanceThresholdM = 0
	_, err = svc.SubmitMatchingRun(ctx, "f1", []string{"r1"}, bad)
	assert.Error(t, err)
}

func TestRunStatusUnknown(t *testing.T) {
	svc := newTestService(store.NewMemory())
	_, err := svc.RunStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSourceCoversField(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)

	// A 48x48 raster at 0.5 m/px covers 24 m, far less than the field.
	_, sourceID, _ := orchardRaster(t, st)
	field := model.Field{
		ID: "f1",
		Boundary: orb.Polygon{{
			{14.9, 41.9}, {15.1, 41.9}, {15.1, 42.1}, {14.9, 42.1}, {14.9, 41.9},
		}},
	}
	require.NoError(t, st.SaveField(ctx, field))
	covers, err := svc.SourceCoversField(ctx, sourceID, "f1")
	require.NoError(t, err)
	assert.False(t, covers)
}
