package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"orchard-mapper/internal/dedup"
	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/inventory"
	"orchard-mapper/internal/lidar"
	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/raster"
	"orchard-mapper/internal/scan"
	"orchard-mapper/internal/store"
)

// Status is what the orchestration boundary polls.
type Status struct {
	RunID    string            `json:"run_id"`
	Status   model.RunStatus   `json:"status"`
	Metrics  *model.RunMetrics `json:"metrics,omitempty"`
	Error    string            `json:"error,omitempty"`
	Finished time.Time         `json:"finished,omitempty"`
}

// Service owns run submission and execution. Detection runs across fields
// execute in parallel on the Executor; matching runs for the same field are
// serialized through a per-field mutex since the canonical tree set is the
// one piece of state shared across runs.
type Service struct {
	Store store.Store
	Exec  Executor
	Sink  *observe.Sink
	Log   *slog.Logger

	// RetryAttempts bounds transient-I/O retries when opening sources.
	RetryAttempts int

	// OpenRaster and OpenCloud are injectable for tests; nil uses the file
	// implementations.
	OpenRaster func(model.RasterSource) (raster.Reader, error)
	OpenCloud  func(model.PointCloudSource) (*lidar.Cloud, error)

	mu         sync.Mutex
	fieldLocks map[string]*sync.Mutex
	cancels    map[string]context.CancelFunc
}

func NewService(st store.Store, exec Executor, sink *observe.Sink, log *slog.Logger) *Service {
	return &Service{
		Store:         st,
		Exec:          exec,
		Sink:          sink,
		Log:           log,
		RetryAttempts: 3,
		fieldLocks:    make(map[string]*sync.Mutex),
		cancels:       make(map[string]context.CancelFunc),
	}
}

func (s *Service) fieldLock(fieldID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fieldLocks[fieldID]
	if !ok {
		l = &sync.Mutex{}
		s.fieldLocks[fieldID] = l
	}
	return l
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	delete(s.cancels, runID)
	s.mu.Unlock()
}

// CancelRun requests cooperative cancellation of an in-flight run. Partial
// results are discarded, never persisted. Unknown or finished runs are a
// no-op.
func (s *Service) CancelRun(runID string) {
	s.mu.Lock()
	cancel := s.cancels[runID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SourceCoversField reports whether a source's bounds fully contain the
// field boundary. Ingestion calls this before accepting a detection request.
func (s *Service) SourceCoversField(ctx context.Context, sourceID, fieldID string) (bool, error) {
	field, err := s.Store.Field(ctx, fieldID)
	if err != nil {
		return false, fmt.Errorf("field %s: %w", fieldID, err)
	}
	if r, err := s.Store.Raster(ctx, sourceID); err == nil {
		return s.rasterCovers(r, field), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("source %s: %w", sourceID, err)
	}
	c, err := s.Store.PointCloud(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("source %s: %w", sourceID, err)
	}
	return geoCovers(c.Bounds, c.CRS, field, s.Log), nil
}

// SubmitDetectionRun validates once, records a pending run and dispatches
// it. Fire-and-forget; poll RunStatus for completion.
func (s *Service) SubmitDetectionRun(ctx context.Context, sourceID, fieldID string, params model.DetectionParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("detection parameters: %w", err)
	}
	field, err := s.Store.Field(ctx, fieldID)
	if err != nil {
		return "", fmt.Errorf("field %s: %w", fieldID, err)
	}

	sensor := model.SensorSatellite
	if _, err := s.Store.Raster(ctx, sourceID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("source %s: %w", sourceID, err)
		}
		if _, err := s.Store.PointCloud(ctx, sourceID); err != nil {
			return "", fmt.Errorf("source %s: %w", sourceID, err)
		}
		sensor = model.SensorLidar
	}

	if covers, err := s.SourceCoversField(ctx, sourceID, fieldID); err == nil && !covers {
		s.Log.Warn("source does not fully cover field",
			"source_id", sourceID, "field_id", fieldID)
	}

	r := model.DetectionRun{
		ID:       uuid.NewString(),
		FieldID:  fieldID,
		SourceID: sourceID,
		Sensor:   sensor,
		Status:   model.RunPending,
		Params:   params,
		Created:  time.Now(),
	}
	if err := s.Store.SaveDetectionRun(ctx, r); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	s.Exec.Submit(func(jobCtx context.Context) {
		runCtx, cancel := context.WithCancel(jobCtx)
		s.track(r.ID, cancel)
		defer s.untrack(r.ID)
		defer cancel()
		s.executeDetection(runCtx, r, field)
	})
	return r.ID, nil
}

func (s *Service) executeDetection(ctx context.Context, r model.DetectionRun, field model.Field) {
	start := time.Now()
	r.Status = model.RunRunning
	r.Started = start
	if err := s.Store.SaveDetectionRun(ctx, r); err != nil {
		s.Log.Error("marking run running", "run_id", r.ID, "error", err)
		return
	}

	dets, terrain, err := s.detect(ctx, &r, field)
	r.Finished = time.Now()
	s.Sink.ObserveRunDuration("detection", r.Finished.Sub(start))

	switch {
	case errors.Is(err, context.Canceled):
		r.Status = model.RunCanceled
		r.Error = "canceled"
	case err != nil:
		r.Status = model.RunFailed
		r.Error = err.Error()
		s.Log.Error("detection run failed", "run_id", r.ID, "error", err)
	default:
		// Persist detections before the terminal status so a completed run
		// always has its detection set visible.
		if err := s.Store.SaveDetections(ctx, dets); err != nil {
			r.Status = model.RunFailed
			r.Error = fmt.Sprintf("persist detections: %v", err)
		} else {
			r.Status = model.RunCompleted
			r.Metrics = scan.Metrics(dets, field.AreaHa())
			r.Terrain = terrain
		}
	}
	if err := s.Store.SaveDetectionRun(context.WithoutCancel(ctx), r); err != nil {
		s.Log.Error("saving terminal run state", "run_id", r.ID, "error", err)
	}
}

// detect runs the sensor-specific pipeline and deduplicates the result.
func (s *Service) detect(ctx context.Context, r *model.DetectionRun, field model.Field) ([]model.CandidateDetection, *model.TerrainSummary, error) {
	switch r.Sensor {
	case model.SensorSatellite:
		dets, err := s.detectRaster(ctx, r, field)
		return dets, nil, err
	case model.SensorLidar:
		return s.detectLidar(ctx, r, field)
	default:
		return nil, nil, fmt.Errorf("unsupported sensor %q", r.Sensor)
	}
}

func (s *Service) detectRaster(ctx context.Context, r *model.DetectionRun, field model.Field) ([]model.CandidateDetection, error) {
	src, err := s.Store.Raster(ctx, r.SourceID)
	if err != nil {
		return nil, fmt.Errorf("raster %s: %w", r.SourceID, err)
	}

	open := s.OpenRaster
	if open == nil {
		open = raster.OpenFile
	}
	var reader raster.Reader
	err = s.retry(ctx, func() error {
		var openErr error
		reader, openErr = open(src)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", src.Path, err)
	}
	defer reader.Close()

	scanner := &scan.Scanner{
		Reader: reader,
		Field:  &field,
		Params: r.Params,
		RunID:  r.ID,
		Sink:   s.Sink,
		Log:    s.Log,
	}
	dets, err := scanner.Run(ctx)
	if err != nil {
		return nil, err
	}
	// Suppression works in pixel space; convert the physical spacing at the
	// source's ground resolution.
	resolution := geo.ResolutionMeters(src.Transform, src.CRS, src.Bounds())
	spacingPx := r.Params.WithResolution(resolution).MinSpacingPx()
	return dedup.Suppress(dets, spacingPx, s.Sink), nil
}

func (s *Service) detectLidar(ctx context.Context, r *model.DetectionRun, field model.Field) ([]model.CandidateDetection, *model.TerrainSummary, error) {
	src, err := s.Store.PointCloud(ctx, r.SourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("point cloud %s: %w", r.SourceID, err)
	}

	open := s.OpenCloud
	if open == nil {
		open = func(src model.PointCloudSource) (*lidar.Cloud, error) {
			return lidar.OpenXYZC(src.Path, src.CRS)
		}
	}
	var cloud *lidar.Cloud
	err = s.retry(ctx, func() error {
		var openErr error
		cloud, openErr = open(src)
		return openErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open point cloud %s: %w", src.Path, err)
	}

	clipped, err := cloud.Clip(field.Boundary)
	if err != nil {
		return nil, nil, fmt.Errorf("clip to field %s: %w", field.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	surfaces, err := lidar.BuildSurfaces(clipped, r.Params.GridCellSizeM)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	dets := lidar.DetectTreeTops(surfaces, r.Params, r.ID, s.Log)
	spacingPx := r.Params.WithResolution(surfaces.CellSizeM).MinSpacingPx()
	dets = dedup.Suppress(dets, spacingPx, s.Sink)
	return dets, lidar.SummarizeTerrain(surfaces), nil
}

// SubmitMatchingRun validates, records a pending matching run and
// dispatches it. All source runs must be completed detection runs over the
// same field.
func (s *Service) SubmitMatchingRun(ctx context.Context, fieldID string, runIDs []string, params model.MatchParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("matching parameters: %w", err)
	}
	if len(runIDs) == 0 {
		return "", fmt.Errorf("matching run needs at least one detection run")
	}
	if _, err := s.Store.Field(ctx, fieldID); err != nil {
		return "", fmt.Errorf("field %s: %w", fieldID, err)
	}
	for _, id := range runIDs {
		dr, err := s.Store.DetectionRun(ctx, id)
		if err != nil {
			return "", fmt.Errorf("detection run %s: %w", id, err)
		}
		if dr.FieldID != fieldID {
			return "", fmt.Errorf("detection run %s belongs to field %s, not %s", id, dr.FieldID, fieldID)
		}
		if dr.Status != model.RunCompleted {
			return "", fmt.Errorf("detection run %s is %s, not completed", id, dr.Status)
		}
	}

	r := model.MatchingRun{
		ID:      uuid.NewString(),
		FieldID: fieldID,
		RunIDs:  append([]string(nil), runIDs...),
		Status:  model.RunPending,
		Params:  params,
		Created: time.Now(),
	}
	if err := s.Store.SaveMatchingRun(ctx, r); err != nil {
		return "", fmt.Errorf("save matching run: %w", err)
	}

	s.Exec.Submit(func(jobCtx context.Context) {
		runCtx, cancel := context.WithCancel(jobCtx)
		s.track(r.ID, cancel)
		defer s.untrack(r.ID)
		defer cancel()
		s.executeMatching(runCtx, r)
	})
	return r.ID, nil
}

func (s *Service) executeMatching(ctx context.Context, r model.MatchingRun) {
	// One writer per field: the canonical tree set is the only state shared
	// across runs.
	lock := s.fieldLock(r.FieldID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	r.Status = model.RunRunning
	r.Started = start
	if err := s.Store.SaveMatchingRun(ctx, r); err != nil {
		s.Log.Error("marking matching run running", "run_id", r.ID, "error", err)
		return
	}

	err := s.match(ctx, &r)
	r.Finished = time.Now()
	s.Sink.ObserveRunDuration("matching", r.Finished.Sub(start))

	switch {
	case errors.Is(err, context.Canceled):
		r.Status = model.RunCanceled
		r.Error = "canceled"
	case err != nil:
		r.Status = model.RunFailed
		r.Error = err.Error()
		s.Log.Error("matching run failed", "run_id", r.ID, "error", err)
	default:
		r.Status = model.RunCompleted
	}
	if err := s.Store.SaveMatchingRun(context.WithoutCancel(ctx), r); err != nil {
		s.Log.Error("saving terminal matching state", "run_id", r.ID, "error", err)
	}
}

// match stages the fusion result in memory and persists it only when the
// whole computation succeeded, so a failed run leaves the inventory
// untouched.
func (s *Service) match(ctx context.Context, r *model.MatchingRun) error {
	trees, err := s.Store.TreesByField(ctx, r.FieldID)
	if err != nil {
		return fmt.Errorf("load trees: %w", err)
	}

	var dets []model.CandidateDetection
	for _, runID := range r.RunIDs {
		d, err := s.Store.DetectionsByRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load detections for run %s: %w", runID, err)
		}
		dets = append(dets, d...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := &inventory.Matcher{
		FieldID: r.FieldID,
		Params:  r.Params,
		Sink:    s.Sink,
		Log:     s.Log,
	}
	res := m.Match(trees, dets)

	all := append(append([]model.CanonicalTree(nil), res.NewTrees...), res.UpdatedTrees...)
	if err := s.Store.ApplyMatchResult(ctx, all, res.Observations); err != nil {
		return fmt.Errorf("persist match result: %w", err)
	}

	r.TreesCreated = res.Created
	r.TreesUpdated = res.Updated
	r.TreesMissing = res.Missing
	s.Log.Info("matching run fused",
		"run_id", r.ID, "field_id", r.FieldID,
		"created", res.Created, "updated", res.Updated,
		"missing", res.Missing, "skipped", res.Skipped)
	return nil
}

// MergeTrees collapses duplicate canonical trees; see inventory.Merge. The
// per-field lock serializes it against matching runs.
func (s *Service) MergeTrees(ctx context.Context, fieldID, targetID string, sourceIDs []string) error {
	lock := s.fieldLock(fieldID)
	lock.Lock()
	defer lock.Unlock()
	return inventory.Merge(ctx, s.Store, targetID, sourceIDs)
}

// RunStatus reports a run's state for polling. Works for both detection and
// matching runs.
func (s *Service) RunStatus(ctx context.Context, runID string) (Status, error) {
	if dr, err := s.Store.DetectionRun(ctx, runID); err == nil {
		st := Status{RunID: runID, Status: dr.Status, Error: dr.Error, Finished: dr.Finished}
		if dr.Status == model.RunCompleted {
			m := dr.Metrics
			st.Metrics = &m
		}
		return st, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Status{}, err
	}
	mr, err := s.Store.MatchingRun(ctx, runID)
	if err != nil {
		return Status{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return Status{RunID: runID, Status: mr.Status, Error: mr.Error, Finished: mr.Finished}, nil
}

// retry runs op with exponential backoff, bounded by RetryAttempts. Context
// cancellation stops retrying immediately.
func (s *Service) retry(ctx context.Context, op func() error) error {
	attempts := s.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(op, b)
}

func (s *Service) rasterCovers(r model.RasterSource, field model.Field) bool {
	return geoCovers(r.Bounds(), r.CRS, field, s.Log)
}

// geoCovers brings source-CRS bounds into WGS84 before the containment
// test. Reprojection is fail-soft, mirroring the coverage check's policy
// that an unanswerable question reports coverage rather than rejecting the
// run.
func geoCovers(bounds orb.Bound, crs geo.CRS, field model.Field, log *slog.Logger) bool {
	if !crs.Geographic() {
		corners := geo.ReprojectToWGS84([]orb.Point{bounds.Min, bounds.Max}, crs, log)
		bounds = orb.MultiPoint(corners).Bound()
	}
	return geo.CoversField(bounds, field.Boundary, log)
}
