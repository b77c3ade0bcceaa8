// Package store defines the repository interfaces the detection and matching
// engines persist through. Interfaces keep the algorithms testable without a
// database and let in-memory, SQLite or external persistence swap in without
// rewiring pipeline code. The core never sees SQL.
package store

import (
	"context"
	"errors"

	"orchard-mapper/internal/model"
)

// ErrNotFound keeps storage 404s consistent across implementations.
var ErrNotFound = errors.New("record not found")

type FieldStore interface {
	SaveField(ctx context.Context, f model.Field) error
	Field(ctx context.Context, id string) (model.Field, error)
}

type SourceStore interface {
	SaveRaster(ctx context.Context, s model.RasterSource) error
	Raster(ctx context.Context, id string) (model.RasterSource, error)
	SavePointCloud(ctx context.Context, s model.PointCloudSource) error
	PointCloud(ctx context.Context, id string) (model.PointCloudSource, error)
}

type RunStore interface {
	SaveDetectionRun(ctx context.Context, r model.DetectionRun) error
	DetectionRun(ctx context.Context, id string) (model.DetectionRun, error)
	SaveMatchingRun(ctx context.Context, r model.MatchingRun) error
	MatchingRun(ctx context.Context, id string) (model.MatchingRun, error)
}

type DetectionStore interface {
	// SaveDetections persists a completed run's detection set atomically;
	// partial results are never visible.
	SaveDetections(ctx context.Context, dets []model.CandidateDetection) error
	DetectionsByRun(ctx context.Context, runID string) ([]model.CandidateDetection, error)
}

type TreeStore interface {
	UpsertTrees(ctx context.Context, trees []model.CanonicalTree) error
	Tree(ctx context.Context, id string) (model.CanonicalTree, error)
	TreesByField(ctx context.Context, fieldID string) ([]model.CanonicalTree, error)
	// DeleteTree removes a tree identity after a merge. Observations are
	// reassigned, never deleted.
	DeleteTree(ctx context.Context, id string) error

	AppendObservations(ctx context.Context, obs []model.TreeObservation) error
	ObservationsByTree(ctx context.Context, treeID string) ([]model.TreeObservation, error)
	ReassignObservations(ctx context.Context, fromTreeID, toTreeID string) error

	// ApplyMatchResult persists one matching run's tree mutations and new
	// observations as a single atomic unit: either all of it becomes
	// visible or none of it does.
	ApplyMatchResult(ctx context.Context, trees []model.CanonicalTree, obs []model.TreeObservation) error
}

// Store aggregates every repository the run service needs.
type Store interface {
	FieldStore
	SourceStore
	RunStore
	DetectionStore
	TreeStore
}
