package inventory

import (
	"context"
	"errors"
	"fmt"

	"orchard-mapper/internal/model"
	"orchard-mapper/internal/store"
)

var (
	errCoordinateNaN   = errors.New("coordinate is NaN")
	errCoordinateRange = errors.New("coordinate outside WGS84 range")
	errDiameterInvalid = errors.New("canopy diameter is negative or NaN")
)

// Merge collapses the source trees into the target: observations and
// per-sensor counters move to the target, the earliest first-observed and
// latest last-observed win, and the source identities are deleted. The
// observations themselves are never deleted. All trees must belong to the
// same field.
func Merge(ctx context.Context, trees store.TreeStore, targetID string, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return fmt.Errorf("merge into %s: no source trees given", targetID)
	}
	target, err := trees.Tree(ctx, targetID)
	if err != nil {
		return fmt.Errorf("merge target %s: %w", targetID, err)
	}

	sources := make([]model.CanonicalTree, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if id == targetID {
			return fmt.Errorf("merge target %s listed as its own source", targetID)
		}
		src, err := trees.Tree(ctx, id)
		if err != nil {
			return fmt.Errorf("merge source %s: %w", id, err)
		}
		if src.FieldID != target.FieldID {
			return fmt.Errorf("merge source %s belongs to field %s, target to %s",
				id, src.FieldID, target.FieldID)
		}
		sources = append(sources, src)
	}

	for _, src := range sources {
		target.SatelliteObs += src.SatelliteObs
		target.LidarObs += src.LidarObs
		target.ManualObs += src.ManualObs
		if !src.FirstObserved.IsZero() && src.FirstObserved.Before(target.FirstObserved) {
			target.FirstObserved = src.FirstObserved
		}
		if src.LastObserved.After(target.LastObserved) {
			target.LastObserved = src.LastObserved
		}
	}
	if target.SensorDiversity() >= 2 {
		target.IdentityConfidence = model.ConfidenceHigh
	}

	for _, src := range sources {
		if err := trees.ReassignObservations(ctx, src.ID, target.ID); err != nil {
			return fmt.Errorf("reassign observations %s -> %s: %w", src.ID, target.ID, err)
		}
	}
	if err := trees.UpsertTrees(ctx, []model.CanonicalTree{target}); err != nil {
		return fmt.Errorf("save merge target %s: %w", target.ID, err)
	}
	for _, src := range sources {
		if err := trees.DeleteTree(ctx, src.ID); err != nil {
			return fmt.Errorf("delete merged tree %s: %w", src.ID, err)
		}
	}
	return nil
}
