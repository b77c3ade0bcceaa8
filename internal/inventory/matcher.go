// Package inventory maintains the canonical tree inventory: matching new
// candidate detections against existing trees, creating identities for
// unmatched detections, and ageing out trees that full-coverage runs stop
// seeing. The matcher is pure; it stages every change in a Result and the
// caller persists the whole result or nothing.
package inventory

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
)

// exactDistanceFraction of the match threshold below which a match is
// recorded as exact rather than fuzzy.
const exactDistanceFraction = 0.25

// neutralSimilarity is used when neither side carries a comparable
// attribute, so the attribute term neither helps nor hurts the score.
const neutralSimilarity = 0.5

// Result is the staged outcome of one matching pass. Nothing is persisted
// until the caller writes it; a failed run therefore leaves the inventory
// untouched.
type Result struct {
	NewTrees     []model.CanonicalTree
	UpdatedTrees []model.CanonicalTree
	Observations []model.TreeObservation

	Created int
	Updated int
	Missing int
	Skipped int
}

// Matcher fuses candidate detections into the canonical inventory of one
// field.
type Matcher struct {
	FieldID string
	Params  model.MatchParams
	Sink    *observe.Sink
	Log     *slog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Match runs one fusion pass of dets against the field's existing trees.
// Deterministic: detections are processed in descending confidence order
// with ID as the tie-break, and each tree accepts at most one detection per
// pass. Dead trees never match; missing and uncertain trees return to
// active when observed again.
func (m *Matcher) Match(trees []model.CanonicalTree, dets []model.CandidateDetection) Result {
	ordered := make([]model.CandidateDetection, len(dets))
	copy(ordered, dets)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].ID < ordered[j].ID
	})

	// Work on copies so a discarded result never leaks mutations.
	pool := make([]model.CanonicalTree, len(trees))
	copy(pool, trees)

	var res Result
	now := m.now()
	claimed := make(map[int]bool, len(pool))
	touched := make(map[int]bool, len(pool))

	for _, det := range ordered {
		if err := validateDetection(det); err != nil {
			if m.Log != nil {
				m.Log.Warn("skipping malformed detection",
					"detection_id", det.ID, "run_id", det.RunID, "error", err)
			}
			if m.Sink != nil {
				m.Sink.DetectionSkipped()
			}
			res.Skipped++
			continue
		}

		best, bestScore, bestDist := -1, 0.0, 0.0
		for i := range pool {
			if claimed[i] || pool[i].Status == model.TreeDead {
				continue
			}
			d := geo.DistanceMeters(det.Location, pool[i].Location)
			if d > m.Params.DistanceThresholdM {
				continue
			}
			s := m.score(det, pool[i], d)
			if best < 0 || s > bestScore {
				best, bestScore, bestDist = i, s, d
			}
		}

		if best < 0 || bestScore < m.Params.MinAcceptScore {
			tree, obs := m.newTree(det, now)
			res.NewTrees = append(res.NewTrees, tree)
			res.Observations = append(res.Observations, obs)
			res.Created++
			if m.Sink != nil {
				m.Sink.TreeCreated()
			}
			continue
		}

		claimed[best] = true
		touched[best] = true
		m.applyObservation(&pool[best], det, now)
		res.Observations = append(res.Observations, model.TreeObservation{
			ID:          uuid.NewString(),
			TreeID:      pool[best].ID,
			DetectionID: det.ID,
			RunID:       det.RunID,
			Sensor:      det.Sensor,
			Method:      matchMethod(bestDist, m.Params.DistanceThresholdM),
			DistanceM:   bestDist,
			ObservedAt:  now,
		})
		res.Updated++
		if m.Sink != nil {
			m.Sink.TreeMatched()
		}
	}

	if m.Params.FullCoverage {
		for i := range pool {
			if touched[i] || pool[i].Status == model.TreeDead {
				continue
			}
			if pool[i].Status != model.TreeActive && pool[i].Status != model.TreeMissing {
				continue
			}
			pool[i].ConsecutiveMisses++
			if pool[i].ConsecutiveMisses >= m.Params.MissingRunsToDead {
				pool[i].Status = model.TreeDead
			} else {
				pool[i].Status = model.TreeMissing
			}
			touched[i] = true
			res.Missing++
			if m.Sink != nil {
				m.Sink.TreeMissing()
			}
		}
	}

	for i := range pool {
		if touched[i] {
			res.UpdatedTrees = append(res.UpdatedTrees, pool[i])
		}
	}
	return res
}

// score combines normalized spatial distance, canopy-size similarity and a
// sensor-specific attribute similarity with the configured weights.
func (m *Matcher) score(det model.CandidateDetection, tree model.CanonicalTree, distM float64) float64 {
	wd, ws, wa := m.Params.WeightDistance, m.Params.WeightSize, m.Params.WeightAttribute
	total := wd + ws + wa

	distScore := 1 - distM/m.Params.DistanceThresholdM
	sizeScore := similarity(det.CanopyDiameterM, tree.CanopyDiameterM)

	attrScore := neutralSimilarity
	switch det.Sensor {
	case model.SensorLidar:
		if det.HeightM > 0 && tree.HeightM > 0 {
			attrScore = similarity(det.HeightM, tree.HeightM)
		}
	case model.SensorSatellite:
		if det.VegIndex > 0 && tree.VegIndex > 0 {
			attrScore = similarity(det.VegIndex, tree.VegIndex)
		}
	}

	return (wd*distScore + ws*sizeScore + wa*attrScore) / total
}

// similarity maps two positive magnitudes to [0, 1], 1 meaning equal.
func similarity(a, b float64) float64 {
	if a <= 0 && b <= 0 {
		return 1
	}
	max := math.Max(a, b)
	if max <= 0 {
		return 0
	}
	s := 1 - math.Abs(a-b)/max
	if s < 0 {
		return 0
	}
	return s
}

func matchMethod(distM, thresholdM float64) model.MatchMethod {
	if distM <= thresholdM*exactDistanceFraction {
		return model.MatchExact
	}
	return model.MatchFuzzy
}

func (m *Matcher) newTree(det model.CandidateDetection, now time.Time) (model.CanonicalTree, model.TreeObservation) {
	tree := model.CanonicalTree{
		ID:                 uuid.NewString(),
		FieldID:            m.FieldID,
		Location:           det.Location,
		CanopyDiameterM:    det.CanopyDiameterM,
		HeightM:            det.HeightM,
		CanopyAreaM2:       det.CanopyAreaM2,
		VegIndex:           det.VegIndex,
		GroundElevM:        det.GroundElevM,
		Status:             model.TreeActive,
		IdentityConfidence: model.ConfidenceLow,
		FirstObserved:      now,
		LastObserved:       now,
	}
	bumpSensorCount(&tree, det.Sensor)
	obs := model.TreeObservation{
		ID:          uuid.NewString(),
		TreeID:      tree.ID,
		DetectionID: det.ID,
		RunID:       det.RunID,
		Sensor:      det.Sensor,
		Method:      model.MatchExact,
		ObservedAt:  now,
	}
	return tree, obs
}

// applyObservation refreshes a tree from an accepted detection: latest
// observation wins for position and the sensor's own attributes, the miss
// counter resets and a missing or uncertain tree returns to active.
func (m *Matcher) applyObservation(tree *model.CanonicalTree, det model.CandidateDetection, now time.Time) {
	tree.Location = det.Location
	tree.CanopyDiameterM = det.CanopyDiameterM
	switch det.Sensor {
	case model.SensorLidar:
		tree.HeightM = det.HeightM
		tree.CanopyAreaM2 = det.CanopyAreaM2
		tree.GroundElevM = det.GroundElevM
	case model.SensorSatellite:
		tree.VegIndex = det.VegIndex
	}

	bumpSensorCount(tree, det.Sensor)
	tree.ConsecutiveMisses = 0
	tree.Status = model.TreeActive
	tree.LastObserved = now
	if tree.FirstObserved.IsZero() {
		tree.FirstObserved = now
	}

	// Independent sensors agreeing is stronger evidence than repeated
	// observations from one sensor.
	switch {
	case tree.SensorDiversity() >= 2:
		tree.IdentityConfidence = model.ConfidenceHigh
	case tree.ObservationCount() >= 3:
		tree.IdentityConfidence = model.ConfidenceMedium
	default:
		tree.IdentityConfidence = model.ConfidenceLow
	}
}

func bumpSensorCount(tree *model.CanonicalTree, sensor model.SensorType) {
	switch sensor {
	case model.SensorSatellite:
		tree.SatelliteObs++
	case model.SensorLidar:
		tree.LidarObs++
	case model.SensorManual:
		tree.ManualObs++
	}
}

func validateDetection(det model.CandidateDetection) error {
	lon, lat := det.Location.Lon(), det.Location.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return errCoordinateNaN
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return errCoordinateRange
	}
	if det.CanopyDiameterM < 0 || math.IsNaN(det.CanopyDiameterM) {
		return errDiameterInvalid
	}
	return nil
}
