package store

import (
	"context"
	"sort"
	"sync"

	"orchard-mapper/internal/model"
)

// Memory is the in-memory Store. It favors clarity over performance and is
// the default for tests and one-shot CLI runs.
type Memory struct {
	mu           sync.RWMutex
	fields       map[string]model.Field
	rasters      map[string]model.RasterSource
	clouds       map[string]model.PointCloudSource
	detRuns      map[string]model.DetectionRun
	matchRuns    map[string]model.MatchingRun
	detections   map[string][]model.CandidateDetection // by run ID
	trees        map[string]model.CanonicalTree
	observations map[string][]model.TreeObservation // by tree ID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		fields:       make(map[string]model.Field),
		rasters:      make(map[string]model.RasterSource),
		clouds:       make(map[string]model.PointCloudSource),
		detRuns:      make(map[string]model.DetectionRun),
		matchRuns:    make(map[string]model.MatchingRun),
		detections:   make(map[string][]model.CandidateDetection),
		trees:        make(map[string]model.CanonicalTree),
		observations: make(map[string][]model.TreeObservation),
	}
}

func (m *Memory) SaveField(_ context.Context, f model.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[f.ID] = f
	return nil
}

func (m *Memory) Field(_ context.Context, id string) (model.Field, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.fields[id]; ok {
		return f, nil
	}
	return model.Field{}, ErrNotFound
}

func (m *Memory) SaveRaster(_ context.Context, s model.RasterSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rasters[s.ID] = s
	return nil
}

func (m *Memory) Raster(_ context.Context, id string) (model.RasterSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.rasters[id]; ok {
		return s, nil
	}
	return model.RasterSource{}, ErrNotFound
}

func (m *Memory) SavePointCloud(_ context.Context, s model.PointCloudSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clouds[s.ID] = s
	return nil
}

func (m *Memory) PointCloud(_ context.Context, id string) (model.PointCloudSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.clouds[id]; ok {
		return s, nil
	}
	return model.PointCloudSource{}, ErrNotFound
}

func (m *Memory) SaveDetectionRun(_ context.Context, r model.DetectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detRuns[r.ID] = r
	return nil
}

func (m *Memory) DetectionRun(_ context.Context, id string) (model.DetectionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.detRuns[id]; ok {
		return r, nil
	}
	return model.DetectionRun{}, ErrNotFound
}

func (m *Memory) SaveMatchingRun(_ context.Context, r model.MatchingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchRuns[r.ID] = r
	return nil
}

func (m *Memory) MatchingRun(_ context.Context, id string) (model.MatchingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.matchRuns[id]; ok {
		return r, nil
	}
	return model.MatchingRun{}, ErrNotFound
}

func (m *Memory) SaveDetections(_ context.Context, dets []model.CandidateDetection) error {
	if len(dets) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range dets {
		m.detections[d.RunID] = append(m.detections[d.RunID], d)
	}
	return nil
}

func (m *Memory) DetectionsByRun(_ context.Context, runID string) ([]model.CandidateDetection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CandidateDetection, len(m.detections[runID]))
	copy(out, m.detections[runID])
	return out, nil
}

func (m *Memory) UpsertTrees(_ context.Context, trees []model.CanonicalTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trees {
		m.trees[t.ID] = t
	}
	return nil
}

func (m *Memory) Tree(_ context.Context, id string) (model.CanonicalTree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.trees[id]; ok {
		return t, nil
	}
	return model.CanonicalTree{}, ErrNotFound
}

func (m *Memory) TreesByField(_ context.Context, fieldID string) ([]model.CanonicalTree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CanonicalTree
	for _, t := range m.trees {
		if t.FieldID == fieldID {
			out = append(out, t)
		}
	}
	// Map iteration order is random; callers expect stable listings.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteTree(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[id]; !ok {
		return ErrNotFound
	}
	delete(m.trees, id)
	return nil
}

func (m *Memory) AppendObservations(_ context.Context, obs []model.TreeObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range obs {
		m.observations[o.TreeID] = append(m.observations[o.TreeID], o)
	}
	return nil
}

func (m *Memory) ApplyMatchResult(_ context.Context, trees []model.CanonicalTree, obs []model.TreeObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trees {
		m.trees[t.ID] = t
	}
	for _, o := range obs {
		m.observations[o.TreeID] = append(m.observations[o.TreeID], o)
	}
	return nil
}

func (m *Memory) ObservationsByTree(_ context.Context, treeID string) ([]model.TreeObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TreeObservation, len(m.observations[treeID]))
	copy(out, m.observations[treeID])
	return out, nil
}

func (m *Memory) ReassignObservations(_ context.Context, fromTreeID, toTreeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := m.observations[fromTreeID]
	for i := range moved {
		moved[i].TreeID = toTreeID
	}
	m.observations[toTreeID] = append(m.observations[toTreeID], moved...)
	delete(m.observations, fromTreeID)
	return nil
}
