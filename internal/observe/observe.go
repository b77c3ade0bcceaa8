// Package observe carries pipeline observability: counters for rejected
// pixels, skipped tiles, suppressed duplicates and matching outcomes, plus
// run timings. The sink is passed explicitly through the pipelines instead
// of a global logger so tests can assert on it directly. Counters mirror
// into Prometheus collectors when a registerer is supplied.
package observe

import (
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink accumulates pipeline counters. Safe for concurrent use.
type Sink struct {
	rejectedPixels       atomic.Int64
	skippedTiles         atomic.Int64
	processedTiles       atomic.Int64
	suppressedDuplicates atomic.Int64
	skippedDetections    atomic.Int64
	treesCreated         atomic.Int64
	treesMatched         atomic.Int64
	treesMissing         atomic.Int64

	promRejectedPixels *prometheus.CounterVec
	promTiles          *prometheus.CounterVec
	promTrees          *prometheus.CounterVec
	promRunSeconds     *prometheus.HistogramVec
}

// NewSink creates a sink. reg may be nil when Prometheus export is not
// wanted (tests, one-shot CLI runs).
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{}
	if reg == nil {
		return s
	}
	s.promRejectedPixels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchard",
		Name:      "rejected_pixels_total",
		Help:      "Pixels rejected by the shadow/quality mask.",
	}, []string{"reason"})
	s.promTiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchard",
		Name:      "tiles_total",
		Help:      "Raster tiles by outcome.",
	}, []string{"outcome"})
	s.promTrees = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchard",
		Name:      "trees_total",
		Help:      "Matching engine outcomes.",
	}, []string{"outcome"})
	s.promRunSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchard",
		Name:      "run_duration_seconds",
		Help:      "Run wall time by run type.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})
	reg.MustRegister(s.promRejectedPixels, s.promTiles, s.promTrees, s.promRunSeconds)
	return s
}

func (s *Sink) AddRejectedPixels(n int) {
	s.rejectedPixels.Add(int64(n))
	if s.promRejectedPixels != nil {
		s.promRejectedPixels.WithLabelValues("shadow").Add(float64(n))
	}
}

func (s *Sink) TileSkipped() {
	s.skippedTiles.Add(1)
	if s.promTiles != nil {
		s.promTiles.WithLabelValues("skipped").Inc()
	}
}

func (s *Sink) TileProcessed() {
	s.processedTiles.Add(1)
	if s.promTiles != nil {
		s.promTiles.WithLabelValues("processed").Inc()
	}
}

func (s *Sink) AddSuppressedDuplicates(n int) {
	s.suppressedDuplicates.Add(int64(n))
	if s.promTrees != nil {
		s.promTrees.WithLabelValues("suppressed").Add(float64(n))
	}
}

func (s *Sink) DetectionSkipped() {
	s.skippedDetections.Add(1)
	if s.promTrees != nil {
		s.promTrees.WithLabelValues("skipped_detection").Inc()
	}
}

func (s *Sink) TreeCreated() {
	s.treesCreated.Add(1)
	if s.promTrees != nil {
		s.promTrees.WithLabelValues("created").Inc()
	}
}

func (s *Sink) TreeMatched() {
	s.treesMatched.Add(1)
	if s.promTrees != nil {
		s.promTrees.WithLabelValues("matched").Inc()
	}
}

func (s *Sink) TreeMissing() {
	s.treesMissing.Add(1)
	if s.promTrees != nil {
		s.promTrees.WithLabelValues("missing").Inc()
	}
}

func (s *Sink) ObserveRunDuration(runType string, d time.Duration) {
	if s.promRunSeconds != nil {
		s.promRunSeconds.WithLabelValues(runType).Observe(d.Seconds())
	}
}

// Snapshot is a point-in-time copy of the counters, for tests and run logs.
type Snapshot struct {
	RejectedPixels       int64
	SkippedTiles         int64
	ProcessedTiles       int64
	SuppressedDuplicates int64
	SkippedDetections    int64
	TreesCreated         int64
	TreesMatched         int64
	TreesMissing         int64
}

func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		RejectedPixels:       s.rejectedPixels.Load(),
		SkippedTiles:         s.skippedTiles.Load(),
		ProcessedTiles:       s.processedTiles.Load(),
		SuppressedDuplicates: s.suppressedDuplicates.Load(),
		SkippedDetections:    s.skippedDetections.Load(),
		TreesCreated:         s.treesCreated.Load(),
		TreesMatched:         s.treesMatched.Load(),
		TreesMissing:         s.treesMissing.Load(),
	}
}

// Logger returns a component-scoped structured logger.
func Logger(component string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", component)
}
