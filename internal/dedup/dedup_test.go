package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard-mapper/internal/model"
	"orchard-mapper/internal/observe"
)

func det(id string, col, row, conf float64) model.CandidateDetection {
	return model.CandidateDetection{ID: id, PixelCol: col, PixelRow: row, Confidence: conf}
}

func TestSuppressKeepsStrongest(t *testing.T) {
	dets := []model.CandidateDetection{
		det("a", 10, 10, 0.9),
		det("b", 11, 10, 0.5), // seam twin of a
		det("c", 50, 50, 0.7),
	}
	kept := Suppress(dets, 4, nil)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)
}

func TestSuppressIdempotent(t *testing.T) {
	dets := []model.CandidateDetection{
		det("a", 10, 10, 0.9),
		det("b", 12, 10, 0.8),
		det("c", 14, 10, 0.7),
		det("d", 50, 50, 0.6),
	}
	once := Suppress(dets, 4, nil)
	twice := Suppress(once, 4, nil)
	assert.Equal(t, once, twice, "suppressing own output changes nothing")
}

func TestSuppressTieBreakIsOrderIndependent(t *testing.T) {
	// Equal confidence: the tie-break uses position, not input order, so
	// reversing the slice keeps the same detection.
	forward := []model.CandidateDetection{
		det("west", 10, 10, 0.5),
		det("east", 11, 10, 0.5),
	}
	reversed := []model.CandidateDetection{forward[1], forward[0]}

	kept := Suppress(forward, 4, nil)
	require.Len(t, kept, 1)
	assert.Equal(t, "west", kept[0].ID)

	keptRev := Suppress(reversed, 4, nil)
	require.Len(t, keptRev, 1)
	assert.Equal(t, "west", keptRev[0].ID)
}

func TestSuppressCountsDuplicates(t *testing.T) {
	sink := observe.NewSink(nil)
	dets := []model.CandidateDetection{
		det("a", 10, 10, 0.9),
		det("b", 10.5, 10, 0.8),
		det("c", 11, 10, 0.7),
	}
	kept := Suppress(dets, 4, sink)
	require.Len(t, kept, 1)
	assert.Equal(t, int64(2), sink.Snapshot().SuppressedDuplicates)
}

func TestSuppressNoOpCases(t *testing.T) {
	one := []model.CandidateDetection{det("a", 1, 1, 0.5)}
	assert.Equal(t, one, Suppress(one, 4, nil))

	two := []model.CandidateDetection{det("a", 1, 1, 0.5), det("b", 100, 100, 0.5)}
	assert.Len(t, Suppress(two, 0, nil), 2, "non-positive distance disables suppression")
	assert.Len(t, Suppress(two, 4, nil), 2, "distant detections untouched")
}
