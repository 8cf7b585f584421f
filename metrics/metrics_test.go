package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSyncCycles_CountsByReason(t *testing.T) {
	before := testutil.ToFloat64(SyncCycles.WithLabelValues("noChange"))

	SyncCycles.WithLabelValues("noChange").Inc()

	assert.Equal(t, before+1, testutil.ToFloat64(SyncCycles.WithLabelValues("noChange")))
}

func TestPlaylistEntries_Gauge(t *testing.T) {
	PlaylistEntries.WithLabelValues("am").Set(3)
	PlaylistEntries.WithLabelValues("pm").Set(0)

	assert.Equal(t, float64(3), testutil.ToFloat64(PlaylistEntries.WithLabelValues("am")))
	assert.Equal(t, float64(0), testutil.ToFloat64(PlaylistEntries.WithLabelValues("pm")))
}
