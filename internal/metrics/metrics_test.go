package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotEmpty(t *testing.T) {
	m := New()
	snap, err := m.Snapshot()
	require.NoError(t, err)
	// Unlabeled counters report zero; vec counters have no children yet.
	require.Equal(t, float64(0), snap["quota_denied_total"])
	require.NotContains(t, snap, "runs_total{status=\"succeeded\"}")
}

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.RunsTotal.WithLabelValues("succeeded").Inc()
	m.RunsTotal.WithLabelValues("succeeded").Inc()
	m.RunsTotal.WithLabelValues("failed").Inc()
	m.QuotaDeniedTotal.Inc()
	m.WorkspaceOpenTotal.WithLabelValues("warm").Inc()

	snap, err := m.Snapshot()
	require.NoError(t, err)
	require.Equal(t, float64(2), snap[`runs_total{status="succeeded"}`])
	require.Equal(t, float64(1), snap[`runs_total{status="failed"}`])
	require.Equal(t, float64(1), snap["quota_denied_total"])
	require.Equal(t, float64(1), snap[`workspace_open_total{outcome="warm"}`])
}
