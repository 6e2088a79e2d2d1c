package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BeaconPublished()
	m.BeaconPublished()
	m.BeaconThrottled()
	m.MessageReceived("beacon")
	m.AdFetched("ok", 0.2)
	m.SetDirectoryEntries(7)

	require.Equal(t, 2.0, testutil.ToFloat64(m.BeaconsPublished))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BeaconsThrottled))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("beacon")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AdFetches.WithLabelValues("ok")))
	require.Equal(t, 7.0, testutil.ToFloat64(m.DirectoryEntries))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.BeaconPublished()
		m.AdFetched("timeout", 1)
		m.PipelineFinished("search", "succeeded")
		m.Remediation("ok")
	})
}
