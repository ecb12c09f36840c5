package metrics_test

import (
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.ObservePropose(time.Now())
	m.ObserveExecute(time.Now(), 12)
	m.SetMempool(3)
	m.IncCertificates()
	m.IncCertificates()
	m.IncDropped("votes", "out")

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, mt := range f.GetMetric() {
			switch {
			case mt.GetGauge() != nil:
				values[f.GetName()] = mt.GetGauge().GetValue()
			case mt.GetCounter() != nil:
				values[f.GetName()] += mt.GetCounter().GetValue()
			case mt.GetHistogram() != nil:
				values[f.GetName()] = float64(mt.GetHistogram().GetSampleCount())
			}
		}
	}

	require.Equal(t, 1.0, values["casino_propose_seconds"])
	require.Equal(t, 12.0, values["casino_executed_height"])
	require.Equal(t, 3.0, values["casino_mempool_depth"])
	require.Equal(t, 2.0, values["casino_certificates_processed_total"])
	require.Equal(t, 1.0, values["casino_peer_messages_dropped_total"])

	count, err := testutil.GatherAndCount(reg, "casino_execute_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = metrics.New(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics

	m.ObserveVerify(time.Now())
	m.SetFinalized(1)
	m.SetUploaded(1)
	m.IncDropped("blocks", "in")
}
