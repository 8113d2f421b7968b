package metric

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.InboundAccepted()
	m.InboundMalformed()
	m.InboundMalformed()
	m.Sent(nil)
	m.Sent(errors.New("boom"))
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Matched(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	require.Equal(t, 3.0, testutil.ToFloat64(m.matches))
}

func TestNilMetricsAreNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.InboundAccepted()
	m.HandlerDone("panic")
	m.QueueDropped()
	m.Rendezvous("timeout")
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err)
}
