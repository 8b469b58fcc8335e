package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/transport"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestObserveExchangeSentAndRecvIncrementByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveExchangeSent(transport.KindWriteLockReleased)
	c.ObserveExchangeSent(transport.KindWriteLockReleased)
	c.ObserveExchangeRecv(transport.KindInvalidateCacheEntry)

	require.Equal(t, float64(2), counterValue(t, c.ExchangeMessagesSent.WithLabelValues("write_lock_released")))
	require.Equal(t, float64(1), counterValue(t, c.ExchangeMessagesRecv.WithLabelValues("invalidate_cache_entry")))
}

func TestKindLabelUnknownFallsBackToUnknown(t *testing.T) {
	require.Equal(t, "unknown", kindLabel(transport.Kind(255)))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
