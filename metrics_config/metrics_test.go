package metrics_config

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorsStillCount(t *testing.T) {
	require.False(t, MetricsEnabled())
	c := NewCounter("disabled_counter", "help")
	c.Add(3)
	require.Equal(t, 3.0, testutil.ToFloat64(c))
}

func TestRegisterReturnsExisting(t *testing.T) {
	EnableMetrics()
	defer enabled.Store(false)

	a := NewGaugeVec("register_twice", "help")
	b := NewGaugeVec("register_twice", "help")
	a.WithLabelValues("x").Set(7)
	require.Equal(t, 7.0, testutil.ToFloat64(b.WithLabelValues("x")))
}

func TestProcessGaugesUpdate(t *testing.T) {
	g := newProcessGauges()
	g.update()
	require.Positive(t, testutil.ToFloat64(g.goStats.WithLabelValues("goroutines")))
	require.Positive(t, testutil.ToFloat64(g.goStats.WithLabelValues("heap_in_use")))
	require.Positive(t, testutil.ToFloat64(g.memory.WithLabelValues("rss")))
}
