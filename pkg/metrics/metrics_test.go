package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCoreMetrics(reg, "orders")

	m.OrdersBuilt.WithLabelValues("ok").Inc()
	m.OrdersBuilt.WithLabelValues("out_of_stock").Inc()
	m.UnitsReserved.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersBuilt.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UnitsReserved))

	n, err := testutil.GatherAndCount(reg, "storefront_orders_orders_built_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewServerMetrics(reg, "orders")
	assert.Panics(t, func() { NewServerMetrics(reg, "orders") })
}
