package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nazeru/storefront-orders/internal/order/audit"
	"github.com/nazeru/storefront-orders/internal/order/builder"
	"github.com/nazeru/storefront-orders/internal/order/coupon"
	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/ledger"
	"github.com/nazeru/storefront-orders/internal/order/lifecycle"
	"github.com/nazeru/storefront-orders/internal/order/store/memstore"
	"github.com/nazeru/storefront-orders/pkg/contracts"
	"github.com/nazeru/storefront-orders/pkg/metrics"
)

type harness struct {
	store   *memstore.Store
	svc     *Service
	metrics *metrics.CoreMetrics
	logs    *observer.ObservedLogs
}

func newHarness() *harness {
	st := memstore.New()
	st.AddStore(1)
	st.AddCustomer(1)
	st.PutItem(domain.InventoryItem{ID: 1, StoreID: 1, Price: 400, Stock: 5})

	core, logs := observer.New(zap.InfoLevel)
	m := metrics.NewCoreMetrics(prometheus.NewRegistry(), "orders")
	l, a := ledger.New(), audit.New(nil)
	svc := New(st,
		builder.New(l, coupon.NewEvaluator(), a),
		lifecycle.New(l, a),
		WithLogger(zap.New(core)),
		WithMetrics(m),
	)
	return &harness{store: st, svc: svc, metrics: m, logs: logs}
}

func (h *harness) events(t *testing.T) []contracts.Event {
	t.Helper()
	recs, err := h.store.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	out := make([]contracts.Event, 0, len(recs))
	for _, r := range recs {
		assert.Equal(t, DefaultTopic, r.Topic)
		var evt contracts.Event
		require.NoError(t, json.Unmarshal(r.Payload, &evt))
		out = append(out, evt)
	}
	return out
}

func cart(qty int64) builder.Request {
	return builder.Request{StoreID: 1, CustomerID: 1, Lines: []builder.CartLine{{ItemID: 1, Quantity: qty}}}
}

func TestBuildOrderEmitsCreatedEvent(t *testing.T) {
	h := newHarness()

	r, replayed, err := h.svc.BuildOrder(context.Background(), cart(2))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(800), r.Total)

	evts := h.events(t)
	require.Len(t, evts, 1)
	assert.Equal(t, contracts.EventOrderCreated, evts[0].Type)
	assert.Equal(t, int64(r.OrderID), evts[0].OrderID)
	assert.NotEmpty(t, evts[0].EventID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersBuilt.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.UnitsReserved))
	assert.Equal(t, 1, h.logs.FilterMessage("order built").Len())
}

func TestBuildOrderFailureEmitsNothing(t *testing.T) {
	h := newHarness()

	_, _, err := h.svc.BuildOrder(context.Background(), cart(6))
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	assert.Empty(t, h.events(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersBuilt.WithLabelValues("out_of_stock")))
	assert.Equal(t, 1, h.logs.FilterMessage("order build failed").Len())
}

func TestBuildOrderReplaysIdempotencyKey(t *testing.T) {
	h := newHarness()
	req := cart(1)
	req.IdempotencyKey = "checkout-1"

	first, replayed, err := h.svc.BuildOrder(context.Background(), req)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := h.svc.BuildOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)

	it, _ := h.store.Item(1)
	assert.Equal(t, int64(4), it.Stock)
	assert.Len(t, h.events(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersBuilt.WithLabelValues("replayed")))
}

func TestConcurrentBuildsWithSameKeyCreateOneOrder(t *testing.T) {
	h := newHarness()
	req := cart(1)
	req.IdempotencyKey = "checkout-2"

	const callers = 5
	ids := make([]domain.OrderID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := h.svc.BuildOrder(context.Background(), req)
			ids[i], errs[i] = r.OrderID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.store.OrderCount())
	it, _ := h.store.Item(1)
	assert.Equal(t, int64(4), it.Stock)
}

func TestRefundEmitsReleaseEvent(t *testing.T) {
	h := newHarness()
	r, _, err := h.svc.BuildOrder(context.Background(), cart(3))
	require.NoError(t, err)

	_, err = h.svc.TransitionOrder(context.Background(), r.OrderID, domain.OrderStatusPaid, "card ok")
	require.NoError(t, err)
	o, err := h.svc.TransitionOrder(context.Background(), r.OrderID, domain.OrderStatusRefund, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefund, o.Status)

	var types []string
	for _, e := range h.events(t) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		contracts.EventOrderCreated,
		contracts.EventOrderPaid,
		contracts.EventOrderRefunded,
		contracts.EventInventoryReleased,
	}, types)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.UnitsReleased))

	logs, err := h.svc.OrderLogs(context.Background(), r.OrderID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "customer request", logs[2].Note)
}

func TestIllegalTransitionIsCounted(t *testing.T) {
	h := newHarness()
	r, _, err := h.svc.BuildOrder(context.Background(), cart(1))
	require.NoError(t, err)

	_, err = h.svc.TransitionOrder(context.Background(), r.OrderID, domain.OrderStatusShipped, "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("SHIPPED", "illegal_transition")))
	assert.Len(t, h.events(t), 1)
}

func TestReadsReportNotFound(t *testing.T) {
	h := newHarness()
	_, err := h.svc.GetOrder(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.OrderLogs(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	h := newHarness()
	h.store.AddCustomer(2)
	ctx := context.Background()

	first, _, err := h.svc.BuildOrder(ctx, cart(1))
	require.NoError(t, err)
	other := cart(1)
	other.CustomerID = 2
	second, _, err := h.svc.BuildOrder(ctx, other)
	require.NoError(t, err)
	third, _, err := h.svc.BuildOrder(ctx, cart(2))
	require.NoError(t, err)

	all, err := h.svc.ListOrders(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []domain.OrderID{third.OrderID, second.OrderID, first.OrderID},
		[]domain.OrderID{all[0].ID, all[1].ID, all[2].ID})
	require.Len(t, all[0].Lines, 1)
	assert.Equal(t, int64(2), all[0].Lines[0].Quantity)
	require.NotNil(t, all[0].Payment)

	customer := domain.CustomerID(1)
	mine, err := h.svc.ListOrders(ctx, 1, &customer)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, third.OrderID, mine[0].ID)
	assert.Equal(t, first.OrderID, mine[1].ID)

	_, err = h.svc.ListOrders(ctx, 9, nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
