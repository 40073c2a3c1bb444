package builder

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/storefront-orders/internal/order/audit"
	"github.com/nazeru/storefront-orders/internal/order/coupon"
	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/ledger"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/internal/order/store/memstore"
)

func fixture() (*memstore.Store, *Builder) {
	s := memstore.New()
	s.AddStore(1)
	s.AddStore(2)
	s.AddCustomer(7)
	s.PutItem(domain.InventoryItem{ID: 1, StoreID: 1, Name: "mug", Price: 500, Stock: 10})
	s.PutItem(domain.InventoryItem{ID: 2, StoreID: 1, Name: "tea", Price: 200, Stock: 5})
	s.PutItem(domain.InventoryItem{ID: 3, StoreID: 1, Name: "draft", Price: 100, Stock: 5, Status: domain.ItemStatusHidden})
	s.PutItem(domain.InventoryItem{ID: 4, StoreID: 2, Name: "elsewhere", Price: 100, Stock: 5})
	s.PutCoupon(domain.Coupon{ID: 1, StoreID: 1, Kind: domain.CouponKindPercent, Magnitude: 10, MinSubtotal: 1000, RemainingUses: 1})
	return s, New(ledger.New(), coupon.NewEvaluator(), audit.New(nil))
}

func build(s *memstore.Store, b *Builder, req Request) (domain.Order, error) {
	var o domain.Order
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = b.Build(ctx, tx, req)
		return err
	})
	return o, err
}

func stock(t *testing.T, s *memstore.Store, id domain.ItemID) int64 {
	t.Helper()
	it, ok := s.Item(id)
	require.True(t, ok)
	return it.Stock
}

func couponPtr(id domain.CouponID) *domain.CouponID { return &id }

func TestBuildWithCoupon(t *testing.T) {
	s, b := fixture()

	o, err := build(s, b, Request{
		StoreID:    1,
		CustomerID: 7,
		Lines:      []CartLine{{ItemID: 1, Quantity: 2}, {ItemID: 2, Quantity: 1}},
		CouponID:   couponPtr(1),
		Remark:     "gift wrap",
	})
	require.NoError(t, err)

	r := ReceiptOf(o)
	assert.Equal(t, int64(1200), r.Subtotal)
	assert.Equal(t, int64(120), r.Discount)
	assert.Equal(t, int64(1080), r.Total)
	assert.NotZero(t, r.OrderID)

	assert.Equal(t, domain.OrderStatusPending, o.Status)
	require.NotNil(t, o.Payment)
	assert.Equal(t, int64(1080), o.Payment.Amount)
	assert.Equal(t, domain.PaymentStatusPending, o.Payment.Status)
	assert.Nil(t, o.Delivery)
	require.Len(t, o.Lines, 2)
	assert.Equal(t, int64(500), o.Lines[0].UnitPrice)

	assert.Equal(t, int64(8), stock(t, s, 1))
	assert.Equal(t, int64(4), stock(t, s, 2))
	c, _ := s.Coupon(1)
	assert.Zero(t, c.RemainingUses)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		logs, err := tx.ListLogs(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.ActionCreate, logs[0].Action)
		assert.Equal(t, domain.OrderStatusPending, logs[0].ToStatus)
		assert.Equal(t, "gift wrap", logs[0].Note)
		return nil
	}))
}

func TestBuildWithDelivery(t *testing.T) {
	s, b := fixture()

	o, err := build(s, b, Request{
		StoreID:     1,
		CustomerID:  7,
		Lines:       []CartLine{{ItemID: 2, Quantity: 1}},
		Destination: "Nevsky 1",
		Freight:     300,
	})
	require.NoError(t, err)
	require.NotNil(t, o.Delivery)
	assert.Equal(t, domain.DeliveryMethodHome, o.Delivery.Method)
	assert.Equal(t, domain.DeliveryStatusPending, o.Delivery.Status)
	assert.Equal(t, int64(200), o.Total)
}

func TestBuildOutOfStockLeavesNoTrace(t *testing.T) {
	s, b := fixture()

	_, err := build(s, b, Request{
		StoreID:    1,
		CustomerID: 7,
		Lines:      []CartLine{{ItemID: 1, Quantity: 2}, {ItemID: 2, Quantity: 6}},
		CouponID:   couponPtr(1),
	})
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	var oos *domain.OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, domain.ItemID(2), oos.ItemID)

	assert.Equal(t, int64(10), stock(t, s, 1))
	assert.Equal(t, int64(5), stock(t, s, 2))
	c, _ := s.Coupon(1)
	assert.Equal(t, int64(1), c.RemainingUses)
	assert.Zero(t, s.OrderCount())
}

func TestBuildThirdLineShortRestoresEarlierLines(t *testing.T) {
	s, b := fixture()
	s.PutItem(domain.InventoryItem{ID: 5, StoreID: 1, Name: "last", Price: 100, Stock: 1})

	_, err := build(s, b, Request{
		StoreID:    1,
		CustomerID: 7,
		Lines:      []CartLine{{ItemID: 1, Quantity: 2}, {ItemID: 2, Quantity: 1}, {ItemID: 5, Quantity: 2}},
	})
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	var oos *domain.OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, domain.ItemID(5), oos.ItemID)
	assert.Equal(t, int64(1), oos.Available)
	assert.Equal(t, int64(2), oos.Requested)

	assert.Equal(t, int64(10), stock(t, s, 1))
	assert.Equal(t, int64(5), stock(t, s, 2))
	assert.Equal(t, int64(1), stock(t, s, 5))
	assert.Zero(t, s.OrderCount())
}

func TestFailedBuildReleasesReservationsBeforeRollback(t *testing.T) {
	s, b := fixture()

	// the caller swallows the error and commits anyway
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := b.Build(ctx, tx, Request{
			StoreID:    1,
			CustomerID: 7,
			Lines:      []CartLine{{ItemID: 1, Quantity: 3}, {ItemID: 2, Quantity: 1}},
			CouponID:   couponPtr(99),
		})
		require.ErrorIs(t, err, domain.ErrCouponInvalid)
		return nil
	}))

	assert.Equal(t, int64(10), stock(t, s, 1))
	assert.Equal(t, int64(5), stock(t, s, 2))
}

func TestBuildRejections(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty cart", Request{StoreID: 1, CustomerID: 7}, domain.ErrEmptyOrder},
		{"zero quantity", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 1, Quantity: 0}}}, domain.ErrInvalidQuantity},
		{"negative quantity", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 1, Quantity: -1}}}, domain.ErrInvalidRequest},
		{"bad delivery method", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 1, Quantity: 1}}, DeliveryMethod: "DRONE"}, domain.ErrInvalidRequest},
		{"unknown store", Request{StoreID: 9, CustomerID: 7, Lines: []CartLine{{ItemID: 1, Quantity: 1}}}, domain.ErrNotFound},
		{"unknown customer", Request{StoreID: 1, CustomerID: 9, Lines: []CartLine{{ItemID: 1, Quantity: 1}}}, domain.ErrNotFound},
		{"unknown item", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 99, Quantity: 1}}}, domain.ErrNotFound},
		{"hidden item", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 3, Quantity: 1}}}, domain.ErrNotFound},
		{"item of another store", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 4, Quantity: 1}}}, domain.ErrNotFound},
		{"coupon below minimum", Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 2, Quantity: 1}}, CouponID: couponPtr(1)}, domain.ErrCouponInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, b := fixture()
			_, err := build(s, b, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, s.OrderCount())
			assert.Equal(t, int64(10), stock(t, s, 1))
			assert.Equal(t, int64(5), stock(t, s, 2))
		})
	}
}

func TestBuildDuplicateIdempotencyKey(t *testing.T) {
	s, b := fixture()
	req := Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 2, Quantity: 1}}, IdempotencyKey: "k-1"}

	_, err := build(s, b, req)
	require.NoError(t, err)

	_, err = build(s, b, req)
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	assert.Equal(t, int64(4), stock(t, s, 2))
	assert.Equal(t, 1, s.OrderCount())
}

func TestConcurrentBuildsForLastUnit(t *testing.T) {
	s, b := fixture()
	s.PutItem(domain.InventoryItem{ID: 5, StoreID: 1, Name: "last", Price: 100, Stock: 1})

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = build(s, b, Request{StoreID: 1, CustomerID: 7, Lines: []CartLine{{ItemID: 5, Quantity: 1}}})
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, domain.ErrOutOfStock)
	}
	assert.Equal(t, 1, won)
	assert.Zero(t, stock(t, s, 5))
	assert.Equal(t, 1, s.OrderCount())
}

func TestConcurrentBuildsForLastCouponUse(t *testing.T) {
	s, b := fixture()

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = build(s, b, Request{
				StoreID:    1,
				CustomerID: 7,
				Lines:      []CartLine{{ItemID: 1, Quantity: 2}, {ItemID: 2, Quantity: 1}},
				CouponID:   couponPtr(1),
			})
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, domain.ErrCouponInvalid)
	}
	assert.Equal(t, 1, won)
	c, _ := s.Coupon(1)
	assert.Zero(t, c.RemainingUses)
	assert.Equal(t, int64(10-2), stock(t, s, 1))
	assert.Equal(t, int64(5-1), stock(t, s, 2))
	assert.Equal(t, 1, s.OrderCount())
}
