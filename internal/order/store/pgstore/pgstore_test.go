package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/pkg/tx/compensation"
)

// newTestStore connects to TEST_DATABASE_URL; the tests are skipped without it.
func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return New(pool, 500*time.Millisecond), pool
}

type fixture struct {
	storeID    int64
	customerID int64
	itemID     int64
	couponID   int64
}

func seed(t *testing.T, pool *pgxpool.Pool, stock int64) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	var productID int64
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO stores(name) VALUES ('test') RETURNING id`).Scan(&f.storeID))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO customers(name) VALUES ('test') RETURNING id`).Scan(&f.customerID))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO products(store_id, name) VALUES ($1, 'p') RETURNING id`, f.storeID).Scan(&productID))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO inventory_items(product_id, name, price, stock) VALUES ($1, 'x', 100, $2) RETURNING id`, productID, stock).Scan(&f.itemID))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO coupons(store_id, kind, magnitude, min_subtotal, remaining_uses) VALUES ($1, 'PERCENT', 10, 0, 1) RETURNING id`, f.storeID).Scan(&f.couponID))
	return f
}

func TestLockItemAndSetStock(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		it, err := tx.LockItem(ctx, domain.ItemID(f.itemID))
		require.NoError(t, err)
		assert.Equal(t, domain.StoreID(f.storeID), it.StoreID)
		assert.Equal(t, domain.ItemStatusNormal, it.Status)
		return tx.SetStock(ctx, it.ID, it.Stock-2)
	}))

	var stock int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT stock FROM inventory_items WHERE id=$1`, f.itemID).Scan(&stock))
	assert.Equal(t, int64(3), stock)
}

func TestInsertAndLoadOrder(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()
	coupon := domain.CouponID(f.couponID)

	var id domain.OrderID
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o := &domain.Order{
			StoreID:    domain.StoreID(f.storeID),
			CustomerID: domain.CustomerID(f.customerID),
			Status:     domain.OrderStatusPending,
			Subtotal:   200,
			Discount:   20,
			Total:      180,
			CouponID:   &coupon,
			Lines:      []domain.OrderLine{{ItemID: domain.ItemID(f.itemID), Quantity: 2, UnitPrice: 100}},
			Payment:    &domain.Payment{Amount: 180, Status: domain.PaymentStatusPending},
			Delivery:   &domain.Delivery{Destination: "Taipei", Method: domain.DeliveryMethodHome, Status: domain.DeliveryStatusPending},
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		id = o.ID
		return tx.AppendLog(ctx, &domain.OrderLog{OrderID: o.ID, Action: domain.ActionCreate, ToStatus: domain.OrderStatusPending})
	}))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(180), o.Total)
		assert.Equal(t, coupon, *o.CouponID)
		require.Len(t, o.Lines, 1)
		assert.Equal(t, int64(100), o.Lines[0].UnitPrice)
		require.NotNil(t, o.Payment)
		require.NotNil(t, o.Delivery)
		assert.Equal(t, domain.DeliveryMethodHome, o.Delivery.Method)

		logs, err := tx.ListLogs(ctx, id)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.OrderStatus(""), logs[0].FromStatus)
		return nil
	}))
}

func TestCompareAndSetStatusVersionMismatch(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()

	var id domain.OrderID
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o := &domain.Order{StoreID: domain.StoreID(f.storeID), CustomerID: domain.CustomerID(f.customerID), Status: domain.OrderStatusPending}
		err := tx.InsertOrder(ctx, o)
		id = o.ID
		return err
	}))

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CompareAndSetStatus(ctx, id, 7, domain.OrderStatusPaid)
		return err
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CompareAndSetStatus(ctx, 1<<40, 1, domain.OrderStatusPaid)
		return err
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()
	key := "pg-" + time.Now().Format(time.RFC3339Nano)

	insert := func() error {
		return s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertOrder(ctx, &domain.Order{
				StoreID: domain.StoreID(f.storeID), CustomerID: domain.CustomerID(f.customerID),
				Status: domain.OrderStatusPending, IdempotencyKey: key,
			})
		})
	}
	require.NoError(t, insert())
	require.ErrorIs(t, insert(), domain.ErrDuplicateRequest)
}

func TestLockTimeoutIsConcurrentModification(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockItem(ctx, domain.ItemID(f.itemID)); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockItem(ctx, domain.ItemID(f.itemID))
		return err
	})
	close(done)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestListOrdersNewestFirst(t *testing.T) {
	s, pool := newTestStore(t)
	f := seed(t, pool, 5)
	ctx := context.Background()

	var other int64
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO customers(name) VALUES ('other') RETURNING id`).Scan(&other))

	var ids []domain.OrderID
	for _, customer := range []int64{f.customerID, other, f.customerID} {
		require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			o := &domain.Order{
				StoreID:    domain.StoreID(f.storeID),
				CustomerID: domain.CustomerID(customer),
				Status:     domain.OrderStatusPending,
				Subtotal:   100,
				Total:      100,
				Lines:      []domain.OrderLine{{ItemID: domain.ItemID(f.itemID), Quantity: 1, UnitPrice: 100}},
			}
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
			ids = append(ids, o.ID)
			return nil
		}))
	}

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		all, err := tx.ListOrders(ctx, domain.StoreID(f.storeID), nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []domain.OrderID{ids[2], ids[1], ids[0]}, []domain.OrderID{all[0].ID, all[1].ID, all[2].ID})
		require.Len(t, all[0].Lines, 1)

		customer := domain.CustomerID(f.customerID)
		mine, err := tx.ListOrders(ctx, domain.StoreID(f.storeID), &customer)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, ids[2], mine[0].ID)
		assert.Equal(t, ids[0], mine[1].ID)
		return nil
	}))
}

func TestMapErrDropsAbortedTxNoise(t *testing.T) {
	ctx := context.Background()
	var undo compensation.Stack
	for i := 0; i < 2; i++ {
		undo.Push(compensation.StepReserveInventory, func(context.Context) error {
			return &pgconn.PgError{Code: codeInFailedTx, Message: "current transaction is aborted"}
		})
	}
	cause := &pgconn.PgError{Code: codeLockNotAvailable, Message: "canceling statement due to lock timeout"}

	err := mapErr(undo.Fail(ctx, cause))
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.NotContains(t, err.Error(), codeInFailedTx)
	assert.Contains(t, err.Error(), codeLockNotAvailable)

	// A lone aborted-transaction error is still an error.
	lone := &pgconn.PgError{Code: codeInFailedTx}
	assert.Equal(t, error(lone), mapErr(lone))
}
