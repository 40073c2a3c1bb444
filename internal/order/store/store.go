// Package store defines the transactional persistence contract used by the
// order core. Every public operation runs inside exactly one Tx; components
// receive the handle explicitly and never reach for ambient connections.
package store

import (
	"context"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/pkg/outbox"
)

type Store interface {
	// InTx runs fn in a transaction. A nil return commits, anything else
	// (including a panic) rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Catalog
	Inventory
	Coupons
	Orders
	Logs
	Outbox
}

type Catalog interface {
	StoreExists(ctx context.Context, id domain.StoreID) (bool, error)
	CustomerExists(ctx context.Context, id domain.CustomerID) (bool, error)
	// GetItem reads an item without locking it.
	GetItem(ctx context.Context, id domain.ItemID) (domain.InventoryItem, error)
}

// Inventory exposes row-locked access to stock counters. LockItem holds the
// row until the transaction ends.
type Inventory interface {
	LockItem(ctx context.Context, id domain.ItemID) (domain.InventoryItem, error)
	SetStock(ctx context.Context, id domain.ItemID, stock int64) error
}

type Coupons interface {
	LockCoupon(ctx context.Context, id domain.CouponID) (domain.Coupon, error)
	SetRemainingUses(ctx context.Context, id domain.CouponID, remaining int64) error
}

type Orders interface {
	// InsertOrder persists o with its lines, payment and delivery, and fills
	// in ID, Version and timestamps. A reused idempotency key yields
	// domain.ErrDuplicateRequest.
	InsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id domain.OrderID) (domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error)
	// ListOrders returns the store's orders, newest first, with their lines.
	// A nil customerID lists every customer.
	ListOrders(ctx context.Context, storeID domain.StoreID, customerID *domain.CustomerID) ([]domain.Order, error)
	// CompareAndSetStatus locks the order row and writes status only if the
	// stored version still equals expected, returning the new version.
	// Otherwise it fails with domain.ErrConcurrentModification.
	CompareAndSetStatus(ctx context.Context, id domain.OrderID, expected int64, status domain.OrderStatus) (int64, error)
	SetPaymentStatus(ctx context.Context, id domain.OrderID, status domain.PaymentStatus) error
	SetDeliveryStatus(ctx context.Context, id domain.OrderID, status domain.DeliveryStatus) error
}

type Logs interface {
	AppendLog(ctx context.Context, entry *domain.OrderLog) error
	ListLogs(ctx context.Context, id domain.OrderID) ([]domain.OrderLog, error)
}

type Outbox interface {
	EnqueueEvent(ctx context.Context, rec outbox.Record) error
}
