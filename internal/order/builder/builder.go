// Package builder turns a cart into a persisted PENDING order with stock
// reserved, coupon consumed and a pending payment attached.
package builder

import (
	"context"
	"fmt"

	"github.com/nazeru/storefront-orders/internal/order/audit"
	"github.com/nazeru/storefront-orders/internal/order/coupon"
	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/ledger"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/pkg/tx/compensation"
)

type CartLine struct {
	ItemID   domain.ItemID
	Quantity int64
}

type Request struct {
	StoreID    domain.StoreID
	CustomerID domain.CustomerID
	Lines      []CartLine
	CouponID   *domain.CouponID
	Remark     string

	// A delivery is created when Destination or DeliveryMethod is set.
	Destination    string
	DeliveryMethod domain.DeliveryMethod
	Freight        int64

	PaymentMethod  string
	IdempotencyKey string
}

// Receipt is the priced breakdown returned to the caller.
type Receipt struct {
	OrderID  domain.OrderID
	Subtotal int64
	Discount int64
	Total    int64
}

func ReceiptOf(o domain.Order) Receipt {
	return Receipt{OrderID: o.ID, Subtotal: o.Subtotal, Discount: o.Discount, Total: o.Total}
}

type Builder struct {
	ledger  *ledger.Ledger
	coupons *coupon.Evaluator
	audit   *audit.Log
}

func New(l *ledger.Ledger, c *coupon.Evaluator, a *audit.Log) *Builder {
	return &Builder{ledger: l, coupons: c, audit: a}
}

// Build runs inside the caller's transaction. On any failure after the first
// reservation, the reservations made so far are released before returning,
// so the transaction never carries partial stock effects even before it is
// rolled back.
func (b *Builder) Build(ctx context.Context, tx store.Tx, req Request) (domain.Order, error) {
	if len(req.Lines) == 0 {
		return domain.Order{}, domain.ErrEmptyOrder
	}
	for i, l := range req.Lines {
		if l.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("line %d: %w", i, domain.ErrInvalidQuantity)
		}
	}
	if req.DeliveryMethod != "" && !req.DeliveryMethod.Valid() {
		return domain.Order{}, fmt.Errorf("delivery method %q: %w", req.DeliveryMethod, domain.ErrInvalidRequest)
	}
	if err := b.checkCatalog(ctx, tx, req); err != nil {
		return domain.Order{}, err
	}

	var undo compensation.Stack
	lines := make([]domain.OrderLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		item, err := b.ledger.Reserve(ctx, tx, l.ItemID, l.Quantity)
		if err != nil {
			return domain.Order{}, undo.Fail(ctx, err)
		}
		itemID, qty := l.ItemID, l.Quantity
		undo.Push(compensation.StepReserveInventory, func(ctx context.Context) error {
			return b.ledger.Release(ctx, tx, itemID, qty)
		})
		lines = append(lines, domain.OrderLine{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: item.Price})
	}

	subtotal := domain.Subtotal(lines)
	discount, err := b.coupons.Evaluate(ctx, tx, req.StoreID, req.CouponID, subtotal)
	if err != nil {
		return domain.Order{}, undo.Fail(ctx, err)
	}
	total := domain.ApplyDiscount(subtotal, discount)

	o := domain.Order{
		StoreID:        req.StoreID,
		CustomerID:     req.CustomerID,
		Status:         domain.OrderStatusPending,
		Subtotal:       subtotal,
		Discount:       discount,
		Total:          total,
		CouponID:       req.CouponID,
		Remark:         req.Remark,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
		Payment: &domain.Payment{
			Amount: total,
			Status: domain.PaymentStatusPending,
			Method: req.PaymentMethod,
		},
	}
	if req.Destination != "" || req.DeliveryMethod != "" {
		method := req.DeliveryMethod
		if method == "" {
			method = domain.DeliveryMethodHome
		}
		o.Delivery = &domain.Delivery{
			Destination: req.Destination,
			Method:      method,
			Freight:     req.Freight,
			Status:      domain.DeliveryStatusPending,
		}
	}

	if err := tx.InsertOrder(ctx, &o); err != nil {
		return domain.Order{}, undo.Fail(ctx, err)
	}
	if err := b.audit.Record(ctx, tx, o.ID, domain.ActionCreate, "", domain.OrderStatusPending, req.Remark); err != nil {
		return domain.Order{}, undo.Fail(ctx, err)
	}
	return o, nil
}

// checkCatalog verifies that store, customer and every item exist and that
// each item is orderable in this store. Nothing is locked or mutated.
func (b *Builder) checkCatalog(ctx context.Context, tx store.Catalog, req Request) error {
	ok, err := tx.StoreExists(ctx, req.StoreID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound("store", int64(req.StoreID))
	}
	ok, err = tx.CustomerExists(ctx, req.CustomerID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound("customer", int64(req.CustomerID))
	}
	for _, l := range req.Lines {
		item, err := tx.GetItem(ctx, l.ItemID)
		if err != nil {
			return err
		}
		// hidden or foreign items are reported as missing
		if !item.Orderable(req.StoreID) {
			return domain.NotFound("inventory item", int64(l.ItemID))
		}
	}
	return nil
}
