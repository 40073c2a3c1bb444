package coupon

import (
	"context"
	"errors"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
)

// Evaluator prices at most one coupon per order and consumes one use in the
// same locked step.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the discount the coupon grants on subtotal and decrements
// its remaining uses. A nil id means no coupon: zero discount, no mutation.
func (e *Evaluator) Evaluate(ctx context.Context, tx store.Coupons, storeID domain.StoreID, id *domain.CouponID, subtotal int64) (int64, error) {
	if id == nil {
		return 0, nil
	}
	c, err := tx.LockCoupon(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, &domain.CouponInvalidError{CouponID: *id, Reason: "unknown coupon"}
	}
	if err != nil {
		return 0, err
	}

	switch {
	case c.StoreID != storeID:
		return 0, &domain.CouponInvalidError{CouponID: c.ID, Reason: "coupon belongs to another store"}
	case c.RemainingUses <= 0:
		return 0, &domain.CouponInvalidError{CouponID: c.ID, Reason: "no uses left"}
	case subtotal < c.MinSubtotal:
		return 0, &domain.CouponInvalidError{CouponID: c.ID, Reason: "subtotal below minimum"}
	}

	discount, err := Discount(c, subtotal)
	if err != nil {
		return 0, err
	}
	if err := tx.SetRemainingUses(ctx, c.ID, c.RemainingUses-1); err != nil {
		return 0, err
	}
	return discount, nil
}

// Discount computes the amount c takes off subtotal, never more than subtotal.
func Discount(c domain.Coupon, subtotal int64) (int64, error) {
	var d int64
	switch c.Kind {
	case domain.CouponKindPercent:
		d = subtotal * c.Magnitude / 100
	case domain.CouponKindFixed:
		d = c.Magnitude
	default:
		return 0, &domain.CouponInvalidError{CouponID: c.ID, Reason: "unknown coupon kind " + string(c.Kind)}
	}
	if d < 0 {
		return 0, &domain.CouponInvalidError{CouponID: c.ID, Reason: "negative discount"}
	}
	if d > subtotal {
		d = subtotal
	}
	return d, nil
}
