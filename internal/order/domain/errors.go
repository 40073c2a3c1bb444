package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfStock             = errors.New("out of stock")
	ErrCouponInvalid          = errors.New("coupon invalid")
	ErrEmptyOrder             = errors.New("empty order")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInvalidQuantity        = fmt.Errorf("quantity must be > 0: %w", ErrInvalidRequest)
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNotFound               = errors.New("not found")

	// ErrDuplicateRequest: idempotency key already used by a committed order.
	ErrDuplicateRequest = errors.New("duplicate request")
)

type OutOfStockError struct {
	ItemID    ItemID
	Requested int64
	Available int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("item %d: insufficient stock: available %d, requested %d", e.ItemID, e.Available, e.Requested)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

type CouponInvalidError struct {
	CouponID CouponID
	Reason   string
}

func (e *CouponInvalidError) Error() string {
	return fmt.Sprintf("coupon %d invalid: %s", e.CouponID, e.Reason)
}

func (e *CouponInvalidError) Is(target error) bool { return target == ErrCouponInvalid }

type IllegalTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}
