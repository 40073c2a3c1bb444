// Package ledger is the single point of stock mutation. Every change goes
// through a row lock held by the caller's transaction, so stock never drops
// below zero regardless of how many callers contend on one item.
package ledger

import (
	"context"
	"fmt"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
)

type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock by quantity and returns the locked item with its
// new stock. It fails with *domain.OutOfStockError when quantity exceeds the
// stock currently on hand.
func (l *Ledger) Reserve(ctx context.Context, tx store.Inventory, id domain.ItemID, quantity int64) (domain.InventoryItem, error) {
	if quantity <= 0 {
		return domain.InventoryItem{}, fmt.Errorf("reserve item %d: %w", id, domain.ErrInvalidQuantity)
	}
	item, err := tx.LockItem(ctx, id)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if quantity > item.Stock {
		return item, &domain.OutOfStockError{ItemID: id, Requested: quantity, Available: item.Stock}
	}
	item.Stock -= quantity
	if err := tx.SetStock(ctx, id, item.Stock); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("reserve item %d: %w", id, err)
	}
	return item, nil
}

// Release returns quantity units to stock. There is no upper bound.
func (l *Ledger) Release(ctx context.Context, tx store.Inventory, id domain.ItemID, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("release item %d: %w", id, domain.ErrInvalidQuantity)
	}
	item, err := tx.LockItem(ctx, id)
	if err != nil {
		return err
	}
	if err := tx.SetStock(ctx, id, item.Stock+quantity); err != nil {
		return fmt.Errorf("release item %d: %w", id, err)
	}
	return nil
}
