// Package lifecycle executes order status transitions together with their
// payment, delivery and stock effects.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/nazeru/storefront-orders/internal/order/audit"
	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/ledger"
	"github.com/nazeru/storefront-orders/internal/order/store"
)

type Machine struct {
	ledger *ledger.Ledger
	audit  *audit.Log
}

func New(l *ledger.Ledger, a *audit.Log) *Machine {
	return &Machine{ledger: l, audit: a}
}

// Transition moves the order to status to inside the caller's transaction.
// The status write is a compare-and-set on the order version, so of two
// callers that read the same version only the first one applies; the other
// gets domain.ErrConcurrentModification.
//
// Entering REFUND releases every line back to stock. REFUND is terminal, so
// this happens at most once per order.
func (m *Machine) Transition(ctx context.Context, tx store.Tx, id domain.OrderID, to domain.OrderStatus, note string) (domain.Order, error) {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	from := o.Status
	if !to.Valid() || !from.CanTransitionTo(to) {
		return domain.Order{}, &domain.IllegalTransitionError{From: from, To: to}
	}

	if _, err := tx.CompareAndSetStatus(ctx, id, o.Version, to); err != nil {
		return domain.Order{}, err
	}

	switch to {
	case domain.OrderStatusPaid:
		if o.Payment != nil {
			if err := tx.SetPaymentStatus(ctx, id, domain.PaymentStatusPaid); err != nil {
				return domain.Order{}, err
			}
		}
	case domain.OrderStatusShipped:
		if o.Delivery != nil {
			if err := tx.SetDeliveryStatus(ctx, id, domain.DeliveryStatusShipped); err != nil {
				return domain.Order{}, err
			}
		}
	case domain.OrderStatusRefund:
		for _, l := range o.Lines {
			if err := m.ledger.Release(ctx, tx, l.ItemID, l.Quantity); err != nil {
				return domain.Order{}, fmt.Errorf("restock order %d: %w", id, err)
			}
		}
		if o.Payment != nil {
			if err := tx.SetPaymentStatus(ctx, id, domain.PaymentStatusRefunded); err != nil {
				return domain.Order{}, err
			}
		}
		if o.Delivery != nil {
			if err := tx.SetDeliveryStatus(ctx, id, domain.DeliveryStatusRefunded); err != nil {
				return domain.Order{}, err
			}
		}
	}

	if err := m.audit.Record(ctx, tx, id, domain.ActionStatusChange, from, to, note); err != nil {
		return domain.Order{}, err
	}
	return tx.GetOrder(ctx, id)
}
