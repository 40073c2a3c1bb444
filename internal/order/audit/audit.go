// Package audit appends order history entries. Nothing in the order core
// reads them back; they exist for reconciliation and disputes.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
)

type Log struct {
	now func() time.Time
}

func New(now func() time.Time) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{now: now}
}

// Record appends one entry. It fails only if the order does not exist or the
// store itself fails.
func (l *Log) Record(ctx context.Context, tx store.Logs, id domain.OrderID, action string, from, to domain.OrderStatus, note string) error {
	entry := domain.OrderLog{
		OrderID:    id,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		CreatedAt:  l.now(),
	}
	if err := tx.AppendLog(ctx, &entry); err != nil {
		return fmt.Errorf("audit %s order %d: %w", action, id, err)
	}
	return nil
}
