// Package notify turns order events into customer notifications. Each event
// is handled at most once per inbox.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/pkg/contracts"
	"github.com/nazeru/storefront-orders/pkg/logging"
)

// Inbox remembers processed events. Accept reports false for an event it
// has already seen.
type Inbox interface {
	Accept(ctx context.Context, evt contracts.Event, text string) (bool, error)
}

type Notifier struct {
	inbox  Inbox
	logger *zap.Logger
}

func New(inbox Inbox, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{inbox: inbox, logger: logger}
}

// Handle decodes one message value. Undecodable or anonymous events are
// dropped with a warning, not retried.
func (n *Notifier) Handle(ctx context.Context, value []byte) error {
	var evt contracts.Event
	if err := json.Unmarshal(value, &evt); err != nil {
		n.logger.Warn("event decode error", zap.Error(err))
		return nil
	}
	if evt.EventID == "" {
		return nil
	}
	text, ok := Message(evt)
	if !ok {
		return nil
	}
	fresh, err := n.inbox.Accept(ctx, evt, text)
	if err != nil {
		return fmt.Errorf("inbox %s: %w", evt.EventID, err)
	}
	status := "emitted"
	if !fresh {
		status = "duplicate"
	}
	n.logger.Info(text, logging.Fields{OrderID: evt.OrderID, EventID: evt.EventID, Step: evt.Type, Status: status}.Zap()...)
	return nil
}

// Message renders the customer-facing text for an event type. Events that
// customers are not told about return false.
func Message(evt contracts.Event) (string, bool) {
	switch evt.Type {
	case contracts.EventOrderCreated:
		return fmt.Sprintf("Order %d received, total %v", evt.OrderID, evt.Payload["total"]), true
	case contracts.EventOrderPaid:
		return fmt.Sprintf("Payment for order %d confirmed", evt.OrderID), true
	case contracts.EventOrderShipped:
		return fmt.Sprintf("Order %d has shipped", evt.OrderID), true
	case contracts.EventOrderRefunded:
		return fmt.Sprintf("Order %d refunded", evt.OrderID), true
	default:
		return "", false
	}
}

type MemoryInbox struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{seen: map[string]string{}}
}

func (m *MemoryInbox) Accept(_ context.Context, evt contracts.Event, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[evt.EventID]; ok {
		return false, nil
	}
	m.seen[evt.EventID] = text
	return true, nil
}

func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

type PGInbox struct {
	pool *pgxpool.Pool
}

func NewPGInbox(pool *pgxpool.Pool) *PGInbox {
	return &PGInbox{pool: pool}
}

func (p *PGInbox) Accept(ctx context.Context, evt contracts.Event, text string) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO inbox(event_id, received_at)
		VALUES ($1, now()) ON CONFLICT (event_id) DO NOTHING`, evt.EventID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `INSERT INTO notifications(event_id, order_id, type, message)
		VALUES ($1, $2, $3, $4)`, evt.EventID, evt.OrderID, evt.Type, text); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
