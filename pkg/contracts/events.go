package contracts

import "time"

type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   int64          `json:"order_id"`
	StoreID   int64          `json:"store_id"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderCreated      = "order.created"
	EventOrderPaid         = "order.paid"
	EventOrderShipped      = "order.shipped"
	EventOrderRefunded     = "order.refunded"
	EventInventoryReleased = "inventory.released"
)
