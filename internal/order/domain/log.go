package domain

import "time"

const (
	ActionCreate       = "create"
	ActionStatusChange = "status_change"
)

// OrderLog is an append-only audit entry. FromStatus is empty for creation.
type OrderLog struct {
	ID         int64
	OrderID    OrderID
	Action     string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Note       string
	CreatedAt  time.Time
}
