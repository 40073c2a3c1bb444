package domain

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusRefund},
	OrderStatusPaid:    {OrderStatusShipped, OrderStatusRefund},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusRefund:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is an edge of the order lifecycle.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses have no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Next lists the statuses reachable from s in one step.
func (s OrderStatus) Next() []OrderStatus {
	return append([]OrderStatus(nil), transitions[s]...)
}
