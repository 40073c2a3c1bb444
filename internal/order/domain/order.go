package domain

import "time"

type OrderID int64
type StoreID int64
type CustomerID int64

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusShipped OrderStatus = "SHIPPED"
	OrderStatusRefund  OrderStatus = "REFUND"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusShipped   DeliveryStatus = "SHIPPED"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusRefunded  DeliveryStatus = "REFUNDED"
)

type DeliveryMethod string

const (
	DeliveryMethodHome    DeliveryMethod = "HOME_DELIVERY"
	DeliveryMethodPickup  DeliveryMethod = "PICKUP"
	DeliveryMethodCourier DeliveryMethod = "COURIER"
	DeliveryMethodPostal  DeliveryMethod = "POSTAL"
	DeliveryMethodOnline  DeliveryMethod = "ONLINE"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryMethodHome, DeliveryMethodPickup, DeliveryMethodCourier, DeliveryMethodPostal, DeliveryMethodOnline:
		return true
	}
	return false
}

// OrderLine keeps the unit price captured when the order was built, so later
// price edits on the item never change historical orders.
type OrderLine struct {
	ItemID    ItemID
	Quantity  int64
	UnitPrice int64 // в минимальных единицах валюты
}

func (l OrderLine) Amount() int64 {
	return l.UnitPrice * l.Quantity
}

type Payment struct {
	Amount  int64
	Status  PaymentStatus
	Method  string
	Details string
}

type Delivery struct {
	Destination string
	Method      DeliveryMethod
	Freight     int64
	Status      DeliveryStatus
	Remark      string
}

type Order struct {
	ID         OrderID
	StoreID    StoreID
	CustomerID CustomerID
	Status     OrderStatus

	Subtotal int64
	Discount int64
	Total    int64

	CouponID       *CouponID
	Remark         string
	IdempotencyKey string
	Version        int64

	Lines    []OrderLine
	Payment  *Payment
	Delivery *Delivery

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy; stores hand out clones so callers never alias
// shared rows.
func (o Order) Clone() Order {
	out := o
	if o.CouponID != nil {
		id := *o.CouponID
		out.CouponID = &id
	}
	if o.Lines != nil {
		out.Lines = append([]OrderLine(nil), o.Lines...)
	}
	if o.Payment != nil {
		p := *o.Payment
		out.Payment = &p
	}
	if o.Delivery != nil {
		d := *o.Delivery
		out.Delivery = &d
	}
	return out
}

// Subtotal sums line amounts before any discount.
func Subtotal(lines []OrderLine) int64 {
	var sum int64
	for _, l := range lines {
		sum += l.Amount()
	}
	return sum
}

// ApplyDiscount returns max(0, subtotal-discount).
func ApplyDiscount(subtotal, discount int64) int64 {
	if discount >= subtotal {
		return 0
	}
	return subtotal - discount
}
