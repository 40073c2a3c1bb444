package httpapi

import (
	"time"

	"github.com/nazeru/storefront-orders/internal/order/builder"
	"github.com/nazeru/storefront-orders/internal/order/domain"
)

type cartLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}

type createOrderRequest struct {
	StoreID        int64      `json:"store_id" binding:"required"`
	CustomerID     int64      `json:"customer_id" binding:"required"`
	Lines          []cartLine `json:"lines"`
	CouponID       *int64     `json:"coupon_id"`
	Remark         string     `json:"remark"`
	Destination    string     `json:"destination"`
	DeliveryMethod string     `json:"delivery_method"`
	Freight        int64      `json:"freight" binding:"gte=0"`
	PaymentMethod  string     `json:"payment_method"`
}

func (r createOrderRequest) toBuild(key string) builder.Request {
	req := builder.Request{
		StoreID:        domain.StoreID(r.StoreID),
		CustomerID:     domain.CustomerID(r.CustomerID),
		Lines:          make([]builder.CartLine, 0, len(r.Lines)),
		Remark:         r.Remark,
		Destination:    r.Destination,
		DeliveryMethod: domain.DeliveryMethod(r.DeliveryMethod),
		Freight:        r.Freight,
		PaymentMethod:  r.PaymentMethod,
		IdempotencyKey: key,
	}
	for _, l := range r.Lines {
		req.Lines = append(req.Lines, builder.CartLine{ItemID: domain.ItemID(l.ItemID), Quantity: l.Quantity})
	}
	if r.CouponID != nil {
		id := domain.CouponID(*r.CouponID)
		req.CouponID = &id
	}
	return req
}

type receiptResponse struct {
	OrderID  int64 `json:"order_id"`
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

func receiptOf(r builder.Receipt) receiptResponse {
	return receiptResponse{OrderID: int64(r.OrderID), Subtotal: r.Subtotal, Discount: r.Discount, Total: r.Total}
}

type listOrdersQuery struct {
	StoreID    int64  `form:"store_id" binding:"required,gt=0"`
	CustomerID *int64 `form:"customer_id" binding:"omitempty,gt=0"`
}

func (q listOrdersQuery) customer() *domain.CustomerID {
	if q.CustomerID == nil {
		return nil
	}
	id := domain.CustomerID(*q.CustomerID)
	return &id
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

type lineResponse struct {
	ItemID    int64 `json:"item_id"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

type paymentResponse struct {
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	Method string `json:"method,omitempty"`
}

type deliveryResponse struct {
	Destination string `json:"destination,omitempty"`
	Method      string `json:"method"`
	Freight     int64  `json:"freight"`
	Status      string `json:"status"`
}

type orderResponse struct {
	ID         int64             `json:"id"`
	StoreID    int64             `json:"store_id"`
	CustomerID int64             `json:"customer_id"`
	Status     string            `json:"status"`
	Subtotal   int64             `json:"subtotal"`
	Discount   int64             `json:"discount"`
	Total      int64             `json:"total"`
	CouponID   *int64            `json:"coupon_id,omitempty"`
	Remark     string            `json:"remark,omitempty"`
	Version    int64             `json:"version"`
	Lines      []lineResponse    `json:"lines"`
	Payment    *paymentResponse  `json:"payment,omitempty"`
	Delivery   *deliveryResponse `json:"delivery,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func orderOf(o domain.Order) orderResponse {
	out := orderResponse{
		ID:         int64(o.ID),
		StoreID:    int64(o.StoreID),
		CustomerID: int64(o.CustomerID),
		Status:     string(o.Status),
		Subtotal:   o.Subtotal,
		Discount:   o.Discount,
		Total:      o.Total,
		Remark:     o.Remark,
		Version:    o.Version,
		Lines:      make([]lineResponse, 0, len(o.Lines)),
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if o.CouponID != nil {
		id := int64(*o.CouponID)
		out.CouponID = &id
	}
	for _, l := range o.Lines {
		out.Lines = append(out.Lines, lineResponse{ItemID: int64(l.ItemID), Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	if p := o.Payment; p != nil {
		out.Payment = &paymentResponse{Amount: p.Amount, Status: string(p.Status), Method: p.Method}
	}
	if d := o.Delivery; d != nil {
		out.Delivery = &deliveryResponse{Destination: d.Destination, Method: string(d.Method), Freight: d.Freight, Status: string(d.Status)}
	}
	return out
}

type logResponse struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func logsOf(logs []domain.OrderLog) []logResponse {
	out := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResponse{
			ID:         l.ID,
			Action:     l.Action,
			FromStatus: string(l.FromStatus),
			ToStatus:   string(l.ToStatus),
			Note:       l.Note,
			CreatedAt:  l.CreatedAt,
		})
	}
	return out
}
