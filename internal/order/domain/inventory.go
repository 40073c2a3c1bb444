package domain

type ItemID int64
type ProductID int64
type CouponID int64

type ItemStatus string

const (
	ItemStatusNormal ItemStatus = "NORMAL"
	ItemStatusHidden ItemStatus = "HIDDEN"
)

type InventoryItem struct {
	ID        ItemID
	ProductID ProductID
	StoreID   StoreID // store of the owning product
	Name      string
	Price     int64
	Stock     int64
	Status    ItemStatus
}

// Orderable reports whether the item can be put on an order of the given store.
func (i InventoryItem) Orderable(store StoreID) bool {
	return i.StoreID == store && i.Status != ItemStatusHidden
}

type CouponKind string

const (
	CouponKindPercent CouponKind = "PERCENT"
	CouponKindFixed   CouponKind = "FIXED"
)

type Coupon struct {
	ID            CouponID
	StoreID       StoreID
	Kind          CouponKind
	Magnitude     int64 // percent for PERCENT, currency units for FIXED
	MinSubtotal   int64
	RemainingUses int64
}
