package memstore

import "github.com/nazeru/storefront-orders/internal/order/domain"

// SeedDemo loads a small catalog for local runs and the CLI scenarios.
func (s *Store) SeedDemo() {
	s.AddStore(1)
	s.AddCustomer(1)
	s.AddCustomer(2)
	s.PutItem(domain.InventoryItem{ID: 1, ProductID: 1, StoreID: 1, Name: "Ceramic mug", Price: 500, Stock: 10})
	s.PutItem(domain.InventoryItem{ID: 2, ProductID: 2, StoreID: 1, Name: "Green tea 100g", Price: 200, Stock: 5})
	s.PutItem(domain.InventoryItem{ID: 3, ProductID: 3, StoreID: 1, Name: "Signed print", Price: 3000, Stock: 1})
	s.PutItem(domain.InventoryItem{ID: 4, ProductID: 4, StoreID: 1, Name: "Draft listing", Price: 100, Stock: 50, Status: domain.ItemStatusHidden})
	s.PutCoupon(domain.Coupon{ID: 1, StoreID: 1, Kind: domain.CouponKindPercent, Magnitude: 10, MinSubtotal: 1000, RemainingUses: 1})
	s.PutCoupon(domain.Coupon{ID: 2, StoreID: 1, Kind: domain.CouponKindFixed, Magnitude: 300, RemainingUses: 100})
}
