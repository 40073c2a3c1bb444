// Package memstore is an in-process implementation of store.Store.
//
// Rows are guarded by per-row locks held until commit or rollback, so the
// locking behaviour of the Postgres store (SELECT ... FOR UPDATE) is preserved:
// concurrent reservations against one item serialize and a waiter observes
// the committed stock. Writes are staged in the transaction and become
// visible to others only on commit. A wait that would close a cycle of
// lock waits fails at once, so of two transactions locking rows in
// opposite order only one is aborted.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/pkg/outbox"
)

const DefaultLockTimeout = 2 * time.Second

type Store struct {
	mu          sync.Mutex
	locks       map[string]chan struct{}
	owners      map[string]*tx
	lockTimeout time.Duration
	now         func() time.Time

	stores    map[domain.StoreID]struct{}
	customers map[domain.CustomerID]struct{}
	items     map[domain.ItemID]domain.InventoryItem
	coupons   map[domain.CouponID]domain.Coupon
	orders    map[domain.OrderID]domain.Order
	idem      map[string]domain.OrderID
	logs      []domain.OrderLog
	outbox    []outbox.Record

	orderSeq  int64
	logSeq    int64
	outboxSeq int64
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock before
// failing with domain.ErrConcurrentModification.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		locks:       make(map[string]chan struct{}),
		owners:      make(map[string]*tx),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		stores:      make(map[domain.StoreID]struct{}),
		customers:   make(map[domain.CustomerID]struct{}),
		items:       make(map[domain.ItemID]domain.InventoryItem),
		coupons:     make(map[domain.CouponID]domain.Coupon),
		orders:      make(map[domain.OrderID]domain.Order),
		idem:        make(map[string]domain.OrderID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := &tx{
		s:       s,
		held:    make(map[string]chan struct{}),
		items:   make(map[domain.ItemID]domain.InventoryItem),
		coupons: make(map[domain.CouponID]domain.Coupon),
		orders:  make(map[domain.OrderID]domain.Order),
		idem:    make(map[string]domain.OrderID),
	}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	committed = true
	return nil
}

// Admin edits. These live outside the order core and bypass row locks.

func (s *Store) AddStore(id domain.StoreID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[id] = struct{}{}
}

func (s *Store) AddCustomer(id domain.CustomerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[id] = struct{}{}
}

func (s *Store) PutItem(item domain.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = domain.ItemStatusNormal
	}
	s.items[item.ID] = item
}

func (s *Store) PutCoupon(c domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.ID] = c
}

func (s *Store) Item(id domain.ItemID) (domain.InventoryItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok
}

func (s *Store) Coupon(id domain.CouponID) (domain.Coupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[id]
	return c, ok
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// FetchPending and MarkSent make the store an outbox.Source.
func (s *Store) FetchPending(_ context.Context, limit int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.SentAt != nil {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			now := s.now()
			s.outbox[i].SentAt = &now
			return nil
		}
	}
	return domain.NotFound("outbox record", id)
}

func (s *Store) lockChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

type tx struct {
	s    *Store
	held map[string]chan struct{}
	// waiting is the lock key this tx is blocked on, guarded by s.mu.
	waiting string

	items   map[domain.ItemID]domain.InventoryItem
	coupons map[domain.CouponID]domain.Coupon
	orders  map[domain.OrderID]domain.Order
	idem    map[string]domain.OrderID
	logs    []domain.OrderLog
	outbox  []outbox.Record
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.lockChan(key)

	t.s.mu.Lock()
	if t.s.waitCycle(t, key) {
		t.s.mu.Unlock()
		return fmt.Errorf("lock %s: deadlock detected: %w", key, domain.ErrConcurrentModification)
	}
	t.waiting = key
	t.s.mu.Unlock()
	defer func() {
		t.s.mu.Lock()
		t.waiting = ""
		t.s.mu.Unlock()
	}()

	timer := time.NewTimer(t.s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		t.s.mu.Lock()
		t.s.owners[key] = t
		t.s.mu.Unlock()
		return nil
	case <-timer.C:
		return fmt.Errorf("lock %s: %w", key, domain.ErrConcurrentModification)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitCycle reports whether t waiting on key would close a cycle of lock
// waits. The caller holds s.mu.
func (s *Store) waitCycle(t *tx, key string) bool {
	for hops := 0; hops <= len(s.owners); hops++ {
		owner, ok := s.owners[key]
		if !ok {
			return false
		}
		if owner == t {
			return true
		}
		if owner.waiting == "" {
			return false
		}
		key = owner.waiting
	}
	return false
}

func (t *tx) release() {
	t.s.mu.Lock()
	for key := range t.held {
		if t.s.owners[key] == t {
			delete(t.s.owners, key)
		}
	}
	t.s.mu.Unlock()
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	for id, it := range t.items {
		s.items[id] = it
	}
	for id, c := range t.coupons {
		s.coupons[id] = c
	}
	for id, o := range t.orders {
		s.orders[id] = o
	}
	for k, id := range t.idem {
		s.idem[k] = id
	}
	s.logs = append(s.logs, t.logs...)
	s.outbox = append(s.outbox, t.outbox...)
	s.mu.Unlock()
	t.release()
}

func (t *tx) rollback() {
	t.release()
}

func itemKey(id domain.ItemID) string     { return fmt.Sprintf("item:%d", id) }
func couponKey(id domain.CouponID) string { return fmt.Sprintf("coupon:%d", id) }
func orderKey(id domain.OrderID) string   { return fmt.Sprintf("order:%d", id) }

func (t *tx) StoreExists(_ context.Context, id domain.StoreID) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.stores[id]
	return ok, nil
}

func (t *tx) CustomerExists(_ context.Context, id domain.CustomerID) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.customers[id]
	return ok, nil
}

func (t *tx) item(id domain.ItemID) (domain.InventoryItem, error) {
	if it, ok := t.items[id]; ok {
		return it, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	it, ok := t.s.items[id]
	if !ok {
		return domain.InventoryItem{}, domain.NotFound("inventory item", int64(id))
	}
	return it, nil
}

func (t *tx) GetItem(_ context.Context, id domain.ItemID) (domain.InventoryItem, error) {
	return t.item(id)
}

func (t *tx) LockItem(ctx context.Context, id domain.ItemID) (domain.InventoryItem, error) {
	if _, err := t.item(id); err != nil {
		return domain.InventoryItem{}, err
	}
	if err := t.lock(ctx, itemKey(id)); err != nil {
		return domain.InventoryItem{}, err
	}
	return t.item(id)
}

func (t *tx) SetStock(_ context.Context, id domain.ItemID, stock int64) error {
	if _, ok := t.held[itemKey(id)]; !ok {
		return fmt.Errorf("set stock: item %d is not locked", id)
	}
	if stock < 0 {
		return fmt.Errorf("set stock: item %d: negative stock %d", id, stock)
	}
	it, err := t.item(id)
	if err != nil {
		return err
	}
	it.Stock = stock
	t.items[id] = it
	return nil
}

func (t *tx) coupon(id domain.CouponID) (domain.Coupon, error) {
	if c, ok := t.coupons[id]; ok {
		return c, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.coupons[id]
	if !ok {
		return domain.Coupon{}, domain.NotFound("coupon", int64(id))
	}
	return c, nil
}

func (t *tx) LockCoupon(ctx context.Context, id domain.CouponID) (domain.Coupon, error) {
	if _, err := t.coupon(id); err != nil {
		return domain.Coupon{}, err
	}
	if err := t.lock(ctx, couponKey(id)); err != nil {
		return domain.Coupon{}, err
	}
	return t.coupon(id)
}

func (t *tx) SetRemainingUses(_ context.Context, id domain.CouponID, remaining int64) error {
	if _, ok := t.held[couponKey(id)]; !ok {
		return fmt.Errorf("set remaining uses: coupon %d is not locked", id)
	}
	c, err := t.coupon(id)
	if err != nil {
		return err
	}
	c.RemainingUses = remaining
	t.coupons[id] = c
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if key := o.IdempotencyKey; key != "" {
		if err := t.lock(ctx, "idem:"+key); err != nil {
			return err
		}
		if _, ok, _ := t.FindOrderByIdempotencyKey(ctx, key); ok {
			return fmt.Errorf("idempotency key %q: %w", key, domain.ErrDuplicateRequest)
		}
	}

	t.s.mu.Lock()
	t.s.orderSeq++
	id := domain.OrderID(t.s.orderSeq)
	now := t.s.now()
	t.s.mu.Unlock()

	if err := t.lock(ctx, orderKey(id)); err != nil {
		return err
	}
	o.ID = id
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	t.orders[id] = o.Clone()
	if o.IdempotencyKey != "" {
		t.idem[o.IdempotencyKey] = id
	}
	return nil
}

func (t *tx) order(id domain.OrderID) (domain.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o.Clone(), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o, ok := t.s.orders[id]
	if !ok {
		return domain.Order{}, domain.NotFound("order", int64(id))
	}
	return o.Clone(), nil
}

func (t *tx) GetOrder(_ context.Context, id domain.OrderID) (domain.Order, error) {
	return t.order(id)
}

func (t *tx) FindOrderByIdempotencyKey(_ context.Context, key string) (domain.Order, bool, error) {
	id, ok := t.idem[key]
	if !ok {
		t.s.mu.Lock()
		id, ok = t.s.idem[key]
		t.s.mu.Unlock()
	}
	if !ok {
		return domain.Order{}, false, nil
	}
	o, err := t.order(id)
	if err != nil {
		return domain.Order{}, false, err
	}
	return o, true, nil
}

func (t *tx) ListOrders(_ context.Context, storeID domain.StoreID, customerID *domain.CustomerID) ([]domain.Order, error) {
	match := func(o domain.Order) bool {
		return o.StoreID == storeID && (customerID == nil || o.CustomerID == *customerID)
	}
	var out []domain.Order
	t.s.mu.Lock()
	for id, o := range t.s.orders {
		if _, staged := t.orders[id]; !staged && match(o) {
			out = append(out, o.Clone())
		}
	}
	t.s.mu.Unlock()
	for _, o := range t.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tx) CompareAndSetStatus(ctx context.Context, id domain.OrderID, expected int64, status domain.OrderStatus) (int64, error) {
	if _, err := t.order(id); err != nil {
		return 0, err
	}
	if err := t.lock(ctx, orderKey(id)); err != nil {
		return 0, err
	}
	o, err := t.order(id)
	if err != nil {
		return 0, err
	}
	if o.Version != expected {
		return 0, fmt.Errorf("order %d: version %d, expected %d: %w", id, o.Version, expected, domain.ErrConcurrentModification)
	}
	o.Status = status
	o.Version++
	o.UpdatedAt = t.s.now()
	t.orders[id] = o
	return o.Version, nil
}

// lockedOrder returns the order for modification; the caller must already
// hold its row lock through InsertOrder or CompareAndSetStatus.
func (t *tx) lockedOrder(id domain.OrderID) (domain.Order, error) {
	if _, ok := t.held[orderKey(id)]; !ok {
		return domain.Order{}, fmt.Errorf("order %d is not locked", id)
	}
	return t.order(id)
}

func (t *tx) SetPaymentStatus(_ context.Context, id domain.OrderID, status domain.PaymentStatus) error {
	o, err := t.lockedOrder(id)
	if err != nil {
		return err
	}
	if o.Payment == nil {
		return domain.NotFound("payment for order", int64(id))
	}
	o.Payment.Status = status
	t.orders[id] = o
	return nil
}

func (t *tx) SetDeliveryStatus(_ context.Context, id domain.OrderID, status domain.DeliveryStatus) error {
	o, err := t.lockedOrder(id)
	if err != nil {
		return err
	}
	if o.Delivery == nil {
		return domain.NotFound("delivery for order", int64(id))
	}
	o.Delivery.Status = status
	t.orders[id] = o
	return nil
}

func (t *tx) AppendLog(_ context.Context, entry *domain.OrderLog) error {
	if _, err := t.order(entry.OrderID); err != nil {
		return err
	}
	t.s.mu.Lock()
	t.s.logSeq++
	entry.ID = t.s.logSeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.s.now()
	}
	t.s.mu.Unlock()
	t.logs = append(t.logs, *entry)
	return nil
}

func (t *tx) ListLogs(_ context.Context, id domain.OrderID) ([]domain.OrderLog, error) {
	var out []domain.OrderLog
	t.s.mu.Lock()
	for _, l := range t.s.logs {
		if l.OrderID == id {
			out = append(out, l)
		}
	}
	t.s.mu.Unlock()
	for _, l := range t.logs {
		if l.OrderID == id {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) EnqueueEvent(_ context.Context, rec outbox.Record) error {
	t.s.mu.Lock()
	t.s.outboxSeq++
	rec.ID = t.s.outboxSeq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now()
	}
	t.s.mu.Unlock()
	t.outbox = append(t.outbox, rec)
	return nil
}
