package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/pkg/outbox"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeLockNotAvailable    = "55P03"
	codeDeadlockDetected    = "40P01"
	codeSerialization       = "40001"
	codeInFailedTx          = "25P02"
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// Migrate applies the embedded schema files in name order. All statements
// are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.lockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapErr turns lock contention reported by Postgres into
// domain.ErrConcurrentModification. Once a statement fails the transaction
// is aborted and every compensating statement fails with 25P02; those
// errors are dropped since the rollback undoes the same writes.
func mapErr(err error) error {
	err = dropAborted(err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerialization:
			return fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
		}
	}
	return err
}

func dropAborted(err error) error {
	if kept := pruneAborted(err); kept != nil {
		return kept
	}
	return err
}

func pruneAborted(err error) error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		if isPgCode(err, codeInFailedTx) {
			return nil
		}
		return err
	}
	var kept []error
	for _, e := range joined.Unwrap() {
		if e = pruneAborted(e); e != nil {
			kept = append(kept, e)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return errors.Join(kept...)
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) StoreExists(ctx context.Context, id domain.StoreID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stores WHERE id=$1)`, int64(id)).Scan(&ok)
	return ok, err
}

func (t *pgTx) CustomerExists(ctx context.Context, id domain.CustomerID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM customers WHERE id=$1)`, int64(id)).Scan(&ok)
	return ok, err
}

const selectItem = `SELECT i.id, i.product_id, p.store_id, i.name, i.price, i.stock, i.status
	FROM inventory_items i JOIN products p ON p.id = i.product_id
	WHERE i.id=$1`

func (t *pgTx) scanItem(ctx context.Context, query string, id domain.ItemID) (domain.InventoryItem, error) {
	var (
		itemID, productID, storeID, price, stock int64
		name, status                             string
	)
	err := t.tx.QueryRow(ctx, query, int64(id)).Scan(&itemID, &productID, &storeID, &name, &price, &stock, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.InventoryItem{}, domain.NotFound("inventory item", int64(id))
	}
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return domain.InventoryItem{
		ID:        domain.ItemID(itemID),
		ProductID: domain.ProductID(productID),
		StoreID:   domain.StoreID(storeID),
		Name:      name,
		Price:     price,
		Stock:     stock,
		Status:    domain.ItemStatus(status),
	}, nil
}

func (t *pgTx) GetItem(ctx context.Context, id domain.ItemID) (domain.InventoryItem, error) {
	return t.scanItem(ctx, selectItem, id)
}

func (t *pgTx) LockItem(ctx context.Context, id domain.ItemID) (domain.InventoryItem, error) {
	return t.scanItem(ctx, selectItem+` FOR UPDATE OF i`, id)
}

func (t *pgTx) SetStock(ctx context.Context, id domain.ItemID, stock int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_items SET stock=$2 WHERE id=$1`, int64(id), stock)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("inventory item", int64(id))
	}
	return nil
}

func (t *pgTx) LockCoupon(ctx context.Context, id domain.CouponID) (domain.Coupon, error) {
	var (
		couponID, storeID, magnitude, minSubtotal, remaining int64
		kind                                                 string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, store_id, kind, magnitude, min_subtotal, remaining_uses
		FROM coupons WHERE id=$1 FOR UPDATE`, int64(id)).
		Scan(&couponID, &storeID, &kind, &magnitude, &minSubtotal, &remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Coupon{}, domain.NotFound("coupon", int64(id))
	}
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		ID:            domain.CouponID(couponID),
		StoreID:       domain.StoreID(storeID),
		Kind:          domain.CouponKind(kind),
		Magnitude:     magnitude,
		MinSubtotal:   minSubtotal,
		RemainingUses: remaining,
	}, nil
}

func (t *pgTx) SetRemainingUses(ctx context.Context, id domain.CouponID, remaining int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE coupons SET remaining_uses=$2 WHERE id=$1`, int64(id), remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("coupon", int64(id))
	}
	return nil
}

// InsertOrder runs under a savepoint so a unique violation on the idempotency
// key leaves the outer transaction usable for compensation.
func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	if err := insertOrder(ctx, sp, o); err != nil {
		if isPgCode(err, codeUniqueViolation) {
			return fmt.Errorf("idempotency key %q: %w", o.IdempotencyKey, domain.ErrDuplicateRequest)
		}
		if isPgCode(err, codeForeignKeyViolation) {
			return fmt.Errorf("insert order: %w", domain.ErrNotFound)
		}
		return err
	}
	return sp.Commit(ctx)
}

func insertOrder(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	var couponID *int64
	if o.CouponID != nil {
		v := int64(*o.CouponID)
		couponID = &v
	}

	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO orders(store_id, customer_id, status, subtotal, discount, total, coupon_id, remark, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING id, version, created_at, updated_at`,
		int64(o.StoreID), int64(o.CustomerID), string(o.Status), o.Subtotal, o.Discount, o.Total, couponID, o.Remark, o.IdempotencyKey,
	).Scan(&id, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return err
	}
	o.ID = domain.OrderID(id)

	for i, l := range o.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_lines(order_id, line_no, item_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)`,
			id, i, int64(l.ItemID), l.Quantity, l.UnitPrice,
		)
		if err != nil {
			return err
		}
	}

	if p := o.Payment; p != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO payments(order_id, amount, status, method, details) VALUES ($1, $2, $3, $4, $5)`,
			id, p.Amount, string(p.Status), p.Method, p.Details,
		)
		if err != nil {
			return err
		}
	}

	if d := o.Delivery; d != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO deliveries(order_id, destination, method, freight, status, remark) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, d.Destination, string(d.Method), d.Freight, string(d.Status), d.Remark,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id domain.OrderID) (domain.Order, error) {
	return t.loadOrder(ctx, `SELECT id, store_id, customer_id, status, subtotal, discount, total, coupon_id, remark,
		COALESCE(idempotency_key, ''), version, created_at, updated_at FROM orders WHERE id=$1`, int64(id))
}

func (t *pgTx) FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error) {
	o, err := t.loadOrder(ctx, `SELECT id, store_id, customer_id, status, subtotal, discount, total, coupon_id, remark,
		COALESCE(idempotency_key, ''), version, created_at, updated_at FROM orders WHERE idempotency_key=$1`, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, err
	}
	return o, true, nil
}

func (t *pgTx) ListOrders(ctx context.Context, storeID domain.StoreID, customerID *domain.CustomerID) ([]domain.Order, error) {
	var customer *int64
	if customerID != nil {
		v := int64(*customerID)
		customer = &v
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id FROM orders WHERE store_id=$1 AND ($2::bigint IS NULL OR customer_id=$2)
		ORDER BY created_at DESC, id DESC`,
		int64(storeID), customer,
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := t.GetOrder(ctx, domain.OrderID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (t *pgTx) loadOrder(ctx context.Context, query string, arg any) (domain.Order, error) {
	var (
		o                       domain.Order
		id, storeID, customerID int64
		status                  string
		couponID                *int64
	)
	err := t.tx.QueryRow(ctx, query, arg).Scan(&id, &storeID, &customerID, &status, &o.Subtotal, &o.Discount, &o.Total,
		&couponID, &o.Remark, &o.IdempotencyKey, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if n, ok := arg.(int64); ok {
			return domain.Order{}, domain.NotFound("order", n)
		}
		return domain.Order{}, fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.ID = domain.OrderID(id)
	o.StoreID = domain.StoreID(storeID)
	o.CustomerID = domain.CustomerID(customerID)
	o.Status = domain.OrderStatus(status)
	if couponID != nil {
		c := domain.CouponID(*couponID)
		o.CouponID = &c
	}

	rows, err := t.tx.Query(ctx, `SELECT item_id, quantity, unit_price FROM order_lines WHERE order_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var itemID int64
		var l domain.OrderLine
		if err := rows.Scan(&itemID, &l.Quantity, &l.UnitPrice); err != nil {
			return domain.Order{}, err
		}
		l.ItemID = domain.ItemID(itemID)
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, err
	}

	var p domain.Payment
	var pStatus string
	err = t.tx.QueryRow(ctx, `SELECT amount, status, method, details FROM payments WHERE order_id=$1`, id).
		Scan(&p.Amount, &pStatus, &p.Method, &p.Details)
	switch {
	case err == nil:
		p.Status = domain.PaymentStatus(pStatus)
		o.Payment = &p
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.Order{}, err
	}

	var d domain.Delivery
	var dMethod, dStatus string
	err = t.tx.QueryRow(ctx, `SELECT destination, method, freight, status, remark FROM deliveries WHERE order_id=$1`, id).
		Scan(&d.Destination, &dMethod, &d.Freight, &dStatus, &d.Remark)
	switch {
	case err == nil:
		d.Method = domain.DeliveryMethod(dMethod)
		d.Status = domain.DeliveryStatus(dStatus)
		o.Delivery = &d
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.Order{}, err
	}
	return o, nil
}

func (t *pgTx) CompareAndSetStatus(ctx context.Context, id domain.OrderID, expected int64, status domain.OrderStatus) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx,
		`UPDATE orders SET status=$3, version=version+1, updated_at=now() WHERE id=$1 AND version=$2 RETURNING version`,
		int64(id), expected, string(status),
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, int64(id)).Scan(&exists); qerr != nil {
			return 0, qerr
		}
		if !exists {
			return 0, domain.NotFound("order", int64(id))
		}
		return 0, fmt.Errorf("order %d: version moved past %d: %w", id, expected, domain.ErrConcurrentModification)
	}
	return version, err
}

func (t *pgTx) SetPaymentStatus(ctx context.Context, id domain.OrderID, status domain.PaymentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET status=$2 WHERE order_id=$1`, int64(id), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("payment for order", int64(id))
	}
	return nil
}

func (t *pgTx) SetDeliveryStatus(ctx context.Context, id domain.OrderID, status domain.DeliveryStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE deliveries SET status=$2 WHERE order_id=$1`, int64(id), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("delivery for order", int64(id))
	}
	return nil
}

func (t *pgTx) AppendLog(ctx context.Context, entry *domain.OrderLog) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO order_logs(order_id, action, from_status, to_status, note)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5) RETURNING id, created_at`,
		int64(entry.OrderID), entry.Action, string(entry.FromStatus), string(entry.ToStatus), entry.Note,
	).Scan(&entry.ID, &entry.CreatedAt)
	if isPgCode(err, codeForeignKeyViolation) {
		return domain.NotFound("order", int64(entry.OrderID))
	}
	return err
}

func (t *pgTx) ListLogs(ctx context.Context, id domain.OrderID) ([]domain.OrderLog, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, action, COALESCE(from_status, ''), COALESCE(to_status, ''), note, created_at
		FROM order_logs WHERE order_id=$1 ORDER BY id`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderLog
	for rows.Next() {
		l := domain.OrderLog{OrderID: id}
		var from, to string
		if err := rows.Scan(&l.ID, &l.Action, &from, &to, &l.Note, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.FromStatus = domain.OrderStatus(from)
		l.ToStatus = domain.OrderStatus(to)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) EnqueueEvent(ctx context.Context, rec outbox.Record) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO outbox(event_id, topic, key, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload), rec.CreatedAt)
	return err
}
