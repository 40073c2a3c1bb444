// Package service runs order operations, one store transaction per call, and
// records the events, metrics and traces around them.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/internal/order/builder"
	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/lifecycle"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/pkg/contracts"
	"github.com/nazeru/storefront-orders/pkg/logging"
	"github.com/nazeru/storefront-orders/pkg/metrics"
	"github.com/nazeru/storefront-orders/pkg/outbox"
)

const DefaultTopic = "order-events"

type Service struct {
	store   store.Store
	builder *builder.Builder
	machine *lifecycle.Machine

	topic   string
	logger  *zap.Logger
	metrics *metrics.CoreMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.CoreMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithTopic(topic string) Option { return func(s *Service) { s.topic = topic } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(st store.Store, b *builder.Builder, m *lifecycle.Machine, opts ...Option) *Service {
	s := &Service{
		store:   st,
		builder: b,
		machine: m,
		topic:   DefaultTopic,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/nazeru/storefront-orders/internal/order/service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildOrder creates an order from req. When req carries an idempotency key
// that already produced an order, that order's receipt is returned with
// replayed set and nothing else happens.
func (s *Service) BuildOrder(ctx context.Context, req builder.Request) (receipt builder.Receipt, replayed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "order.build", trace.WithAttributes(
		attribute.Int64("store.id", int64(req.StoreID)),
		attribute.Int64("customer.id", int64(req.CustomerID)),
		attribute.Int("order.lines", len(req.Lines)),
	))
	start := time.Now()
	defer func() {
		s.finish(span, err)
		if s.metrics != nil {
			label := resultLabel(err)
			if replayed {
				label = "replayed"
			}
			s.metrics.OrdersBuilt.WithLabelValues(label).Inc()
		}
	}()

	var o domain.Order
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.IdempotencyKey != "" {
			prev, ok, err := tx.FindOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				o, replayed = prev, true
				return nil
			}
		}
		built, err := s.builder.Build(ctx, tx, req)
		if err != nil {
			return err
		}
		o = built
		return s.enqueue(ctx, tx, o, contracts.EventOrderCreated, map[string]any{
			"customer_id": int64(o.CustomerID),
			"subtotal":    o.Subtotal,
			"discount":    o.Discount,
			"total":       o.Total,
			"lines":       linesPayload(o.Lines),
		})
	})
	if errors.Is(err, domain.ErrDuplicateRequest) {
		// a concurrent request with the same key committed first
		o, err = s.lookupByKey(ctx, req.IdempotencyKey)
		replayed = err == nil
	}
	if err != nil {
		s.logFailure("order build failed", logging.Fields{
			Step:       "build",
			Status:     resultLabel(err),
			DurationMS: logging.Since(start),
		}, err)
		return builder.Receipt{}, false, err
	}

	span.SetAttributes(attribute.Int64("order.id", int64(o.ID)), attribute.Bool("order.replayed", replayed))
	if !replayed && s.metrics != nil {
		s.metrics.UnitsReserved.Add(float64(units(o.Lines)))
	}
	s.logger.Info("order built", logging.Fields{
		OrderID:    int64(o.ID),
		Step:       "build",
		Status:     string(o.Status),
		DurationMS: logging.Since(start),
	}.Zap()...)
	return builder.ReceiptOf(o), replayed, nil
}

func (s *Service) lookupByKey(ctx context.Context, key string) (domain.Order, error) {
	var o domain.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		prev, ok, err := tx.FindOrderByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("idempotency key %q vanished: %w", key, domain.ErrConcurrentModification)
		}
		o = prev
		return nil
	})
	return o, err
}

// TransitionOrder moves an order to status to and emits the matching event.
// A refund additionally emits inventory.released for the restocked lines.
func (s *Service) TransitionOrder(ctx context.Context, id domain.OrderID, to domain.OrderStatus, note string) (o domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "order.transition", trace.WithAttributes(
		attribute.Int64("order.id", int64(id)),
		attribute.String("order.to", string(to)),
	))
	start := time.Now()
	defer func() {
		s.finish(span, err)
		if s.metrics != nil {
			s.metrics.Transitions.WithLabelValues(string(to), resultLabel(err)).Inc()
		}
	}()

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = s.machine.Transition(ctx, tx, id, to, note)
		if err != nil {
			return err
		}
		evt, ok := transitionEvents[to]
		if !ok {
			return nil
		}
		if err := s.enqueue(ctx, tx, o, evt, map[string]any{"status": string(o.Status), "note": note}); err != nil {
			return err
		}
		if to == domain.OrderStatusRefund {
			return s.enqueue(ctx, tx, o, contracts.EventInventoryReleased, map[string]any{"lines": linesPayload(o.Lines)})
		}
		return nil
	})
	if err != nil {
		s.logFailure("order transition failed", logging.Fields{
			OrderID:    int64(id),
			Step:       "transition:" + string(to),
			Status:     resultLabel(err),
			DurationMS: logging.Since(start),
		}, err)
		return domain.Order{}, err
	}

	if to == domain.OrderStatusRefund && s.metrics != nil {
		s.metrics.UnitsReleased.Add(float64(units(o.Lines)))
	}
	s.logger.Info("order transitioned", logging.Fields{
		OrderID:    int64(id),
		Step:       "transition:" + string(to),
		Status:     string(o.Status),
		DurationMS: logging.Since(start),
	}.Zap()...)
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id domain.OrderID) (domain.Order, error) {
	var o domain.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

// ListOrders returns a store's orders newest first. A nil customerID lists
// every customer's orders.
func (s *Service) ListOrders(ctx context.Context, storeID domain.StoreID, customerID *domain.CustomerID) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.StoreExists(ctx, storeID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound("store", int64(storeID))
		}
		orders, err = tx.ListOrders(ctx, storeID, customerID)
		return err
	})
	return orders, err
}

func (s *Service) OrderLogs(ctx context.Context, id domain.OrderID) ([]domain.OrderLog, error) {
	var logs []domain.OrderLog
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetOrder(ctx, id); err != nil {
			return err
		}
		var err error
		logs, err = tx.ListLogs(ctx, id)
		return err
	})
	return logs, err
}

var transitionEvents = map[domain.OrderStatus]string{
	domain.OrderStatusPaid:    contracts.EventOrderPaid,
	domain.OrderStatusShipped: contracts.EventOrderShipped,
	domain.OrderStatusRefund:  contracts.EventOrderRefunded,
}

func (s *Service) enqueue(ctx context.Context, tx store.Outbox, o domain.Order, typ string, payload map[string]any) error {
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   int64(o.ID),
		StoreID:   int64(o.StoreID),
		CreatedAt: s.now(),
		Type:      typ,
		Payload:   payload,
	}
	rec, err := outbox.NewRecord(s.topic, fmt.Sprint(o.ID), evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return tx.EnqueueEvent(ctx, rec)
}

// logFailure logs business rejections at warn and everything else at error.
func (s *Service) logFailure(msg string, f logging.Fields, err error) {
	fields := append(f.Zap(), zap.Error(err))
	if f.Status == "error" {
		s.logger.Error(msg, fields...)
		return
	}
	s.logger.Warn(msg, fields...)
}

func (s *Service) finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
	}
	span.End()
}

func linesPayload(lines []domain.OrderLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]any{
			"item_id":    int64(l.ItemID),
			"quantity":   l.Quantity,
			"unit_price": l.UnitPrice,
		})
	}
	return out
}

func units(lines []domain.OrderLine) int64 {
	var n int64
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}

// resultLabel maps an error to a low-cardinality outcome name.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrCouponInvalid):
		return "coupon_invalid"
	case errors.Is(err, domain.ErrEmptyOrder):
		return "empty_order"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}
