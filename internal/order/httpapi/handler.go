// Package httpapi exposes the order service over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/internal/order/domain"
	"github.com/nazeru/storefront-orders/internal/order/service"
	"github.com/nazeru/storefront-orders/pkg/idempotency"
	"github.com/nazeru/storefront-orders/pkg/metrics"
)

type Options struct {
	Logger         *zap.Logger
	Metrics        *metrics.ServerMetrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Health         func(ctx context.Context) error
}

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
	health func(ctx context.Context) error
}

func NewRouter(svc *service.Service, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, logger: logger, health: opts.Health}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(Logger(logger))
	if opts.Metrics != nil {
		router.Use(Metrics(opts.Metrics))
	}
	if opts.RequestTimeout > 0 {
		router.Use(Timeout(opts.RequestTimeout))
	}

	router.GET("/health", h.Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.CreateOrder)
		v1.GET("/orders", h.ListOrders)
		v1.GET("/orders/:id", h.GetOrder)
		v1.POST("/orders/:id/status", h.Transition)
		v1.GET("/orders/:id/logs", h.OrderLogs)
	}
	return router
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) CreateOrder(c *gin.Context) {
	key, err := idempotency.Key(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request format",
			"details": err.Error(),
		})
		return
	}

	receipt, replayed, err := h.svc.BuildOrder(c.Request.Context(), req.toBuild(key))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, receiptOf(receipt))
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.svc.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderOf(o))
}

func (h *Handler) ListOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request format",
			"details": err.Error(),
		})
		return
	}
	orders, err := h.svc.ListOrders(c.Request.Context(), domain.StoreID(q.StoreID), q.customer())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderOf(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *Handler) Transition(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request format",
			"details": err.Error(),
		})
		return
	}
	o, err := h.svc.TransitionOrder(c.Request.Context(), id, domain.OrderStatus(req.Status), req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderOf(o))
}

func (h *Handler) OrderLogs(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	logs, err := h.svc.OrderLogs(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": int64(id), "logs": logsOf(logs)})
}

func orderID(c *gin.Context) (domain.OrderID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return domain.OrderID(id), true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	body := gin.H{"error": code, "message": err.Error()}

	var oos *domain.OutOfStockError
	var ite *domain.IllegalTransitionError
	switch {
	case errors.As(err, &oos):
		body["item_id"] = int64(oos.ItemID)
		body["available"] = oos.Available
		body["requested"] = oos.Requested
	case errors.As(err, &ite):
		body["from"] = string(ite.From)
		body["to"] = string(ite.To)
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		body["message"] = "internal error"
	}
	body["request_id"] = c.GetString(ctxRequestID)
	c.JSON(status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, domain.ErrCouponInvalid):
		return http.StatusUnprocessableEntity, "coupon_invalid"
	case errors.Is(err, domain.ErrEmptyOrder):
		return http.StatusBadRequest, "empty_order"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
