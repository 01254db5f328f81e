package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deliverybot/internal/model"
	"deliverybot/internal/repository"
	"deliverybot/pkg/logger"
)

// ManualLookbackHours is the fixed window of POST /check.
const ManualLookbackHours = 24

const (
	msgNotInitialized = "Components not initialized"
	msgInternal       = "Internal server error"
	msgNotFound       = "Delivery not found"
)

type Checker interface {
	Reconcile(ctx context.Context, trigger string, lookbackHours int) (int, error)
}

type Store interface {
	ListActive(ctx context.Context) ([]model.Delivery, error)
	Statistics(ctx context.Context) (model.Statistics, error)
	Deactivate(ctx context.Context, orderNumber string) error
	Delete(ctx context.Context, orderNumber string) error
}

// DeliveryHandler 是 HTTP 层的薄适配器; nil 依赖表示未初始化
type DeliveryHandler struct {
	checker Checker
	store   Store
	logger  *zap.Logger
}

func NewDeliveryHandler(checker Checker, store Store, logger *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{
		checker: checker,
		store:   store,
		logger:  logger,
	}
}

func errorJSON(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message})
}

// Health handles GET /
func (h *DeliveryHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Delivery Bot is running"})
}

// Check handles POST /check
func (h *DeliveryHandler) Check(c *gin.Context) {
	if h.checker == nil {
		errorJSON(c, http.StatusInternalServerError, msgNotInitialized)
		return
	}

	// 客户端断开不能中断对账；保留 trace id
	ctx := context.WithoutCancel(c.Request.Context())
	log := logger.WithTrace(ctx, h.logger)
	count, err := h.checker.Reconcile(ctx, "http", ManualLookbackHours)
	if err != nil {
		log.Error("Manual check failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Delivery check failed")
		return
	}

	message := fmt.Sprintf("Processed %d deliveries", count)
	if count == 0 {
		message = "No deliveries found"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": message, "count": count})
}

// Status handles GET /status
func (h *DeliveryHandler) Status(c *gin.Context) {
	if h.store == nil {
		errorJSON(c, http.StatusInternalServerError, msgNotInitialized)
		return
	}

	stats, err := h.store.Statistics(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to load statistics", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": stats})
}

// ListActive handles GET /deliveries
func (h *DeliveryHandler) ListActive(c *gin.Context) {
	if h.store == nil {
		errorJSON(c, http.StatusInternalServerError, msgNotInitialized)
		return
	}

	deliveries, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list deliveries", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, msgInternal)
		return
	}
	if deliveries == nil {
		deliveries = []model.Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": deliveries})
}

// MarkDone handles POST /mark_done/:order_number
func (h *DeliveryHandler) MarkDone(c *gin.Context) {
	h.mutate(c, "deactivate", func(ctx context.Context, order string) error {
		return h.store.Deactivate(ctx, order)
	}, "Delivery %s marked as done")
}

// Delete handles DELETE /delete/:order_number
func (h *DeliveryHandler) Delete(c *gin.Context) {
	h.mutate(c, "delete", func(ctx context.Context, order string) error {
		return h.store.Delete(ctx, order)
	}, "Delivery %s deleted")
}

func (h *DeliveryHandler) mutate(c *gin.Context, op string, fn func(context.Context, string) error, okFormat string) {
	if h.store == nil {
		errorJSON(c, http.StatusInternalServerError, msgNotInitialized)
		return
	}

	order := c.Param("order_number")
	err := fn(c.Request.Context(), order)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": fmt.Sprintf(okFormat, order)})
	case errors.Is(err, repository.ErrNotFound):
		errorJSON(c, http.StatusNotFound, msgNotFound)
	default:
		logger.WithTrace(c.Request.Context(), h.logger).Error("Store mutation failed",
			zap.String("op", op),
			zap.String("order_number", order),
			zap.Error(err),
		)
		errorJSON(c, http.StatusInternalServerError, msgInternal)
	}
}
