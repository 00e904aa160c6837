package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/service"
)

// Sweeper runs one auditor pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*models.AuditReport, error)
}

type Handler struct {
	orders      *service.OrderService
	provisioner service.Provisioner
	webhooks    *service.WebhookService
	summary     *service.SummaryService
	auditor     Sweeper
	logger      *zap.Logger
}

func NewHandler(
	orders *service.OrderService,
	provisioner service.Provisioner,
	webhooks *service.WebhookService,
	summary *service.SummaryService,
	auditor Sweeper,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orders:      orders,
		provisioner: provisioner,
		webhooks:    webhooks,
		summary:     summary,
		auditor:     auditor,
		logger:      logger.Named("http"),
	}
}

// ==================== Webhook Handlers ====================

// BillingWebhook ingests a billing provider event. Any well-formed event is
// acknowledged with 200 so the provider stops redelivering it.
func (h *Handler) BillingWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var payload models.BillingEventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if payload.EventID == "" || payload.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and event_type are required"})
		return
	}

	ack, err := h.webhooks.Ingest(c.Request.Context(), &payload, raw)
	if err != nil {
		h.logger.Error("webhook ingest failed", zap.String("event_id", payload.EventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not stored"})
		return
	}
	c.JSON(http.StatusOK, ack)
}

// ==================== Internal API Handlers ====================

// CreateOrder registers a pending order for checkout
func (h *Handler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.Create(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderResponse(order))
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse(order))
}

// ProvisionOrder runs one provisioning attempt synchronously. Operators use it
// to retry failed orders.
func (h *Handler) ProvisionOrder(c *gin.Context) {
	result, err := h.provisioner.Provision(c.Request.Context(), c.Param("id"))
	if err != nil && result == nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, service.ErrNotProvisionable), errors.Is(err, service.ErrAttemptSuperseded):
		status = http.StatusConflict
	case service.KindOf(err) == service.KindCapacity:
		status = http.StatusServiceUnavailable
	case err != nil:
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	var req models.CancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse(order))
}

// FinalizeOrder confirms the subscription with the billing provider
func (h *Handler) FinalizeOrder(c *gin.Context) {
	var req models.FinalizeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.Finalize(c.Request.Context(), c.Param("id"), req.SubscriptionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse(order))
}

func (h *Handler) OrderLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	logs, err := h.orders.Logs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// ==================== Ops Handlers ====================

func (h *Handler) OpsSummary(c *gin.Context) {
	summary, err := h.summary.Summary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunAudit triggers an auditor sweep outside the schedule
func (h *Handler) RunAudit(c *gin.Context) {
	report, err := h.auditor.Sweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ==================== User API Handlers ====================

// GetMyOrder returns an order of the authenticated user
func (h *Handler) GetMyOrder(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	// 不暴露其他用户的订单是否存在
	if order.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrOrderNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, orderResponse(order))
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrPlanNotFound), errors.Is(err, service.ErrSubscriptionMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrOrderExists), errors.Is(err, service.ErrNotCancelable),
		errors.Is(err, service.ErrNotProvisionable), errors.Is(err, service.ErrAttemptInProgress),
		errors.Is(err, service.ErrAttemptSuperseded):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNotPaid):
		status = http.StatusPaymentRequired
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func orderResponse(o *models.Order) *models.OrderStatusResponse {
	return &models.OrderStatusResponse{
		OrderID:                    o.ID,
		UserID:                     o.UserID,
		PlanID:                     o.PlanID,
		Region:                     o.Region,
		ServerName:                 o.ServerName,
		Status:                     string(o.Status),
		ExternalResourceID:         o.ExternalResourceID,
		ExternalResourceIdentifier: o.ExternalResourceIdentifier,
		ProvisionAttemptCount:      o.ProvisionAttemptCount,
		LastProvisionAttemptAt:     formatTime(o.LastProvisionAttemptAt),
		LastProvisionError:         o.LastProvisionError,
		CreatedAt:                  o.CreatedAt.UTC().Format(time.RFC3339),
		ProvisionedAt:              formatTime(o.ProvisionedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
