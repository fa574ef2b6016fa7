package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/dto"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StockHandler handles tier-counted stock requests
type StockHandler struct {
	stock service.StockCoordinator
}

// NewStockHandler creates a new stock handler
func NewStockHandler(stock service.StockCoordinator) *StockHandler {
	return &StockHandler{stock: stock}
}

// Decrement handles POST /stock/decrement
func (h *StockHandler) Decrement(c *gin.Context) {
	h.adjust(c, "handler.stock.decrement", h.stock.Decrement)
}

// Increment handles POST /stock/increment
func (h *StockHandler) Increment(c *gin.Context) {
	h.adjust(c, "handler.stock.increment", h.stock.Increment)
}

func (h *StockHandler) adjust(c *gin.Context, name string, op func(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error)) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), name)
	defer span.End()

	var req dto.StockAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("tier_id", req.TierID),
		attribute.Int("quantity", req.Quantity),
	)

	counter, err := op(ctx, req.SessionID, req.TierID, req.Quantity)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, counter)
}

// Hold handles POST /stock/holds
func (h *StockHandler) Hold(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.stock.hold")
	defer span.End()

	var req dto.StockHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(attribute.String("order_token", req.OrderToken), attribute.String("tier_id", req.TierID))

	ttl := time.Duration(req.LeaseTTLSeconds) * time.Second
	lease, err := h.stock.Hold(ctx, req.SessionID, req.TierID, req.Quantity, req.OrderToken, ttl)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Created(c, lease)
}

// ConfirmHold handles POST /stock/holds/:order_token/confirm
func (h *StockHandler) ConfirmHold(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.stock.confirm_hold")
	defer span.End()

	order := c.Param("order_token")
	var req dto.StockHoldActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.stock.ConfirmHold(ctx, req.SessionID, req.TierID, order); err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"order_token": order, "confirmed": true})
}

// ReleaseHold handles POST /stock/holds/:order_token/release
func (h *StockHandler) ReleaseHold(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.stock.release_hold")
	defer span.End()

	order := c.Param("order_token")
	var req dto.StockHoldActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	n, err := h.stock.ReleaseHold(ctx, req.SessionID, req.TierID, order)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, &dto.StockHoldReleaseResponse{OrderToken: order, Released: n})
}
