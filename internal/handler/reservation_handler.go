package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/dto"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReservationHandler handles seat reservation requests from the order subsystem
type ReservationHandler struct {
	reservations service.ReservationCoordinator
	stock        service.StockCoordinator
}

// NewReservationHandler creates a new reservation handler
func NewReservationHandler(reservations service.ReservationCoordinator, stock service.StockCoordinator) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, stock: stock}
}

// Reserve handles POST /reservations
func (h *ReservationHandler) Reserve(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.reserve")
	defer span.End()

	var req dto.ReserveSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("order_token", req.OrderToken),
		attribute.Int("seats", len(req.SeatIDs)),
	)

	leases, err := h.reservations.Reserve(ctx, req.SessionID, req.SeatIDs, req.OrderToken, req.LeaseTTL())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Created(c, dto.NewReserveSeatsResponse(&req, leases))
}

// Confirm handles POST /reservations/:order_token/confirm
func (h *ReservationHandler) Confirm(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.confirm")
	defer span.End()

	order := c.Param("order_token")
	span.SetAttributes(attribute.String("order_token", order))

	seatIDs, err := h.reservations.Confirm(ctx, order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, &dto.ConfirmResponse{OrderToken: order, SeatIDs: seatIDs})
}

// Release handles POST /reservations/:order_token/release. Seats and stock holds of
// the order both go back on sale.
func (h *ReservationHandler) Release(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.release")
	defer span.End()

	order := c.Param("order_token")
	var req dto.ReleaseRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = service.ReleaseReasonCancel
	}
	span.SetAttributes(attribute.String("order_token", order), attribute.String("reason", req.Reason))

	seats, err := h.reservations.Release(ctx, order, req.Reason)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	units, err := h.stock.ReleaseOrder(ctx, order)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, &dto.ReleaseResponse{OrderToken: order, SeatsReleased: seats, StockReleased: units})
}
