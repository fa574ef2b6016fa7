package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/dto"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SeatHandler serves seat map reads
type SeatHandler struct {
	seatService service.SeatService
	stock       service.StockCoordinator
}

// NewSeatHandler creates a new seat handler
func NewSeatHandler(seatService service.SeatService, stock service.StockCoordinator) *SeatHandler {
	return &SeatHandler{seatService: seatService, stock: stock}
}

// GetSeatMap handles GET /sessions/:session_id/seats[?tier_id=]
func (h *SeatHandler) GetSeatMap(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.seat.map")
	defer span.End()

	sessionID := c.Param("session_id")
	tierID := c.Query("tier_id")
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.String("tier_id", tierID))

	var (
		views []*domain.SeatView
		err   error
	)
	if tierID != "" {
		views, err = h.seatService.GetTierSeats(ctx, sessionID, tierID)
	} else {
		views, err = h.seatService.GetSeatMap(ctx, sessionID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	meta := dto.SeatMapMeta{SessionID: sessionID, TierID: tierID, Total: len(views)}
	for _, v := range views {
		if v.Status == domain.SeatStatusAvailable {
			meta.Available++
		}
	}
	response.SuccessWithMeta(c, views, meta)
}

// GetSeat handles GET /sessions/:session_id/seats/:seat_id
func (h *SeatHandler) GetSeat(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.seat.get")
	defer span.End()

	view, err := h.seatService.GetSeat(ctx, c.Param("session_id"), c.Param("seat_id"))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, view)
}

// GetStock handles GET /sessions/:session_id/stock/:tier_id
func (h *SeatHandler) GetStock(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.stock.get")
	defer span.End()

	counter, err := h.stock.Get(ctx, c.Param("session_id"), c.Param("tier_id"))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, counter)
}
