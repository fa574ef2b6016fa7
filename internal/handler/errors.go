package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.uber.org/zap"
)

// handleError maps domain errors onto the response envelope
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		response.Conflict(c, "INSUFFICIENT_STOCK", err.Error())
	case domain.IsConflictError(err):
		response.Conflict(c, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrSeatNotFound):
		response.Error(c, http.StatusNotFound, "SEAT_NOT_FOUND", err.Error(), "")
	case errors.Is(err, domain.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), "")
	case errors.Is(err, domain.ErrStockNotFound):
		response.Error(c, http.StatusNotFound, "STOCK_NOT_FOUND", err.Error(), "")
	case domain.IsNotFoundError(err):
		response.NotFound(c, err.Error())
	case domain.IsExpiredError(err):
		response.Gone(c, "EXPIRED", err.Error())
	case domain.IsValidationError(err):
		response.BadRequest(c, err.Error())
	default:
		logger.Get().Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", telemetry.GetTraceID(c.Request.Context())),
			zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error", "")
	}
}
