package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/dto"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SessionSyncRunner runs one reconciliation cycle for a session on demand
type SessionSyncRunner interface {
	RunSession(ctx context.Context, sessionID string, opts reconcile.SyncOptions) (*reconcile.SyncReport, error)
}

// AdminHandler serves operator endpoints
type AdminHandler struct {
	seatService service.SeatService
	syncer      SessionSyncRunner
}

// NewAdminHandler creates a new admin handler. syncer may be nil when the
// box office integration is disabled.
func NewAdminHandler(seatService service.SeatService, syncer SessionSyncRunner) *AdminHandler {
	return &AdminHandler{seatService: seatService, syncer: syncer}
}

// RebuildCache handles POST /admin/sessions/:session_id/cache/rebuild
func (h *AdminHandler) RebuildCache(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.rebuild_cache")
	defer span.End()

	sessionID := c.Param("session_id")
	span.SetAttributes(attribute.String("session_id", sessionID))

	n, err := h.seatService.RebuildCache(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	response.Success(c, &dto.RebuildCacheResponse{SessionID: sessionID, Seats: n})
}

// SyncSession handles POST /admin/sessions/:session_id/sync[?init=true]
func (h *AdminHandler) SyncSession(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.sync_session")
	defer span.End()

	if h.syncer == nil {
		response.Error(c, http.StatusServiceUnavailable, "SYNC_DISABLED", "box office sync is not configured", "")
		return
	}

	sessionID := c.Param("session_id")
	opts := reconcile.SyncOptions{ForceInit: c.Query("init") == "true"}
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Bool("force_init", opts.ForceInit))

	report, err := h.syncer.RunSession(ctx, sessionID, opts)
	if err != nil && report == nil {
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}
	if errors.Is(err, reconcile.ErrAccountPaused) {
		response.Error(c, http.StatusServiceUnavailable, "ACCOUNT_PAUSED", err.Error(), "")
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		response.Error(c, http.StatusBadGateway, "SYNC_FAILED", err.Error(), "")
		return
	}
	response.Success(c, report)
}
