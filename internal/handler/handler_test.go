package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockSyncRunner struct {
	mock.Mock
}

func (m *mockSyncRunner) RunSession(ctx context.Context, sessionID string, opts reconcile.SyncOptions) (*reconcile.SyncReport, error) {
	args := m.Called(ctx, sessionID, opts)
	report, _ := args.Get(0).(*reconcile.SyncReport)
	return report, args.Error(1)
}

type testAPI struct {
	router *gin.Engine
	clock  *clock
	syncer *mockSyncRunner
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	seats := repository.NewMemorySeatRepository()
	stockRepo := repository.NewMemoryStockRepository()
	leases := repository.NewMemoryLeaseRepository()
	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, seats.Create(ctx, &domain.SeatRecord{SessionID: "SESS-1", SeatID: id, TierID: "VIP"}))
	}
	require.NoError(t, stockRepo.Create(ctx, &domain.StockCounter{SessionID: "SESS-1", TierID: "GA", Total: 5, Available: 5}))

	api := &testAPI{
		clock:  &clock{now: time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)},
		syncer: &mockSyncRunner{},
	}
	seatService := service.NewSeatService(seats, repository.NewMemorySeatCache(), nil)
	reservations := service.NewReservationCoordinator(seats, seatService, leases, lock.NewMemoryLocker(), nil, &service.ReservationConfig{
		LockWait: 200 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
		Now:      api.clock.Now,
	})
	stock := service.NewStockCoordinator(stockRepo, leases, nil, &service.StockConfig{Now: api.clock.Now})

	seatHandler := NewSeatHandler(seatService, stock)
	reservationHandler := NewReservationHandler(reservations, stock)
	stockHandler := NewStockHandler(stock)
	adminHandler := NewAdminHandler(seatService, api.syncer)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/sessions/:session_id/seats", seatHandler.GetSeatMap)
	v1.GET("/sessions/:session_id/seats/:seat_id", seatHandler.GetSeat)
	v1.GET("/sessions/:session_id/stock/:tier_id", seatHandler.GetStock)
	v1.POST("/reservations", reservationHandler.Reserve)
	v1.POST("/reservations/:order_token/confirm", reservationHandler.Confirm)
	v1.POST("/reservations/:order_token/release", reservationHandler.Release)
	v1.POST("/stock/decrement", stockHandler.Decrement)
	v1.POST("/stock/increment", stockHandler.Increment)
	v1.POST("/stock/holds", stockHandler.Hold)
	v1.POST("/stock/holds/:order_token/release", stockHandler.ReleaseHold)
	v1.POST("/admin/sessions/:session_id/cache/rebuild", adminHandler.RebuildCache)
	v1.POST("/admin/sessions/:session_id/sync", adminHandler.SyncSession)
	api.router = r
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func reserveBody(order string, seats ...string) gin.H {
	return gin.H{"session_id": "SESS-1", "seat_ids": seats, "order_token": order}
}

func TestReservationHandler_Lifecycle(t *testing.T) {
	api := newTestAPI(t)

	w, resp := api.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("order-1", "A1", "A2"))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)

	w, resp = api.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("order-2", "A2", "A3"))
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	w, _ = api.do(t, http.MethodPost, "/api/v1/reservations/order-1/confirm", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = api.do(t, http.MethodGet, "/api/v1/sessions/SESS-1/seats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := resp.Meta.(map[string]interface{})
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, float64(1), meta["available"])
}

func TestReservationHandler_ReleaseFreesSeatsAndStock(t *testing.T) {
	api := newTestAPI(t)

	w, _ := api.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("order-1", "A1"))
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = api.do(t, http.MethodPost, "/api/v1/stock/holds", gin.H{
		"session_id": "SESS-1", "tier_id": "GA", "quantity": 2, "order_token": "order-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := api.do(t, http.MethodPost, "/api/v1/reservations/order-1/release", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["seats_released"])
	assert.Equal(t, float64(2), data["stock_released"])

	w, resp = api.do(t, http.MethodGet, "/api/v1/sessions/SESS-1/stock/GA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), resp.Data.(map[string]interface{})["available"])

	w, resp = api.do(t, http.MethodPost, "/api/v1/reservations/order-1/release", gin.H{"reason": "cancel"})
	require.Equal(t, http.StatusOK, w.Code, "release is idempotent")
	assert.Equal(t, float64(0), resp.Data.(map[string]interface{})["seats_released"])
}

func TestReservationHandler_ConfirmAfterExpiryIsGone(t *testing.T) {
	api := newTestAPI(t)

	body := reserveBody("order-1", "A1")
	body["lease_ttl_seconds"] = 60
	w, _ := api.do(t, http.MethodPost, "/api/v1/reservations", body)
	require.Equal(t, http.StatusCreated, w.Code)

	api.clock.Advance(2 * time.Minute)
	w, resp := api.do(t, http.MethodPost, "/api/v1/reservations/order-1/confirm", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "EXPIRED", resp.Error.Code)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"missing fields", http.MethodPost, "/api/v1/reservations", gin.H{"session_id": "SESS-1"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"duplicate seat", http.MethodPost, "/api/v1/reservations", reserveBody("o", "A1", "A1"), http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown seat", http.MethodGet, "/api/v1/sessions/SESS-1/seats/Z9", nil, http.StatusNotFound, "SEAT_NOT_FOUND"},
		{"unknown session", http.MethodGet, "/api/v1/sessions/NOPE/seats", nil, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"unknown tier", http.MethodGet, "/api/v1/sessions/SESS-1/stock/BALCONY", nil, http.StatusNotFound, "STOCK_NOT_FOUND"},
		{"oversell", http.MethodPost, "/api/v1/stock/decrement", gin.H{"session_id": "SESS-1", "tier_id": "GA", "quantity": 6}, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{"zero quantity", http.MethodPost, "/api/v1/stock/increment", gin.H{"session_id": "SESS-1", "tier_id": "GA", "quantity": 0}, http.StatusBadRequest, "BAD_REQUEST"},
		{"confirm unknown order", http.MethodPost, "/api/v1/reservations/ghost/confirm", nil, http.StatusGone, "EXPIRED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandleError_UnknownIsInternal(t *testing.T) {
	r := gin.New()
	r.GET("/boom", func(c *gin.Context) {
		handleError(c, fmt.Errorf("store: %w", errors.New("connection reset")))
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestStockHandler_DecrementIncrement(t *testing.T) {
	api := newTestAPI(t)

	w, resp := api.do(t, http.MethodPost, "/api/v1/stock/decrement", gin.H{"session_id": "SESS-1", "tier_id": "GA", "quantity": 3})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["available"])

	w, resp = api.do(t, http.MethodPost, "/api/v1/stock/increment", gin.H{"session_id": "SESS-1", "tier_id": "GA", "quantity": 10})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), resp.Data.(map[string]interface{})["available"], "clamped at total")
}

func TestAdminHandler(t *testing.T) {
	api := newTestAPI(t)

	w, resp := api.do(t, http.MethodPost, "/api/v1/admin/sessions/SESS-1/cache/rebuild", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp.Data.(map[string]interface{})["seats"])

	api.syncer.On("RunSession", mock.Anything, "SESS-9", reconcile.SyncOptions{}).
		Return(nil, domain.ErrBindingNotFound).Once()
	api.syncer.On("RunSession", mock.Anything, "SESS-1", reconcile.SyncOptions{ForceInit: true}).
		Return(&reconcile.SyncReport{SessionID: "SESS-1", Init: true, Seats: 3}, nil).Once()
	api.syncer.On("RunSession", mock.Anything, "SESS-1", reconcile.SyncOptions{}).
		Return(&reconcile.SyncReport{SessionID: "SESS-1", Drift: true}, domain.ErrStructuralDrift).Once()
	api.syncer.On("RunSession", mock.Anything, "SESS-1", reconcile.SyncOptions{}).
		Return(&reconcile.SyncReport{SessionID: "SESS-1", Skipped: true}, reconcile.ErrAccountPaused).Once()

	w, _ = api.do(t, http.MethodPost, "/api/v1/admin/sessions/SESS-9/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = api.do(t, http.MethodPost, "/api/v1/admin/sessions/SESS-1/sync?init=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["init"])

	w, resp = api.do(t, http.MethodPost, "/api/v1/admin/sessions/SESS-1/sync", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "SYNC_FAILED", resp.Error.Code)

	w, resp = api.do(t, http.MethodPost, "/api/v1/admin/sessions/SESS-1/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ACCOUNT_PAUSED", resp.Error.Code)

	api.syncer.AssertExpectations(t)
}

func TestAdminHandler_SyncDisabled(t *testing.T) {
	h := NewAdminHandler(nil, nil)
	r := gin.New()
	r.POST("/sync/:session_id", h.SyncSession)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/SESS-1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type checker struct{ err error }

func (c checker) HealthCheck(ctx context.Context) error { return c.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthChecker
		want   int
	}{
		{"all healthy", map[string]HealthChecker{"database": checker{}, "redis": checker{}}, http.StatusOK},
		{"redis down", map[string]HealthChecker{"database": checker{}, "redis": checker{err: errors.New("dial tcp")}}, http.StatusServiceUnavailable},
		{"nil skipped", map[string]HealthChecker{"database": checker{}, "redis": nil}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks)
			r := gin.New()
			r.GET("/health", h.Health)
			r.GET("/ready", h.Ready)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)

			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
