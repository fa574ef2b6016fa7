package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SeatService owns the SeatRecord store and its cache projection. Every write goes
// store first, cache second.
type SeatService interface {
	// GetSeatMap returns every seat of a session ordered by seat id
	GetSeatMap(ctx context.Context, sessionID string) ([]*domain.SeatView, error)

	// GetSeat returns one seat
	GetSeat(ctx context.Context, sessionID, seatID string) (*domain.SeatView, error)

	// GetTierSeats returns the seats of one price tier
	GetTierSeats(ctx context.Context, sessionID, tierID string) ([]*domain.SeatView, error)

	// ApplyDelta applies a flag change under optimistic concurrency
	ApplyDelta(ctx context.Context, sessionID, seatID string, state domain.SeatState) (*domain.SeatRecord, error)

	// WriteThrough stores next if the store still holds prev.Version, then projects it
	// into the cache. It returns the stored record.
	WriteThrough(ctx context.Context, prev, next *domain.SeatRecord) (*domain.SeatRecord, error)

	// RebuildCache reprojects a session from the store and returns the seat count
	RebuildCache(ctx context.Context, sessionID string) (int, error)
}

// SeatServiceConfig contains configuration for the seat service
type SeatServiceConfig struct {
	VersionRetries int
}

type seatService struct {
	seats          repository.SeatRepository
	cache          repository.SeatCache
	versionRetries int
	group          singleflight.Group
}

// NewSeatService creates a new seat service
func NewSeatService(seats repository.SeatRepository, cache repository.SeatCache, cfg *SeatServiceConfig) SeatService {
	retries := 3
	if cfg != nil && cfg.VersionRetries > 0 {
		retries = cfg.VersionRetries
	}
	return &seatService{
		seats:          seats,
		cache:          cache,
		versionRetries: retries,
	}
}

// GetSeatMap serves from the cache, building it on first read and repairing dirty keys
func (s *seatService) GetSeatMap(ctx context.Context, sessionID string) ([]*domain.SeatView, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.seat.get_seat_map")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}

	views, loaded, err := s.cache.GetSeatMap(ctx, sessionID)
	if err != nil {
		logger.Get().Warn("seat cache read failed, serving from store",
			zap.String("session_id", sessionID), zap.Error(err))
		return s.viewsFromStore(ctx, sessionID)
	}
	if !loaded {
		if _, err := s.RebuildCache(ctx, sessionID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return s.viewsFromStore(ctx, sessionID)
	}

	repaired, err := s.repairDirty(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return overlay(views, repaired), nil
}

// GetSeat serves one seat, falling back to the store on a miss or a dirty key
func (s *seatService) GetSeat(ctx context.Context, sessionID, seatID string) (*domain.SeatView, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	if seatID == "" {
		return nil, domain.ErrInvalidSeatID
	}

	dirty, err := s.cache.DirtySeats(ctx, sessionID)
	if err == nil && !contains(dirty, seatID) {
		if v, err := s.cache.GetSeat(ctx, sessionID, seatID); err == nil && v != nil {
			return v, nil
		}
	}

	rec, err := s.seats.Get(ctx, sessionID, seatID)
	if err != nil {
		return nil, err
	}
	view := rec.View()
	if err := s.cache.Put(ctx, view); err != nil {
		logger.Get().Warn("seat cache repair failed",
			zap.String("session_id", sessionID), zap.String("seat_id", seatID), zap.Error(err))
	}
	return view, nil
}

// GetTierSeats serves the tier index
func (s *seatService) GetTierSeats(ctx context.Context, sessionID, tierID string) ([]*domain.SeatView, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	if tierID == "" {
		return nil, domain.ErrInvalidTierID
	}

	views, loaded, err := s.cache.GetTierSeats(ctx, sessionID, tierID)
	if err != nil || !loaded {
		all, err := s.GetSeatMap(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return filterTier(all, tierID), nil
	}

	repaired, err := s.repairDirty(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return filterTier(overlay(views, repaired), tierID), nil
}

// ApplyDelta retries the read-modify-write on version conflicts
func (s *seatService) ApplyDelta(ctx context.Context, sessionID, seatID string, state domain.SeatState) (*domain.SeatRecord, error) {
	for attempt := 0; attempt < s.versionRetries; attempt++ {
		rec, err := s.seats.Get(ctx, sessionID, seatID)
		if err != nil {
			return nil, err
		}
		next := state.Apply(rec)
		if err := next.Validate(); err != nil {
			return nil, err
		}

		updated, err := s.WriteThrough(ctx, rec, next)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("seat %s/%s: %w", sessionID, seatID, domain.ErrConflict)
}

// WriteThrough keeps the cache behind or equal to the store. If the cache write
// fails the seat is marked dirty; if even that fails the store write is undone.
func (s *seatService) WriteThrough(ctx context.Context, prev, next *domain.SeatRecord) (*domain.SeatRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.seat.write_through")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", next.SessionID),
		attribute.String("seat_id", next.SeatID),
		attribute.Int64("version", prev.Version),
	)

	updated, err := s.seats.UpdateIfVersion(ctx, next, prev.Version)
	if err != nil {
		return nil, err
	}

	putErr := s.cache.Put(ctx, updated.View())
	if putErr == nil {
		return updated, nil
	}

	log := logger.Get()
	metrics.RecordCacheDirty(ctx, updated.SessionID)
	markErr := s.cache.MarkDirty(ctx, updated.SessionID, updated.SeatID)
	if markErr == nil {
		log.Warn("seat cache write failed, key marked dirty",
			zap.String("session_id", updated.SessionID),
			zap.String("seat_id", updated.SeatID),
			zap.Error(putErr),
		)
		return updated, nil
	}

	// Neither the view nor the dirty mark landed: roll the store back so no reader
	// can observe a seat state the cache does not know about.
	restored, cErr := s.seats.UpdateIfVersion(ctx, prev, updated.Version)
	if cErr != nil {
		log.Error("seat store rollback failed after cache failure",
			zap.String("session_id", updated.SessionID),
			zap.String("seat_id", updated.SeatID),
			zap.NamedError("cache_error", putErr),
			zap.NamedError("rollback_error", cErr),
		)
	} else {
		_ = s.cache.Put(ctx, restored.View())
	}
	span.SetStatus(codes.Error, putErr.Error())
	return nil, fmt.Errorf("%w: %v", domain.ErrCacheInconsistent, putErr)
}

// RebuildCache replaces the session projection. Seats written while the rebuild ran
// are re-put afterwards; Put keeps the newer version.
func (s *seatService) RebuildCache(ctx context.Context, sessionID string) (int, error) {
	v, err, _ := s.group.Do("rebuild:"+sessionID, func() (interface{}, error) {
		records, err := s.seats.ListBySession(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		if len(records) == 0 {
			return 0, domain.ErrSessionNotFound
		}

		views := make([]*domain.SeatView, len(records))
		versions := make(map[string]int64, len(records))
		for i, rec := range records {
			views[i] = rec.View()
			versions[rec.SeatID] = rec.Version
		}
		if err := s.cache.Replace(ctx, sessionID, views); err != nil {
			return 0, fmt.Errorf("failed to replace seat cache: %w", err)
		}

		after, err := s.seats.ListBySession(ctx, sessionID)
		if err != nil {
			return len(views), nil
		}
		for _, rec := range after {
			if rec.Version != versions[rec.SeatID] {
				_ = s.cache.Put(ctx, rec.View())
			}
		}

		logger.Get().Info("seat cache rebuilt",
			zap.String("session_id", sessionID), zap.Int("seats", len(views)))
		return len(views), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// repairDirty re-projects flagged seats from the store, once per session at a time
func (s *seatService) repairDirty(ctx context.Context, sessionID string) (map[string]*domain.SeatView, error) {
	dirty, err := s.cache.DirtySeats(ctx, sessionID)
	if err != nil || len(dirty) == 0 {
		return nil, nil
	}

	v, err, _ := s.group.Do("repair:"+sessionID, func() (interface{}, error) {
		fixed := make(map[string]*domain.SeatView, len(dirty))
		for _, seatID := range dirty {
			rec, err := s.seats.Get(ctx, sessionID, seatID)
			if err != nil {
				return nil, err
			}
			view := rec.View()
			fixed[seatID] = view
			if err := s.cache.Put(ctx, view); err != nil {
				logger.Get().Warn("dirty seat repair failed",
					zap.String("session_id", sessionID), zap.String("seat_id", seatID), zap.Error(err))
			}
		}
		metrics.RecordCacheRepair(ctx, sessionID, len(fixed))
		return fixed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*domain.SeatView), nil
}

func (s *seatService) viewsFromStore(ctx context.Context, sessionID string) ([]*domain.SeatView, error) {
	records, err := s.seats.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	views := make([]*domain.SeatView, len(records))
	for i, rec := range records {
		views[i] = rec.View()
	}
	return views, nil
}

func overlay(views []*domain.SeatView, fresh map[string]*domain.SeatView) []*domain.SeatView {
	if len(fresh) == 0 {
		return views
	}
	for i, v := range views {
		if f, ok := fresh[v.SeatID]; ok {
			views[i] = f
		}
	}
	return views
}

func filterTier(views []*domain.SeatView, tierID string) []*domain.SeatView {
	out := make([]*domain.SeatView, 0, len(views))
	for _, v := range views {
		if v.TierID == tierID {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
