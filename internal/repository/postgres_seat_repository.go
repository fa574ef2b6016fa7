package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// seatColumns defines columns for seat_records table
const seatColumns = `session_id, seat_id, venue, floor, row_label, column_label, zone,
	tier_id, price, sold, reserved, externally_locked, externally_sold, lock_pushed,
	COALESCE(owning_order, '') AS owning_order, version, start_index, end_index,
	COALESCE(external_seat_id, '') AS external_seat_id, updated_at`

// PostgresSeatRepository implements SeatRepository using PostgreSQL
type PostgresSeatRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSeatRepository creates a new PostgresSeatRepository
func NewPostgresSeatRepository(pool *pgxpool.Pool) *PostgresSeatRepository {
	return &PostgresSeatRepository{pool: pool}
}

func scanSeat(row pgx.Row) (*domain.SeatRecord, error) {
	rec := &domain.SeatRecord{}
	err := row.Scan(
		&rec.SessionID,
		&rec.SeatID,
		&rec.Seat.Venue,
		&rec.Seat.Floor,
		&rec.Seat.Row,
		&rec.Seat.Column,
		&rec.Seat.Zone,
		&rec.TierID,
		&rec.Price,
		&rec.Sold,
		&rec.Reserved,
		&rec.ExternallyLocked,
		&rec.ExternallySold,
		&rec.LockPushed,
		&rec.OwningOrder,
		&rec.Version,
		&rec.StartIndex,
		&rec.EndIndex,
		&rec.ExternalSeatID,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts seat records in one batch
func (r *PostgresSeatRepository) Create(ctx context.Context, records ...*domain.SeatRecord) error {
	query := `
		INSERT INTO seat_records (session_id, seat_id, venue, floor, row_label, column_label, zone,
			tier_id, price, sold, reserved, externally_locked, externally_sold, lock_pushed,
			owning_order, version, start_index, end_index, external_seat_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	batch := &pgx.Batch{}
	now := time.Now()
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("seat %s/%s: %w", rec.SessionID, rec.SeatID, err)
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		batch.Queue(query,
			rec.SessionID, rec.SeatID, rec.Seat.Venue, rec.Seat.Floor, rec.Seat.Row, rec.Seat.Column, rec.Seat.Zone,
			rec.TierID, rec.Price, rec.Sold, rec.Reserved, rec.ExternallyLocked, rec.ExternallySold, rec.LockPushed,
			nullable(rec.OwningOrder), rec.Version, rec.StartIndex, rec.EndIndex, nullable(rec.ExternalSeatID), rec.UpdatedAt,
		)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// Get retrieves one seat record
func (r *PostgresSeatRepository) Get(ctx context.Context, sessionID, seatID string) (*domain.SeatRecord, error) {
	query := `SELECT ` + seatColumns + ` FROM seat_records WHERE session_id = $1 AND seat_id = $2`
	rec, err := scanSeat(r.pool.QueryRow(ctx, query, sessionID, seatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSeatNotFound
	}
	return rec, err
}

// ListBySession retrieves every seat of a session
func (r *PostgresSeatRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.SeatRecord, error) {
	query := `SELECT ` + seatColumns + ` FROM seat_records WHERE session_id = $1 ORDER BY seat_id`
	return r.list(ctx, query, sessionID)
}

// ListByOwner retrieves every seat held or sold by an order
func (r *PostgresSeatRepository) ListByOwner(ctx context.Context, orderToken string) ([]*domain.SeatRecord, error) {
	query := `SELECT ` + seatColumns + ` FROM seat_records WHERE owning_order = $1 ORDER BY session_id, seat_id`
	return r.list(ctx, query, orderToken)
}

// ListSessions returns the distinct session ids in the store
func (r *PostgresSeatRepository) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT session_id FROM seat_records ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresSeatRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.SeatRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.SeatRecord
	for rows.Next() {
		rec, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateIfVersion performs the optimistic write of the mutable seat flags
func (r *PostgresSeatRepository) UpdateIfVersion(ctx context.Context, rec *domain.SeatRecord, expected int64) (*domain.SeatRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	query := `
		UPDATE seat_records
		SET sold = $3, reserved = $4, externally_locked = $5, externally_sold = $6, lock_pushed = $7,
			owning_order = $8, version = version + 1, updated_at = NOW()
		WHERE session_id = $1 AND seat_id = $2 AND version = $9
		RETURNING ` + seatColumns
	updated, err := scanSeat(r.pool.QueryRow(ctx, query,
		rec.SessionID, rec.SeatID,
		rec.Sold, rec.Reserved, rec.ExternallyLocked, rec.ExternallySold, rec.LockPushed,
		nullable(rec.OwningOrder), expected,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM seat_records WHERE session_id = $1 AND seat_id = $2)`,
		rec.SessionID, rec.SeatID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrSeatNotFound
	}
	return nil, domain.ErrVersionMismatch
}

// SetSnapshotIndexes stores bit windows; it does not bump the version since the
// windows are not part of the contested seat state
func (r *PostgresSeatRepository) SetSnapshotIndexes(ctx context.Context, sessionID string, windows map[string][2]int) error {
	batch := &pgx.Batch{}
	for seatID, w := range windows {
		batch.Queue(`UPDATE seat_records SET start_index = $3, end_index = $4 WHERE session_id = $1 AND seat_id = $2`,
			sessionID, seatID, w[0], w[1])
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
