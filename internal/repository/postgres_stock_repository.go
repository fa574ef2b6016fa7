package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// PostgresStockRepository implements StockRepository using PostgreSQL
type PostgresStockRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresStockRepository creates a new PostgresStockRepository
func NewPostgresStockRepository(pool *pgxpool.Pool) *PostgresStockRepository {
	return &PostgresStockRepository{pool: pool}
}

const stockColumns = `session_id, tier_id, total, available, version, updated_at`

func scanStock(row pgx.Row) (*domain.StockCounter, error) {
	s := &domain.StockCounter{}
	if err := row.Scan(&s.SessionID, &s.TierID, &s.Total, &s.Available, &s.Version, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a counter
func (r *PostgresStockRepository) Create(ctx context.Context, c *domain.StockCounter) error {
	if !c.Valid() {
		return domain.ErrInvalidQuantity
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stock_counters (session_id, tier_id, total, available, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.SessionID, c.TierID, c.Total, c.Available, c.Version, c.UpdatedAt)
	return err
}

// Get retrieves a counter
func (r *PostgresStockRepository) Get(ctx context.Context, sessionID, tierID string) (*domain.StockCounter, error) {
	s, err := scanStock(r.pool.QueryRow(ctx,
		`SELECT `+stockColumns+` FROM stock_counters WHERE session_id = $1 AND tier_id = $2`, sessionID, tierID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStockNotFound
	}
	return s, err
}

// Decrement is a single conditional UPDATE so concurrent callers can never drive
// available below zero
func (r *PostgresStockRepository) Decrement(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error) {
	query := `
		UPDATE stock_counters
		SET available = available - $3, version = version + 1, updated_at = NOW()
		WHERE session_id = $1 AND tier_id = $2 AND available >= $3
		RETURNING ` + stockColumns
	s, err := scanStock(r.pool.QueryRow(ctx, query, sessionID, tierID, qty))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, err := r.Get(ctx, sessionID, tierID); err != nil {
		return nil, err
	}
	return nil, domain.ErrInsufficientStock
}

// Increment adds qty but never past total; the prior available value is returned
// alongside so the clamp can be detected
func (r *PostgresStockRepository) Increment(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, int, error) {
	query := `
		WITH prev AS (
			SELECT available FROM stock_counters
			WHERE session_id = $1 AND tier_id = $2
			FOR UPDATE
		)
		UPDATE stock_counters s
		SET available = LEAST(s.total, s.available + $3), version = s.version + 1, updated_at = NOW()
		FROM prev
		WHERE s.session_id = $1 AND s.tier_id = $2
		RETURNING s.session_id, s.tier_id, s.total, s.available, s.version, s.updated_at, prev.available`
	s := &domain.StockCounter{}
	var before int
	err := r.pool.QueryRow(ctx, query, sessionID, tierID, qty).Scan(
		&s.SessionID, &s.TierID, &s.Total, &s.Available, &s.Version, &s.UpdatedAt, &before)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, domain.ErrStockNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return s, before + qty - s.Available, nil
}
