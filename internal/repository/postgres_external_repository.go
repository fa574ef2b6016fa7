package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// PostgresBindingRepository implements BindingRepository using PostgreSQL
type PostgresBindingRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBindingRepository creates a new PostgresBindingRepository
func NewPostgresBindingRepository(pool *pgxpool.Pool) *PostgresBindingRepository {
	return &PostgresBindingRepository{pool: pool}
}

const bindingColumns = `session_id, account, performance_id, lock_remark, active, created_at`

func scanBinding(row pgx.Row) (*domain.ExternalBinding, error) {
	b := &domain.ExternalBinding{}
	if err := row.Scan(&b.SessionID, &b.Account, &b.PerformanceID, &b.LockRemark, &b.Active, &b.CreatedAt); err != nil {
		return nil, err
	}
	return b, nil
}

// Upsert creates or replaces a binding
func (r *PostgresBindingRepository) Upsert(ctx context.Context, b *domain.ExternalBinding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_bindings (session_id, account, performance_id, lock_remark, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE
		SET account = EXCLUDED.account, performance_id = EXCLUDED.performance_id,
			lock_remark = EXCLUDED.lock_remark, active = EXCLUDED.active`,
		b.SessionID, b.Account, b.PerformanceID, b.LockRemark, b.Active, b.CreatedAt)
	return err
}

// GetBySession retrieves the binding of a session
func (r *PostgresBindingRepository) GetBySession(ctx context.Context, sessionID string) (*domain.ExternalBinding, error) {
	b, err := scanBinding(r.pool.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM external_bindings WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBindingNotFound
	}
	return b, err
}

// ListActive retrieves every binding due for reconciliation
func (r *PostgresBindingRepository) ListActive(ctx context.Context) ([]*domain.ExternalBinding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bindingColumns+` FROM external_bindings WHERE active ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ExternalBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PostgresRefundFlagRepository implements RefundFlagRepository using PostgreSQL
type PostgresRefundFlagRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRefundFlagRepository creates a new PostgresRefundFlagRepository
func NewPostgresRefundFlagRepository(pool *pgxpool.Pool) *PostgresRefundFlagRepository {
	return &PostgresRefundFlagRepository{pool: pool}
}

// Flag records a refund flag once per (order, session, seat)
func (r *PostgresRefundFlagRepository) Flag(ctx context.Context, f *domain.RefundFlag) (bool, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO order_refund_flags (order_token, session_id, seat_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		f.OrderToken, f.SessionID, f.SeatID, f.Reason, f.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByOrder retrieves the flags of an order
func (r *PostgresRefundFlagRepository) ListByOrder(ctx context.Context, orderToken string) ([]*domain.RefundFlag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT order_token, session_id, seat_id, reason, created_at
		FROM order_refund_flags WHERE order_token = $1 ORDER BY created_at`, orderToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RefundFlag
	for rows.Next() {
		f := &domain.RefundFlag{}
		if err := rows.Scan(&f.OrderToken, &f.SessionID, &f.SeatID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
