package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
	"github.com/redis/go-redis/v9"
)

func snapshotKey(sessionID string) string    { return fmt.Sprintf("snapshot:%s", sessionID) }
func snapshotLenKey(sessionID string) string { return fmt.Sprintf("snapshot:%s:len", sessionID) }

// RedisSnapshotRepository stores reconciliation baselines as Redis strings so single
// seat fields can be rewritten with BITFIELD
type RedisSnapshotRepository struct {
	client *pkgredis.Client
}

// NewRedisSnapshotRepository creates a new RedisSnapshotRepository
func NewRedisSnapshotRepository(client *pkgredis.Client) *RedisSnapshotRepository {
	return &RedisSnapshotRepository{client: client}
}

// Get returns nil when no baseline exists
func (r *RedisSnapshotRepository) Get(ctx context.Context, sessionID string) (*domain.ExternalSnapshot, error) {
	bits, err := r.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n, err := r.client.Get(ctx, snapshotLenKey(sessionID)).Int()
	if errors.Is(err, redis.Nil) {
		// bits without a length are unusable
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.ExternalSnapshot{SessionID: sessionID, Bits: bits, Seats: n}, nil
}

// Save replaces the baseline
func (r *RedisSnapshotRepository) Save(ctx context.Context, snap *domain.ExternalSnapshot) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.SessionID), snap.Bits, 0)
	pipe.Set(ctx, snapshotLenKey(snap.SessionID), snap.Seats, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateFields rewrites 3-bit seat fields in place
func (r *RedisSnapshotRepository) UpdateFields(ctx context.Context, sessionID string, fields map[int]uint8) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*4)
	for i, v := range fields {
		args = append(args, "SET", "u3", fmt.Sprintf("#%d", i), int64(v))
	}
	return r.client.BitField(ctx, snapshotKey(sessionID), args...).Err()
}

// Delete drops the baseline
func (r *RedisSnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, snapshotKey(sessionID), snapshotLenKey(sessionID)).Err()
}
