package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
)

//go:embed scripts/put_leases.lua
var putLeasesScript string

//go:embed scripts/delete_leases.lua
var deleteLeasesScript string

//go:embed scripts/scan_expired.lua
var scanExpiredScript string

// Script names for caching
const (
	scriptPutLeases    = "put_leases"
	scriptDeleteLeases = "delete_leases"
	scriptScanExpired  = "scan_expired"
)

// leaseExpiryKey indexes "{order}|{field}" members by deadline. Lease hashes carry
// no TTL: a field lives until Delete, so a lapsed stock hold can still be returned.
const leaseExpiryKey = "lease:expiry"

func leaseKey(orderToken string) string { return "lease:" + orderToken }

// RedisLeaseRepository implements LeaseRepository with one hash per order and a
// sorted expiry index of "{order}|{field}" members
type RedisLeaseRepository struct {
	client *pkgredis.Client
}

// NewRedisLeaseRepository creates a new RedisLeaseRepository
func NewRedisLeaseRepository(client *pkgredis.Client) *RedisLeaseRepository {
	return &RedisLeaseRepository{client: client}
}

// LoadScripts loads all Lua scripts into Redis
func (r *RedisLeaseRepository) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptPutLeases:    putLeasesScript,
		scriptDeleteLeases: deleteLeasesScript,
		scriptScanExpired:  scanExpiredScript,
	}
	for name, script := range scripts {
		if _, err := r.client.LoadScript(ctx, name, script); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}
	return nil
}

// Put stores leases grouped by order
func (r *RedisLeaseRepository) Put(ctx context.Context, leases ...*domain.ReservationLease) error {
	byOrder := make(map[string][]*domain.ReservationLease)
	for _, l := range leases {
		if l.OrderToken == "" {
			return domain.ErrInvalidOrderToken
		}
		byOrder[l.OrderToken] = append(byOrder[l.OrderToken], l)
	}

	for order, group := range byOrder {
		args := make([]interface{}, 0, 3*len(group))
		for _, l := range group {
			data, err := json.Marshal(l)
			if err != nil {
				return err
			}
			args = append(args, l.Field(), data, l.ExpiresAt.UnixMilli())
		}

		keys := []string{leaseKey(order), leaseExpiryKey}
		if err := r.client.EvalWithFallback(ctx, scriptPutLeases, putLeasesScript, keys, args...).Err(); err != nil {
			return fmt.Errorf("failed to store leases for %s: %w", order, err)
		}
	}
	return nil
}

// ListByOrder reads the order's lease hash
func (r *RedisLeaseRepository) ListByOrder(ctx context.Context, orderToken string) ([]*domain.ReservationLease, error) {
	raw, err := r.client.HGetAll(ctx, leaseKey(orderToken)).Result()
	if err != nil {
		return nil, err
	}
	leases := make([]*domain.ReservationLease, 0, len(raw))
	for field, data := range raw {
		var l domain.ReservationLease
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("lease %s/%s: %w", orderToken, field, err)
		}
		leases = append(leases, &l)
	}
	return leases, nil
}

// Delete removes lease fields and their expiry entries atomically
func (r *RedisLeaseRepository) Delete(ctx context.Context, orderToken string, fields ...string) (int, error) {
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	keys := []string{leaseKey(orderToken), leaseExpiryKey}
	n, err := r.client.EvalWithFallback(ctx, scriptDeleteLeases, deleteLeasesScript, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete leases for %s: %w", orderToken, err)
	}
	return int(n), nil
}

// ListExpired scans the expiry index up to now. Index members whose lease field
// is gone are pruned by the scan, so they never crowd out live orders.
func (r *RedisLeaseRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	keys := []string{leaseExpiryKey}
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	seen := make(map[string]struct{}, limit)
	orders := make([]string, 0, limit)
	offset := 0
	for len(orders) < limit {
		res, err := r.client.EvalWithFallback(ctx, scriptScanExpired, scanExpiredScript, keys, maxScore, offset, limit).Slice()
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			break
		}
		read, _ := res[0].(int64)
		for _, v := range res[1:] {
			m, _ := v.(string)
			// live members stay in the index, so the next page starts after them
			offset++
			order, _, ok := strings.Cut(m, "|")
			if !ok {
				continue
			}
			if _, dup := seen[order]; dup {
				continue
			}
			seen[order] = struct{}{}
			orders = append(orders, order)
			if len(orders) == limit {
				break
			}
		}
		if read < int64(limit) {
			break
		}
	}
	return orders, nil
}
