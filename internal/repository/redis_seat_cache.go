package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed scripts/put_seat_view.lua
var putSeatViewScript string

const scriptPutSeatView = "put_seat_view"

// Cache key layout
func seatMapKey(sessionID string) string { return fmt.Sprintf("seatmap:%s", sessionID) }
func tierKey(sessionID, tierID string) string {
	return fmt.Sprintf("seatmap:%s:tier:%s", sessionID, tierID)
}
func dirtyKey(sessionID string) string  { return fmt.Sprintf("seatmap:%s:dirty", sessionID) }
func loadedKey(sessionID string) string { return fmt.Sprintf("seatmap:%s:loaded", sessionID) }

// RedisSeatCache implements SeatCache using Redis hashes and sets
type RedisSeatCache struct {
	client *pkgredis.Client
}

// NewRedisSeatCache creates a new RedisSeatCache
func NewRedisSeatCache(client *pkgredis.Client) *RedisSeatCache {
	return &RedisSeatCache{client: client}
}

func (c *RedisSeatCache) isLoaded(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.client.Exists(ctx, loadedKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSeatMap reads the whole session hash
func (c *RedisSeatCache) GetSeatMap(ctx context.Context, sessionID string) ([]*domain.SeatView, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.seat_cache.get_seat_map")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	loaded, err := c.isLoaded(ctx, sessionID)
	if err != nil || !loaded {
		return nil, false, err
	}

	raw, err := c.client.HGetAll(ctx, seatMapKey(sessionID)).Result()
	if err != nil {
		return nil, false, err
	}
	views := make([]*domain.SeatView, 0, len(raw))
	for seatID, data := range raw {
		v, err := decodeView(data)
		if err != nil {
			return nil, true, fmt.Errorf("seat %s: %w", seatID, err)
		}
		views = append(views, v)
	}
	sortViews(views)
	return views, true, nil
}

// GetSeat reads one field of the session hash
func (c *RedisSeatCache) GetSeat(ctx context.Context, sessionID, seatID string) (*domain.SeatView, error) {
	data, err := c.client.HGet(ctx, seatMapKey(sessionID), seatID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeView(data)
}

// GetTierSeats reads the tier index then the matching fields
func (c *RedisSeatCache) GetTierSeats(ctx context.Context, sessionID, tierID string) ([]*domain.SeatView, bool, error) {
	loaded, err := c.isLoaded(ctx, sessionID)
	if err != nil || !loaded {
		return nil, false, err
	}

	ids, err := c.client.SMembers(ctx, tierKey(sessionID, tierID)).Result()
	if err != nil {
		return nil, true, err
	}
	if len(ids) == 0 {
		return []*domain.SeatView{}, true, nil
	}

	vals, err := c.client.HMGet(ctx, seatMapKey(sessionID), ids...).Result()
	if err != nil {
		return nil, true, err
	}
	views := make([]*domain.SeatView, 0, len(vals))
	for i, val := range vals {
		s, ok := val.(string)
		if !ok {
			// indexed but missing from the hash; treat as a miss
			return nil, false, fmt.Errorf("tier index references uncached seat %s", ids[i])
		}
		v, err := decodeView(s)
		if err != nil {
			return nil, true, err
		}
		views = append(views, v)
	}
	sortViews(views)
	return views, true, nil
}

// LoadScripts loads all Lua scripts into Redis
func (c *RedisSeatCache) LoadScripts(ctx context.Context) error {
	if _, err := c.client.LoadScript(ctx, scriptPutSeatView, putSeatViewScript); err != nil {
		return fmt.Errorf("failed to load script %s: %w", scriptPutSeatView, err)
	}
	return nil
}

// Put writes one view, indexes its tier and clears any dirty mark. A cached view
// with a higher version is kept, so the cache never moves backwards.
func (c *RedisSeatCache) Put(ctx context.Context, view *domain.SeatView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	keys := []string{seatMapKey(view.SessionID), tierKey(view.SessionID, view.TierID), dirtyKey(view.SessionID)}
	return c.client.EvalWithFallback(ctx, scriptPutSeatView, putSeatViewScript, keys, view.SeatID, data, view.Version).Err()
}

// Replace rebuilds the whole session projection atomically
func (c *RedisSeatCache) Replace(ctx context.Context, sessionID string, views []*domain.SeatView) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.seat_cache.replace")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("seats", len(views)))

	fields := make(map[string]interface{}, len(views))
	tiers := make(map[string][]interface{})
	for _, v := range views {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[v.SeatID] = data
		if v.TierID != "" {
			tiers[v.TierID] = append(tiers[v.TierID], v.SeatID)
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, seatMapKey(sessionID), dirtyKey(sessionID))
	for tierID, ids := range tiers {
		pipe.Del(ctx, tierKey(sessionID, tierID))
		pipe.SAdd(ctx, tierKey(sessionID, tierID), ids...)
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, seatMapKey(sessionID), fields)
	}
	pipe.Set(ctx, loadedKey(sessionID), "1", 0)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkDirty flags a seat for repair on next read
func (c *RedisSeatCache) MarkDirty(ctx context.Context, sessionID, seatID string) error {
	return c.client.Client().SAdd(ctx, dirtyKey(sessionID), seatID).Err()
}

// DirtySeats lists flagged seats
func (c *RedisSeatCache) DirtySeats(ctx context.Context, sessionID string) ([]string, error) {
	return c.client.SMembers(ctx, dirtyKey(sessionID)).Result()
}

func decodeView(data string) (*domain.SeatView, error) {
	var v domain.SeatView
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode cached seat: %w", err)
	}
	return &v, nil
}

func sortViews(views []*domain.SeatView) {
	sort.Slice(views, func(i, j int) bool { return views[i].SeatID < views[j].SeatID })
}
