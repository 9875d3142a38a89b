package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the tenant is at capacity. The caller must
// wait and retry admission for the same job, never skip it.
var ErrBusy = errors.New("admission gate: tenant at capacity")

// Gate is a distributed counting semaphore keyed per tenant. Slots live
// in a Redis ZSET scored by lease expiry, so a slot held by a crashed or
// hung worker frees itself once the lease runs out.
type Gate struct {
	client   *redis.Client
	capacity int
	lease    time.Duration
}

// Slot is one held admission slot. Zero value means no slot.
type Slot struct {
	TenantID string
	token    string
}

// New constructs a gate with the given per-tenant capacity and slot lease.
func New(client *redis.Client, capacity int, lease time.Duration) *Gate {
	return &Gate{
		client:   client,
		capacity: capacity,
		lease:    lease,
	}
}

func tenantKey(tenantID string) string {
	return "gate:" + tenantID
}

// Acquire takes one slot for the tenant without blocking. It returns
// ErrBusy when all slots are held by unexpired leases.
func (g *Gate) Acquire(ctx context.Context, tenantID string) (Slot, error) {
	token := uuid.New().String()
	now := time.Now()
	res, err := acquireScript.Run(ctx, g.client, []string{tenantKey(tenantID)},
		now.UnixMilli(),
		g.capacity,
		now.Add(g.lease).UnixMilli(),
		token,
		(2 * g.lease).Milliseconds(),
	).Result()
	if err != nil {
		return Slot{}, fmt.Errorf("acquire slot: %w", err)
	}
	granted, ok := res.(int64)
	if !ok {
		return Slot{}, fmt.Errorf("unexpected type from acquire script: %T", res)
	}
	if granted == 0 {
		return Slot{}, ErrBusy
	}
	return Slot{TenantID: tenantID, token: token}, nil
}

// Release returns the slot. Releasing an expired or unknown slot is a no-op.
func (g *Gate) Release(ctx context.Context, slot Slot) error {
	if slot.token == "" {
		return nil
	}
	return g.client.ZRem(ctx, tenantKey(slot.TenantID), slot.token).Err()
}

// Active returns the number of unexpired slots the tenant currently holds.
func (g *Gate) Active(ctx context.Context, tenantID string) (int64, error) {
	key := tenantKey(tenantID)
	now := time.Now().UnixMilli()
	if err := g.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now)).Err(); err != nil {
		return 0, err
	}
	return g.client.ZCard(ctx, key).Result()
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local expiry = tonumber(ARGV[3])
local token = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZCARD', key) >= capacity then
  return 0
end

redis.call('ZADD', key, expiry, token)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return 1
`)
