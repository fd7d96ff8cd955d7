package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	planKeyPrefix  = "billing:plan:"
	DefaultPlanTTL = 10 * time.Minute
)

// PlanCache stores the effective plan per user. Entries are dropped whenever
// a subscription changes, the TTL only bounds staleness after a missed invalidation.
type PlanCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPlanCache(client *redis.Client, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &PlanCache{client: client, ttl: ttl}
}

func planKey(userID uint) string {
	return fmt.Sprintf("%s%d", planKeyPrefix, userID)
}

// GetPlan returns ok=false on a miss.
func (c *PlanCache) GetPlan(ctx context.Context, userID uint) (string, bool, error) {
	val, err := c.client.Get(ctx, planKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *PlanCache) SetPlan(ctx context.Context, userID uint, plan string) error {
	return c.client.Set(ctx, planKey(userID), plan, c.ttl).Err()
}

func (c *PlanCache) Invalidate(ctx context.Context, userID uint) error {
	return c.client.Del(ctx, planKey(userID)).Err()
}
