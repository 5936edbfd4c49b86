package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dataset-job-orchestrator/internal/models"
)

// Redis keeps tracer marks in a shared Redis so every service sees them.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds a sink. A zero ttl keeps marks until they are finished.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Tracer(queue, task string) Tracer {
	return &redisTracer{sink: r, prefix: keyPrefix(queue, task)}
}

type redisTracer struct {
	sink   *Redis
	prefix string
}

func (t *redisTracer) Mark(ctx context.Context, entityID, status string) error {
	key := t.prefix + entityID
	var err error
	if status == models.StatusSucceeded {
		err = t.sink.client.Del(ctx, key).Err()
	} else {
		err = t.sink.client.Set(ctx, key, status, t.sink.ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: tracer mark %s: %v", models.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (t *redisTracer) IsProcessing(ctx context.Context, entityID string) (bool, error) {
	status, err := t.sink.client.Get(ctx, t.prefix+entityID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: tracer lookup: %v", models.ErrStoreUnavailable, err)
	}
	return processing(status), nil
}
