package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a remote experiment sink backed by Redis.
//
// Data layout:
//
//	<prefix>:run:<id>              HASH   name, started_at, ended_at, tag:*
//	<prefix>:run:<id>:metric:<key> ZSET   score = step, member = JSON line
//	<prefix>:run:<id>:params       HASH   parameter name -> value
//	<prefix>:run:<id>:artifacts    LIST   artifact paths
//
// Sorted-set members embed the step so repeated deliveries of the same
// observation stay idempotent per step.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed store.
//
// Args:
//
//	redisURL: Redis connection URL, e.g. "redis://localhost:6379"
//	keyPrefix: prefix for all keys (default "cliptune")
//	ttlSeconds: expiry applied when a run ends (0 = keep forever)
func NewRedisStore(redisURL, keyPrefix string, ttlSeconds int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "cliptune"
	}

	return &RedisStore{
		client:    redis.NewClient(opts),
		keyPrefix: keyPrefix,
		ttl:       time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func (r *RedisStore) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", r.keyPrefix, runID)
}

// StartRun creates the run hash.
func (r *RedisStore) StartRun(ctx context.Context, name string, tags map[string]string) (string, error) {
	runID := uuid.New().String()

	fields := map[string]any{
		"name":       name,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range tags {
		fields["tag:"+k] = v
	}

	if err := r.client.HSet(ctx, r.runKey(runID), fields).Err(); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// LogMetric appends one observation to the metric's sorted set.
func (r *RedisStore) LogMetric(ctx context.Context, runID, key string, value float64, step int) error {
	// No timestamp in the member: the same (key, value, step) must map to
	// the same set member so redelivery stays idempotent.
	member, err := json.Marshal(metricLine{
		Key:   key,
		Value: value,
		Step:  step,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize metric: %w", err)
	}

	zkey := fmt.Sprintf("%s:metric:%s", r.runKey(runID), key)
	if err := r.client.ZAdd(ctx, zkey, redis.Z{
		Score:  float64(step),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("failed to log metric: %w", err)
	}
	return nil
}

// LogParams merges parameters into the run's params hash.
func (r *RedisStore) LogParams(ctx context.Context, runID string, params map[string]float64) error {
	fields := make(map[string]any, len(params))
	for k, v := range params {
		fields[k] = v
	}
	if err := r.client.HSet(ctx, r.runKey(runID)+":params", fields).Err(); err != nil {
		return fmt.Errorf("failed to log params: %w", err)
	}
	return nil
}

// LogArtifact appends the artifact path to the run's artifact list.
func (r *RedisStore) LogArtifact(ctx context.Context, runID, path string) error {
	if err := r.client.RPush(ctx, r.runKey(runID)+":artifacts", path).Err(); err != nil {
		return fmt.Errorf("failed to log artifact: %w", err)
	}
	return nil
}

// EndRun stamps the end time and applies the configured TTL to all run keys.
func (r *RedisStore) EndRun(ctx context.Context, runID string) error {
	base := r.runKey(runID)
	if err := r.client.HSet(ctx, base, "ended_at", time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}

	if r.ttl > 0 {
		keys := []string{base, base + ":params", base + ":artifacts"}
		iter := r.client.Scan(ctx, 0, base+":metric:*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan metric keys: %w", err)
		}
		for _, key := range keys {
			if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
				return fmt.Errorf("failed to set TTL: %w", err)
			}
		}
	}
	return nil
}

// MetricValues reads back a metric's observations in step order.
func (r *RedisStore) MetricValues(ctx context.Context, runID, key string) ([]float64, error) {
	zkey := fmt.Sprintf("%s:metric:%s", r.runKey(runID), key)
	members, err := r.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metric: %w", err)
	}

	values := make([]float64, 0, len(members))
	for _, m := range members {
		var line metricLine
		if err := json.Unmarshal([]byte(m), &line); err != nil {
			continue // skip malformed entries
		}
		values = append(values, line.Value)
	}
	return values, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
