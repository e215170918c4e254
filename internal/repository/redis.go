package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicbook/internal/config"
	"clinicbook/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	occupancyKeyPrefix    = "occupancy:"
	occupancyGenKeyPrefix = "occupancy_gen:"
	rateLimitKeyPrefix    = "rate_limit:"

	// generationTTL outlives any in-flight fill by a wide margin.
	generationTTL = 7 * 24 * time.Hour
)

var errStaleGeneration = errors.New("occupancy generation changed")

type RedisCacheRepository struct {
	client *redis.Client
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCacheRepository(client *redis.Client) *RedisCacheRepository {
	return &RedisCacheRepository{client: client}
}

func (r *RedisCacheRepository) GetOccupancy(ctx context.Context, dateKey string) ([]models.Occupancy, bool, error) {
	if r.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, occupancyKeyPrefix+dateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get occupancy from redis: %w", err)
	}

	var occ []models.Occupancy
	if err := json.Unmarshal([]byte(val), &occ); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal occupancy: %w", err)
	}
	return occ, true, nil
}

func (r *RedisCacheRepository) OccupancyGeneration(ctx context.Context, dateKey string) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	gen, err := r.client.Get(ctx, occupancyGenKeyPrefix+dateKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get occupancy generation from redis: %w", err)
	}
	return gen, nil
}

// SetOccupancy writes under WATCH on the generation key, so an invalidation
// landing between the check and the write aborts the transaction.
func (r *RedisCacheRepository) SetOccupancy(ctx context.Context, dateKey string, generation int64, occ []models.Occupancy, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if occ == nil {
		occ = []models.Occupancy{}
	}
	data, err := json.Marshal(occ)
	if err != nil {
		return fmt.Errorf("failed to marshal occupancy: %w", err)
	}

	genKey := occupancyGenKeyPrefix + dateKey
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, occupancyKeyPrefix+dateKey, data, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, errStaleGeneration) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set occupancy in redis: %w", err)
	}
	return nil
}

func (r *RedisCacheRepository) InvalidateOccupancy(ctx context.Context, dateKeys ...string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(dateKeys) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range dateKeys {
			pipe.Incr(ctx, occupancyGenKeyPrefix+k)
			pipe.Expire(ctx, occupancyGenKeyPrefix+k, generationTTL)
			pipe.Del(ctx, occupancyKeyPrefix+k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate occupancy in redis: %w", err)
	}
	return nil
}

// CheckRateLimit counts a hit for key in a fixed window and reports whether
// the count is still within limit.
func (r *RedisCacheRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := rateLimitKeyPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	return count <= int64(limit), nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
