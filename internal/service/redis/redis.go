package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService is the thin command surface the development relay uses.
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr string) (*RedisService, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) LTrim(ctx context.Context, key string, keepLast int64) error {
	return r.rdb.LTrim(ctx, key, -keepLast, -1).Err()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// SetNX reports whether key was newly set.
func (r *RedisService) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisService) SAdd(ctx context.Context, key string, members ...any) error {
	return r.rdb.SAdd(ctx, key, members...).Err()
}

func (r *RedisService) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *RedisService) HGet(ctx context.Context, key string, field string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisService) HSet(ctx context.Context, key string, field string, value any) error {
	return r.rdb.HSet(ctx, key, field, value).Err()
}

func (r *RedisService) HVals(ctx context.Context, key string) ([]string, error) {
	return r.rdb.HVals(ctx, key).Result()
}
