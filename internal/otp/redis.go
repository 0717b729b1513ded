package otp

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	logx "homerbot/pkg/logx"
)

const redisKeyPrefix = "homerbot:otp:"

// RedisStore keeps pending codes in Redis so multiple coordinator
// instances can share the queue. Expiry rides on native TTLs; GETDEL makes
// Take atomic on the server.
type RedisStore struct {
	client *redis.Client
	log    logx.Logger
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client, log: log}, nil
}

func (s *RedisStore) Put(ctx context.Context, key, code string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.client.Set(ctx, redisKeyPrefix+key, code, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, key string) (string, bool, error) {
	code, err := s.client.GetDel(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

// Sweep walks the key space and drops entries Redis somehow kept past
// their TTL. Normally a no-op; native expiry does the real work.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl <= 0 {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Warn("otp redis sweep scan failed", logx.Err(err))
		return removed, err
	}
	return removed, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
