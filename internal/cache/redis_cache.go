package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"pagina-vendedor/backend/internal/domain"
)

const settingsKeyPrefix = "pagina:settings:"

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(client *redis.Client) *RedisSettingsCache {
	return &RedisSettingsCache{client: client}
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Get(ctx context.Context, key string) (*domain.Setting, bool, error) {
	val, err := c.client.Get(ctx, settingsKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var setting domain.Setting
	if err := json.Unmarshal([]byte(val), &setting); err != nil {
		return nil, false, err
	}
	return &setting, true, nil
}

func (c *RedisSettingsCache) Set(ctx context.Context, setting domain.Setting, ttl time.Duration) error {
	payload, err := json.Marshal(setting)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, settingsKeyPrefix+setting.Key, payload, ttl).Err()
}

func (c *RedisSettingsCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, settingsKeyPrefix+key).Err()
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.client.Obtain(ctx, "pagina:lock:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lock.Release, true, nil
}
