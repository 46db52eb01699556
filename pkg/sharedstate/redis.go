package sharedstate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFactory returns a Factory producing Redis-backed maps, one namespace
// per collection
func RedisFactory(client *redis.Client) Factory {
	return func(collection string) Map {
		return NewRedisMap(client, collection)
	}
}

// RedisMap is the production Map - one namespace per collection, shared by
// every hub instance connected to the same Redis
type RedisMap struct {
	client    *redis.Client
	namespace string
}

func NewRedisMap(client *redis.Client, namespace string) *RedisMap {
	return &RedisMap{
		client:    client,
		namespace: namespace,
	}
}

func (m *RedisMap) fullKey(key string) string {
	return fmt.Sprintf("sirihub:%s:%s", m.namespace, key)
}

func (m *RedisMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := m.client.Get(ctx, m.fullKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *RedisMap) Set(ctx context.Context, key string, value []byte) error {
	return m.client.Set(ctx, m.fullKey(key), value, 0).Err()
}

func (m *RedisMap) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.client.Set(ctx, m.fullKey(key), value, ttl).Err()
}

func (m *RedisMap) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.fullKey(key)).Err()
}

func (m *RedisMap) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := m.fullKey(prefix) + "*"
	stripLength := len(m.fullKey(""))

	var keys []string
	iterator := m.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iterator.Next(ctx) {
		keys = append(keys, iterator.Val()[stripLength:])
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (m *RedisMap) Len(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx, "")
	return len(keys), err
}

func (m *RedisMap) Append(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	values := make([]interface{}, len(members))
	for i, member := range members {
		values[i] = member
	}
	return m.client.RPush(ctx, m.fullKey(key), values...).Err()
}

func (m *RedisMap) Drain(ctx context.Context, key string) ([]string, error) {
	pipe := m.client.TxPipeline()
	members := pipe.LRange(ctx, m.fullKey(key), 0, -1)
	pipe.Del(ctx, m.fullKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	return members.Val(), nil
}

func (m *RedisMap) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
