package credential

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQuotaStore is an optional distributed backstop for the RPD counter
// that local process memory can't share across multiple rccd replicas:
// one key per (slot, day), expiring itself a day after write, namespaced
// the same way tracker.RedisStore namespaces trace records.
type RedisQuotaStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisQuotaStore builds a RedisQuotaStore over an already-constructed
// *redis.Client.
func NewRedisQuotaStore(client *redis.Client, namespace string) *RedisQuotaStore {
	if namespace == "" {
		namespace = "rcc:quota"
	}
	return &RedisQuotaStore{client: client, namespace: namespace}
}

func (s *RedisQuotaStore) key(slotName string, day time.Time) string {
	return s.namespace + ":" + slotName + ":" + day.UTC().Format("2006-01-02")
}

// Increment bumps today's counter for slotName and returns the new total.
func (s *RedisQuotaStore) Increment(ctx context.Context, slotName string) (int64, error) {
	key := s.key(slotName, time.Now())
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Count returns today's counter for slotName without mutating it.
func (s *RedisQuotaStore) Count(ctx context.Context, slotName string) (int64, error) {
	val, err := s.client.Get(ctx, s.key(slotName, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
