package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

// RedisStore is an optional durable backend for trace records. Every key
// lives under "rcc:trace:<requestID>", with a recent-ids list capped the
// same way Ring caps its in-memory slice.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	ctx       context.Context
	recentCap int64
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Client    *redis.Client
	Namespace string        // defaults to "rcc:trace"
	TTL       time.Duration // 0 = no expiry
	RecentCap int64         // cap on the "recent ids" list, default 10000
}

// NewRedisStore builds a RedisStore over an already-constructed
// *redis.Client.
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) *RedisStore {
	ns := opts.Namespace
	if ns == "" {
		ns = "rcc:trace"
	}
	cap := opts.RecentCap
	if cap <= 0 {
		cap = 10_000
	}
	return &RedisStore{client: opts.Client, namespace: ns, ttl: opts.TTL, ctx: ctx, recentCap: cap}
}

func (s *RedisStore) key(requestID string) string {
	return s.namespace + ":" + requestID
}

// Append stores rec under its request id and pushes the id onto a capped
// "recent" list used by Recent.
func (s *RedisStore) Append(rec domain.TraceRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	pipe := s.client.TxPipeline()
	if s.ttl > 0 {
		pipe.Set(s.ctx, s.key(rec.RequestID), data, s.ttl)
	} else {
		pipe.Set(s.ctx, s.key(rec.RequestID), data, 0)
	}
	pipe.LPush(s.ctx, s.namespace+":recent", rec.RequestID)
	pipe.LTrim(s.ctx, s.namespace+":recent", 0, s.recentCap-1)
	_, _ = pipe.Exec(s.ctx)
}

// Get fetches one trace record by request id.
func (s *RedisStore) Get(requestID string) (domain.TraceRecord, bool) {
	raw, err := s.client.Get(s.ctx, s.key(requestID)).Bytes()
	if err != nil {
		return domain.TraceRecord{}, false
	}
	var rec domain.TraceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.TraceRecord{}, false
	}
	return rec, true
}

// Recent returns up to limit of the most recently appended records
// (0 = every id on the recent list).
func (s *RedisStore) Recent(limit int) []domain.TraceRecord {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.LRange(s.ctx, s.namespace+":recent", 0, stop).Result()
	if err != nil {
		return nil
	}

	out := make([]domain.TraceRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // oldest first, matching Ring.Recent order
		if rec, ok := s.Get(ids[i]); ok {
			out = append(out, rec)
		}
	}
	return out
}
