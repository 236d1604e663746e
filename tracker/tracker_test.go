package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

func TestRingAppendAndGet(t *testing.T) {
	r := NewRing(10)
	rec := domain.TraceRecord{RequestID: "r1", VirtualModelID: "default", FinalOutcome: domain.OutcomeSuccess}
	r.Append(rec)

	got, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "default", got.VirtualModelID)
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	r := NewRing(2)
	r.Append(domain.TraceRecord{RequestID: "a"})
	r.Append(domain.TraceRecord{RequestID: "b"})
	r.Append(domain.TraceRecord{RequestID: "c"})

	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)
	assert.Len(t, r.Recent(0), 2)
}

func TestTrackerAggregateComputesPercentilesAndRatios(t *testing.T) {
	tr := New(NewRing(100), nil)

	tr.Close("r1", "default", []domain.Attempt{{ProviderID: "p1", CredentialName: "k1"}}, domain.OutcomeSuccess, 10*time.Millisecond)
	tr.Close("r2", "default", []domain.Attempt{{ProviderID: "p1", CredentialName: "k1"}}, domain.OutcomeServerError, 50*time.Millisecond)
	tr.Close("r3", "default", []domain.Attempt{{ProviderID: "p1", CredentialName: "k2"}}, domain.OutcomeSuccess, 20*time.Millisecond)

	agg := tr.Aggregate("default", 0)
	assert.Equal(t, 3, agg.RequestCount)
	assert.Equal(t, 2, agg.SuccessCount)
	assert.Equal(t, 1, agg.FailureCount)
	assert.Equal(t, 2, agg.CredentialUseCount["k1"])
	assert.Equal(t, 1, agg.CredentialUseCount["k2"])
	assert.True(t, agg.P99Latency >= agg.P50Latency)
}

func TestRedisStoreAppendGetRecent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(context.Background(), RedisStoreOptions{Client: client, Namespace: "test:trace"})

	store.Append(domain.TraceRecord{RequestID: "r1", VirtualModelID: "default", FinalOutcome: domain.OutcomeSuccess})
	store.Append(domain.TraceRecord{RequestID: "r2", VirtualModelID: "default", FinalOutcome: domain.OutcomeServerError})

	got, ok := store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "default", got.VirtualModelID)

	recent := store.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "r1", recent[0].RequestID)
	assert.Equal(t, "r2", recent[1].RequestID)
}
