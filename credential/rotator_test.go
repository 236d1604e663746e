package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
)

func newSlot(name string, weight int) *domain.CredentialSlot {
	return &domain.CredentialSlot{
		Name:   name,
		Secret: "secret-" + name,
		Weight: weight,
		Status: domain.SlotActive,
	}
}

func TestRotatorDedupesIdenticalSecrets(t *testing.T) {
	a := newSlot("a", 1)
	b := newSlot("b", 1)
	b.Secret = a.Secret // identical material, different name

	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a, b}, nil)
	assert.Len(t, r.Slots(), 1)
}

func TestAcquireReleaseInvariant(t *testing.T) {
	a := newSlot("a", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a}, nil)

	_, h1, err := r.Acquire()
	require.NoError(t, err)
	_, h2, err := r.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 2, r.InFlight())

	h1.Report(domain.OutcomeSuccess)
	assert.Equal(t, 1, r.InFlight())

	h2.Report(domain.OutcomeSuccess)
	assert.Equal(t, 0, r.InFlight())
}

func TestAcquireAuthExhaustedWhenEmpty(t *testing.T) {
	r := New(PolicyRoundRobin, nil, nil)
	_, _, err := r.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, rerr.ErrAuthExhausted)
}

func TestRoundRobinCyclesAllSlots(t *testing.T) {
	a, b, c := newSlot("a", 1), newSlot("b", 1), newSlot("c", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a, b, c}, nil)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		slot, h, err := r.Acquire()
		require.NoError(t, err)
		seen[slot.Name] = true
		h.Report(domain.OutcomeSuccess)
	}
	assert.Len(t, seen, 3)
}

func TestConsecutiveAuthFailuresTriggerCooldown(t *testing.T) {
	a := newSlot("a", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a}, nil)
	r.failureThreshold = 2

	for i := 0; i < 2; i++ {
		_, h, err := r.Acquire()
		require.NoError(t, err)
		h.Report(domain.OutcomeAuthFailure)
	}

	_, _, err := r.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, rerr.ErrAuthExhausted)
}

func TestBlacklistAndRestore(t *testing.T) {
	a := newSlot("a", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a}, nil)

	require.NoError(t, r.Blacklist("a", "leaked key"))
	_, _, err := r.Acquire()
	assert.ErrorIs(t, err, rerr.ErrAuthExhausted)

	require.NoError(t, r.Restore("a"))
	_, h, err := r.Acquire()
	require.NoError(t, err)
	h.Report(domain.OutcomeSuccess)
}

func TestAcquireNamedPinsOneSlot(t *testing.T) {
	a, b := newSlot("a", 1), newSlot("b", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a, b}, nil)

	for i := 0; i < 3; i++ {
		slot, h, err := r.AcquireNamed("b")
		require.NoError(t, err)
		assert.Equal(t, "b", slot.Name)
		h.Report(domain.OutcomeSuccess)
	}

	_, _, err := r.AcquireNamed("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, rerr.ErrNoCredentials)
}

func TestAcquireWaitGivesUpOnContextDone(t *testing.T) {
	a := newSlot("a", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a}, nil)
	require.NoError(t, r.Blacklist("a", "revoked"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := r.AcquireWait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, rerr.ErrAuthExhausted)
}

func TestAcquireWaitReturnsOnceSlotRestored(t *testing.T) {
	a := newSlot("a", 1)
	r := New(PolicyRoundRobin, []*domain.CredentialSlot{a}, nil)
	require.NoError(t, r.Blacklist("a", "rotating"))

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = r.Restore("a")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	slot, h, err := r.AcquireWait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", slot.Name)
	h.Report(domain.OutcomeSuccess)
}

func TestWeightedPolicyFavorsHigherWeight(t *testing.T) {
	heavy := newSlot("heavy", 10)
	light := newSlot("light", 1)
	r := New(PolicyWeighted, []*domain.CredentialSlot{heavy, light}, nil)

	counts := map[string]int{}
	for i := 0; i < 50; i++ {
		slot, h, err := r.Acquire()
		require.NoError(t, err)
		counts[slot.Name]++
		h.Report(domain.OutcomeSuccess)
	}

	assert.Greater(t, counts["heavy"], counts["light"])
}
