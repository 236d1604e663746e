package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return NewBreaker("p1", BreakerConfig{FailureThreshold: threshold, CooldownWindow: cooldown}, nil)
}

func TestBreakerOpensAtConsecutiveFailureThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordOutcome(domain.OutcomeServerError)
	b.RecordOutcome(domain.OutcomeServerError)
	assert.Equal(t, StateClosed, b.State())

	b.RecordOutcome(domain.OutcomeServerError)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordOutcome(domain.OutcomeServerError)
	b.RecordOutcome(domain.OutcomeServerError)
	b.RecordOutcome(domain.OutcomeSuccess)

	// two more failures alone must not reach the threshold again
	b.RecordOutcome(domain.OutcomeServerError)
	b.RecordOutcome(domain.OutcomeServerError)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerNeutralOutcomesDoNotCount(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	b.RecordOutcome(domain.OutcomeTokenLimitExceeded)
	b.RecordOutcome(domain.OutcomeMalformed)
	b.RecordOutcome(domain.OutcomeBadRequest)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCooldownPromotesToHalfOpen(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordOutcome(domain.OutcomeNetworkError)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenOneSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)
	b.RecordOutcome(domain.OutcomeServerError)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.AllowTrial())
	b.RecordOutcome(domain.OutcomeSuccess)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)
	b.RecordOutcome(domain.OutcomeServerError)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.AllowTrial())
	b.RecordOutcome(domain.OutcomeTimeout)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerAllowTrialAdmitsOneAtATime(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)
	b.RecordOutcome(domain.OutcomeServerError)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.AllowTrial())
	assert.False(t, b.AllowTrial())
}

func TestBreakerProbeSucceededShortCircuitsCooldown(t *testing.T) {
	b := newTestBreaker(1, time.Hour)
	b.RecordOutcome(domain.OutcomeServerError)
	require.Equal(t, StateOpen, b.State())

	b.ProbeSucceeded()
	assert.Equal(t, StateHalfOpen, b.State())
}
