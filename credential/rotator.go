// Package credential implements the per-provider Credential Rotator: slot
// selection policy, blacklist/cooldown transitions, and RPM/RPD quota
// accounting. All slot-state mutation happens under the Rotator's own
// critical section, matching the ownership rule in the data model: a
// CredentialSlot's status is mutated only by the Rotator that owns it.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
)

// Policy selects which active slot Acquire hands out.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyWeighted   Policy = "weighted"
	PolicyFailover   Policy = "failover"
)

const (
	defaultFailureThreshold = 3
	defaultBaseCooldown     = 60 * time.Second
	defaultMaxCooldown      = time.Hour
	defaultRPM              = 60
)

// slotState is the rotator's private bookkeeping for one CredentialSlot,
// kept alongside the public domain.CredentialSlot it wraps.
type slotState struct {
	slot       *domain.CredentialSlot
	limiter    *rate.Limiter // RPM token bucket
	dayCount   int
	dayReset   time.Time
	secretHash string
}

// Rotator owns the CredentialSlots of one Provider.
type Rotator struct {
	mu     sync.Mutex
	policy Policy
	slots  []*slotState
	rrIdx  int

	failureThreshold int
	baseCooldown     time.Duration
	maxCooldown      time.Duration

	// quota is an optional distributed RPD backstop shared across rccd
	// replicas; nil means RPD accounting stays purely in-process (the
	// dayCount field on each slotState).
	quota *RedisQuotaStore

	logger rlog.Logger
}

// WithQuotaStore attaches a distributed RPD quota store, returning the
// receiver for chaining. Slots with RPDLimit == 0 remain unbounded
// regardless of this store's presence.
func (r *Rotator) WithQuotaStore(store *RedisQuotaStore) *Rotator {
	r.quota = store
	return r
}

// New constructs a Rotator for one provider's slots, deduplicating
// identical secret material at ingest.
func New(policy Policy, slots []*domain.CredentialSlot, logger rlog.Logger) *Rotator {
	r := &Rotator{
		policy:           policy,
		failureThreshold: defaultFailureThreshold,
		baseCooldown:     defaultBaseCooldown,
		maxCooldown:      defaultMaxCooldown,
		logger:           rlog.Default(logger),
	}

	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		hash := hashSecret(s.Secret)
		if seen[hash] {
			r.logger.Warn("dropping duplicate credential slot", map[string]interface{}{
				"slot": s.Name,
			})
			continue
		}
		seen[hash] = true

		rpm := defaultRPM
		ss := &slotState{
			slot:       s,
			limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
			dayReset:   dayBoundary(time.Now()),
			secretHash: hash,
		}
		r.slots = append(r.slots, ss)
	}
	return r
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func dayBoundary(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// ReleaseHandle is returned by Acquire; the caller must call Report exactly
// once with the outcome of the call the slot was acquired for.
type ReleaseHandle struct {
	r  *Rotator
	ss *slotState
}

// Acquire chooses an active slot per the rotator's policy and increments
// its in-flight counter. Returns ErrAuthExhausted if no slot is active at
// all (none configured, or every slot cooling, blacklisted or disabled),
// and ErrNoCredentials if active slots exist but none is within quota.
func (r *Rotator) Acquire() (*domain.CredentialSlot, *ReleaseHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshCooldowns(time.Now())

	if !r.anyActiveLocked() {
		return nil, nil, rerr.ErrAuthExhausted
	}

	eligible := r.eligibleLocked()
	if len(eligible) == 0 {
		return nil, nil, rerr.ErrNoCredentials
	}

	var chosen *slotState
	switch r.policy {
	case PolicyWeighted:
		chosen = pickWeighted(eligible)
	case PolicyFailover:
		chosen = eligible[0]
	default:
		chosen = r.pickRoundRobinLocked(eligible)
	}

	if chosen == nil {
		return nil, nil, rerr.ErrNoCredentials
	}

	chosen.slot.ConcurrentInFlight++
	return chosen.slot, &ReleaseHandle{r: r, ss: chosen}, nil
}

// AcquireWait blocks until a slot becomes eligible or ctx is done,
// re-checking as cooldowns and quota windows roll over. Callers that
// prefer failing fast use Acquire.
func (r *Rotator) AcquireWait(ctx context.Context) (*domain.CredentialSlot, *ReleaseHandle, error) {
	for {
		slot, h, err := r.Acquire()
		if err == nil {
			return slot, h, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// AcquireNamed chooses the specific slot called name, applying the same
// status and quota checks as Acquire. Used when a target's credential
// selector pins one slot instead of accepting any active one.
func (r *Rotator) AcquireNamed(name string) (*domain.CredentialSlot, *ReleaseHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshCooldowns(time.Now())

	if !r.anyActiveLocked() {
		return nil, nil, rerr.ErrAuthExhausted
	}

	for _, ss := range r.eligibleLocked() {
		if ss.slot.Name == name {
			ss.slot.ConcurrentInFlight++
			return ss.slot, &ReleaseHandle{r: r, ss: ss}, nil
		}
	}
	return nil, nil, rerr.ErrNoCredentials
}

// anyActiveLocked reports whether at least one slot is in status active,
// irrespective of quota. Distinguishes AuthExhausted (every slot
// blacklisted/cooling/disabled) from a transient quota exhaustion.
func (r *Rotator) anyActiveLocked() bool {
	for _, ss := range r.slots {
		if ss.slot.Status == domain.SlotActive {
			return true
		}
	}
	return false
}

// eligibleLocked returns slots that are active and within quota. Must be
// called with r.mu held.
func (r *Rotator) eligibleLocked() []*slotState {
	now := time.Now()
	var out []*slotState
	for _, ss := range r.slots {
		if ss.slot.Status != domain.SlotActive {
			continue
		}
		if ss.dayReset.Before(now) {
			ss.dayCount = 0
			ss.dayReset = dayBoundary(now)
		}
		if ss.slot.RPDLimit > 0 && ss.dayCount >= ss.slot.RPDLimit {
			continue
		}
		if !ss.limiter.Allow() {
			continue
		}
		if r.quota != nil && ss.slot.RPDLimit > 0 {
			count, err := r.quota.Count(context.Background(), ss.slot.Name)
			if err == nil && count >= int64(ss.slot.RPDLimit) {
				continue
			}
		}
		out = append(out, ss)
	}
	return out
}

func pickWeighted(candidates []*slotState) *slotState {
	total := 0
	for _, ss := range candidates {
		w := ss.slot.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	target := int(pseudoRandom(uint64(time.Now().UnixNano())) % uint64(total))
	acc := 0
	for _, ss := range candidates {
		w := ss.slot.Weight
		if w <= 0 {
			w = 1
		}
		acc += w
		if target < acc {
			return ss
		}
	}
	return candidates[len(candidates)-1]
}

// pseudoRandom is a tiny splitmix64-style mixer used only to distribute
// weighted selection; it is not a cryptographic PRNG and needs none of the
// guarantees math/rand/v2 provides, only statelessness given a seed.
func pseudoRandom(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

func (r *Rotator) pickRoundRobinLocked(eligible []*slotState) *slotState {
	// Walk the full slot list starting from rrIdx so the index advances
	// across the provider's whole slot set, not just the eligible subset;
	// otherwise a temporarily-cooling slot would be skipped forever once
	// out of rotation.
	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := (r.rrIdx + i) % n
		candidate := r.slots[idx]
		for _, e := range eligible {
			if e == candidate {
				r.rrIdx = (idx + 1) % n
				return candidate
			}
		}
	}
	return eligible[0]
}

// refreshCooldowns restores any slot whose cooldown window has elapsed
// back to active. Must be called with r.mu held.
func (r *Rotator) refreshCooldowns(now time.Time) {
	for _, ss := range r.slots {
		if ss.slot.Status == domain.SlotCooling && now.After(ss.slot.CooldownUntil) {
			ss.slot.Status = domain.SlotActive
		}
	}
}

// Report records the outcome of the call the handle's slot was acquired
// for: success, or a classified failure.
func (h *ReleaseHandle) Report(outcome domain.Outcome) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	ss := h.ss
	if ss.slot.ConcurrentInFlight > 0 {
		ss.slot.ConcurrentInFlight--
	}
	ss.dayCount++
	ss.slot.RequestsThisDay = ss.dayCount
	if h.r.quota != nil {
		if _, err := h.r.quota.Increment(context.Background(), ss.slot.Name); err != nil {
			h.r.logger.Warn("distributed quota increment failed", map[string]interface{}{
				"slot": ss.slot.Name, "error": err.Error(),
			})
		}
	}

	if outcome == domain.OutcomeSuccess {
		ss.slot.ConsecutiveFailures = 0
		if ss.slot.Status == domain.SlotCooling {
			ss.slot.Status = domain.SlotActive
		}
		return
	}

	if outcome != domain.OutcomeAuthFailure {
		return
	}

	ss.slot.ConsecutiveFailures++
	ss.slot.LastFailure = time.Now()

	if ss.slot.ConsecutiveFailures < h.r.failureThreshold {
		return
	}

	cooldown := h.r.baseCooldown
	// Exponential doubling per prior cooldown length, capped.
	if !ss.slot.CooldownUntil.IsZero() {
		cooldown = cooldown * time.Duration(1<<minInt(ss.slot.ConsecutiveFailures-h.r.failureThreshold, 6))
	}
	if cooldown > h.r.maxCooldown {
		cooldown = h.r.maxCooldown
	}

	ss.slot.Status = domain.SlotCooling
	ss.slot.CooldownUntil = time.Now().Add(cooldown)

	h.r.logger.Warn("credential slot entering cooldown", map[string]interface{}{
		"slot":     ss.slot.Name,
		"cooldown": cooldown.String(),
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Blacklist administratively disables slot, independent of the automatic
// cooldown path.
func (r *Rotator) Blacklist(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ss := range r.slots {
		if ss.slot.Name == name {
			ss.slot.Status = domain.SlotBlacklisted
			r.logger.Warn("credential slot blacklisted", map[string]interface{}{
				"slot":   name,
				"reason": reason,
			})
			return nil
		}
	}
	return errors.New("credential: slot not found: " + name)
}

// Restore clears a blacklist or cooldown, returning the slot to active.
func (r *Rotator) Restore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ss := range r.slots {
		if ss.slot.Name == name {
			ss.slot.Status = domain.SlotActive
			ss.slot.ConsecutiveFailures = 0
			ss.slot.CooldownUntil = time.Time{}
			return nil
		}
	}
	return errors.New("credential: slot not found: " + name)
}

// InFlight returns the sum of in-flight counters across all slots; used by
// tests to check the acquisitions-minus-releases invariant.
func (r *Rotator) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, ss := range r.slots {
		total += ss.slot.ConcurrentInFlight
	}
	return total
}

// Slots returns a snapshot of the rotator's slots, for status reporting.
func (r *Rotator) Slots() []*domain.CredentialSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.CredentialSlot, len(r.slots))
	for i, ss := range r.slots {
		cp := *ss.slot
		out[i] = &cp
	}
	return out
}
