// Package scheduler implements the Pipeline Scheduler: load balancing
// over a pool of pipelines serving one virtual model, circuit breaking,
// retry with exponential backoff, health checks and backpressure.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/pipeline"
)

// healthWindow is N in the health score's exponentially-weighted moving
// average.
const healthWindow = 20

// healthAlpha is the EWMA smoothing factor for a window of healthWindow
// observations.
const healthAlpha = 2.0 / (healthWindow + 1)

// entry bundles one pool pipeline with its scheduler-owned runtime state.
type entry struct {
	pipeline *pipeline.Pipeline
	breaker  *Breaker
	enabled  bool
	inFlight atomic.Int64

	healthMu sync.Mutex
	health   float64
}

func (e *entry) healthScore() float64 {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.health
}

func (e *entry) recordHealth(outcome domain.Outcome) {
	var sample float64
	switch {
	case outcome == domain.OutcomeSuccess:
		sample = 1.0
	case outcome.Retryable():
		sample = 0.3
	default:
		sample = 0.0
	}
	e.healthMu.Lock()
	e.health = e.health*(1-healthAlpha) + sample*healthAlpha
	e.healthMu.Unlock()
}

// Config configures one Scheduler.
type Config struct {
	Strategy          domain.LBStrategy
	Retry             domain.RetryPolicy
	Breaker           BreakerConfig
	MaxInFlight       int           // default 50, backpressure cap
	WaitForSlot       bool          // if true, Execute waits up to deadline for a free slot instead of rejecting
	HealthCheckPeriod time.Duration // default 60s
}

// DefaultConfig returns the stock scheduler policy: round-robin, 3
// retry attempts, 50 in-flight cap, 60s health-check period.
func DefaultConfig() Config {
	return Config{
		Strategy:          domain.LBRoundRobin,
		Retry:             domain.DefaultRetryPolicy(),
		Breaker:           DefaultBreakerConfig(),
		MaxInFlight:       50,
		HealthCheckPeriod: 60 * time.Second,
	}
}

// Scheduler owns one PipelinePool and orchestrates request execution for
// one virtual model.
type Scheduler struct {
	VirtualModelID string
	config         Config
	logger         rlog.Logger

	mu      sync.Mutex // guards rrIdx and stopHealth; remaining state is per-entry
	entries []*entry
	rrIdx   int

	inFlightTotal atomic.Int64

	stopHealth chan struct{}
}

// New constructs a Scheduler for one virtual model's pool of pipelines.
func New(virtualModelID string, pipelines []*pipeline.Pipeline, config Config, logger rlog.Logger) *Scheduler {
	if config.Strategy == "" {
		config = DefaultConfig()
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 50
	}
	if config.HealthCheckPeriod <= 0 {
		config.HealthCheckPeriod = 60 * time.Second
	}

	s := &Scheduler{
		VirtualModelID: virtualModelID,
		config:         config,
		logger:         rlog.Default(logger),
	}
	for _, p := range pipelines {
		e := &entry{pipeline: p, breaker: NewBreaker(p.ID, config.Breaker, logger), enabled: p.Target.Enabled, health: 1.0}
		s.entries = append(s.entries, e)
	}
	return s
}

// Execute runs reqCtx against the pool, retrying a different pipeline on
// retryable outcomes up to Retry.MaxAttempts, and returns the final
// disposition. A pool-empty condition is always surfaced as an error,
// never swallowed.
func (s *Scheduler) Execute(ctx context.Context, reqCtx *domain.RequestContext) (domain.NormalizedResponse, []domain.Attempt, error) {
	if !s.acquireSlot(ctx, reqCtx.Deadline) {
		return domain.NormalizedResponse{}, nil, rerr.New("scheduler.Execute", rerr.KindOverloaded, reqCtx.RequestID, rerr.ErrOverloaded)
	}
	defer s.releaseSlot()

	if reqCtx.TriedPipelines == nil {
		reqCtx.TriedPipelines = map[string]bool{}
	}

	var attempts []domain.Attempt
	maxAttempts := s.config.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := s.config.Retry.BaseDelay
	var lastOutcome domain.Outcome

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			attempts = append(attempts, domain.Attempt{Outcome: domain.OutcomeCancelled})
			return domain.NormalizedResponse{}, attempts, rerr.New("scheduler.Execute", rerr.KindUpstreamTimeout, reqCtx.RequestID, ctx.Err())
		}

		e, err := s.selectEntry(reqCtx.TriedPipelines)
		if err != nil {
			return domain.NormalizedResponse{}, attempts, rerr.New("scheduler.Execute", rerr.KindNoAvailableTargets, reqCtx.RequestID, err)
		}

		reqCtx.TriedPipelines[e.pipeline.ID] = true
		e.inFlight.Add(1)
		result := e.pipeline.Run(ctx, reqCtx, reqCtx.Deadline)
		e.inFlight.Add(-1)

		e.breaker.RecordOutcome(result.Outcome)
		e.recordHealth(result.Outcome)
		attempts = append(attempts, result.Attempt)
		lastOutcome = result.Outcome

		if result.Outcome == domain.OutcomeSuccess {
			return result.Response, attempts, nil
		}

		if result.Outcome == domain.OutcomeCancelled {
			return domain.NormalizedResponse{}, attempts, rerr.New("scheduler.Execute", rerr.KindUpstreamTimeout, reqCtx.RequestID, result.Err)
		}

		if !result.Outcome.Retryable() {
			return domain.NormalizedResponse{}, attempts, classifyTerminal(reqCtx.RequestID, result.Outcome, result.Err)
		}

		if attempt == maxAttempts-1 {
			break
		}

		if !s.sleepBackoff(ctx, &delay) {
			attempts = append(attempts, domain.Attempt{Outcome: domain.OutcomeCancelled})
			return domain.NormalizedResponse{}, attempts, rerr.New("scheduler.Execute", rerr.KindUpstreamTimeout, reqCtx.RequestID, ctx.Err())
		}
	}

	return domain.NormalizedResponse{}, attempts, rerr.New("scheduler.Execute", rerr.KindAllTargetsFailed, reqCtx.RequestID, nil).
		WithMessage("pool exhausted after retries, last category: " + string(lastOutcome))
}

func classifyTerminal(requestID string, outcome domain.Outcome, cause error) error {
	kind := rerr.KindAllTargetsFailed
	switch outcome {
	case domain.OutcomeTokenLimitExceeded:
		kind = rerr.KindTokenLimitExceeded
	case domain.OutcomeAuthFailure:
		kind = rerr.KindAuthExhausted
	case domain.OutcomeBadRequest, domain.OutcomeMalformed:
		kind = rerr.KindBadRequest
	}
	return rerr.New("scheduler.Execute", kind, requestID, cause)
}

// sleepBackoff blocks for the current delay (capped at MaxDelay) and
// advances it by BackoffMultiplier, returning false if ctx is cancelled
// first.
func (s *Scheduler) sleepBackoff(ctx context.Context, delay *time.Duration) bool {
	d := *delay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	if s.config.Retry.MaxDelay > 0 && d > s.config.Retry.MaxDelay {
		d = s.config.Retry.MaxDelay
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	mult := s.config.Retry.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	next := time.Duration(float64(d) * mult)
	if s.config.Retry.MaxDelay > 0 && next > s.config.Retry.MaxDelay {
		next = s.config.Retry.MaxDelay
	}
	*delay = next
	return true
}

// acquireSlot enforces the scheduler's backpressure cap.
func (s *Scheduler) acquireSlot(ctx context.Context, deadline time.Time) bool {
	for {
		current := s.inFlightTotal.Load()
		if int(current) < s.config.MaxInFlight {
			if s.inFlightTotal.CompareAndSwap(current, current+1) {
				return true
			}
			continue
		}
		if !s.config.WaitForSlot {
			return false
		}

		wait := 10 * time.Millisecond
		if !deadline.IsZero() {
			if time.Now().After(deadline) {
				return false
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (s *Scheduler) releaseSlot() {
	s.inFlightTotal.Add(-1)
}

// selectEntry applies the pool's load-balancing strategy, excluding
// tried pipelines, disabled pipelines, and pipelines whose breaker is
// open. Returns ErrNoAvailableTargets if nothing is eligible; a pipeline
// whose breaker is open is never selected.
// A half-open pipeline's single trial slot is reserved only after it is
// actually picked; a candidate whose trial is already taken by a
// concurrent request is dropped and selection re-runs over the rest.
func (s *Scheduler) selectEntry(tried map[string]bool) (*entry, error) {
	eligible := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.enabled || tried[e.pipeline.ID] {
			continue
		}
		if e.breaker.State() == StateOpen {
			continue
		}
		eligible = append(eligible, e)
	}

	for len(eligible) > 0 {
		var picked *entry
		switch s.config.Strategy {
		case domain.LBWeighted:
			picked = s.pickWeighted(eligible)
		case domain.LBLeastLoaded:
			picked = pickLeastLoaded(eligible)
		case domain.LBFailover:
			picked = eligible[0]
		default:
			picked = s.pickRoundRobin(eligible)
		}

		if picked.breaker.State() != StateHalfOpen || picked.breaker.AllowTrial() {
			return picked, nil
		}

		rest := make([]*entry, 0, len(eligible)-1)
		for _, e := range eligible {
			if e != picked {
				rest = append(rest, e)
			}
		}
		eligible = rest
	}
	return nil, rerr.ErrNoAvailableTargets
}

func (s *Scheduler) pickRoundRobin(eligible []*entry) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	for i := 0; i < n; i++ {
		idx := (s.rrIdx + i) % n
		candidate := s.entries[idx]
		for _, e := range eligible {
			if e == candidate {
				s.rrIdx = (idx + 1) % n
				return candidate
			}
		}
	}
	return eligible[0]
}

func (s *Scheduler) pickWeighted(eligible []*entry) *entry {
	type weighted struct {
		e *entry
		w float64
	}
	ws := make([]weighted, 0, len(eligible))
	total := 0.0
	for _, e := range eligible {
		weight := float64(e.pipeline.Target.Weight)
		if weight <= 0 {
			weight = 1
		}
		w := weight * math.Max(e.healthScore(), 0.01)
		ws = append(ws, weighted{e, w})
		total += w
	}
	if total <= 0 {
		return eligible[0]
	}

	target := total * fraction(time.Now().UnixNano())
	acc := 0.0
	for _, w := range ws {
		acc += w.w
		if target < acc {
			return w.e
		}
	}
	return ws[len(ws)-1].e
}

// fraction derives a deterministic-given-seed value in [0,1) without
// pulling in math/rand, mirroring the rotator's weighted-pick approach.
func fraction(seed int64) float64 {
	x := uint64(seed)
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x ^= x >> 31
	return float64(x%1_000_000) / 1_000_000.0
}

func pickLeastLoaded(eligible []*entry) *entry {
	best := eligible[0]
	for _, e := range eligible[1:] {
		if e.inFlight.Load() < best.inFlight.Load() {
			best = e
		}
	}
	return best
}

// Status summarizes one pipeline for /status reporting.
type Status struct {
	PipelineID string
	State      string
	Health     float64
	InFlight   int64
}

// GetStatus returns a snapshot of every pipeline's breaker state, health
// score and in-flight count.
func (s *Scheduler) GetStatus() []Status {
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{
			PipelineID: e.pipeline.ID,
			State:      e.breaker.State().String(),
			Health:     e.healthScore(),
			InFlight:   e.inFlight.Load(),
		})
	}
	return out
}

// StartHealthChecks launches the periodic probe loop: every
// HealthCheckPeriod, issue a minimal probe against each pipeline whose
// breaker is open, short-circuiting its cooldown to half_open on success.
// Stops when ctx is cancelled or Shutdown is called; calling it again on
// a scheduler whose loop is already running is a no-op.
func (s *Scheduler) StartHealthChecks(ctx context.Context, probe func(ctx context.Context, p *pipeline.Pipeline) domain.Outcome) {
	s.mu.Lock()
	if s.stopHealth != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopHealth = stop
	s.mu.Unlock()

	ticker := time.NewTicker(s.config.HealthCheckPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.runHealthChecks(ctx, probe)
			}
		}
	}()
}

func (s *Scheduler) runHealthChecks(ctx context.Context, probe func(ctx context.Context, p *pipeline.Pipeline) domain.Outcome) {
	for _, e := range s.entries {
		if e.breaker.State() != StateOpen {
			continue
		}
		outcome := probe(ctx, e.pipeline)
		if outcome == domain.OutcomeSuccess {
			e.breaker.ProbeSucceeded()
		}
	}
}

// Shutdown stops the health-check loop. Safe to call more than once and
// before StartHealthChecks.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopHealth != nil {
		close(s.stopHealth)
		s.stopHealth = nil
	}
}

// InFlight returns the scheduler's current total in-flight request count.
func (s *Scheduler) InFlight() int64 {
	return s.inFlightTotal.Load()
}
