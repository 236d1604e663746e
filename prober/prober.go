// Package prober implements the Token-Limit Prober: empirical discovery
// of a model's real context window by probing a descending ladder of
// candidate limits and parsing upstream error messages.
package prober

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/provider"
)

// DefaultLadder is the descending candidate ladder, 512K down to 4K.
var DefaultLadder = []int{512 * 1024, 256 * 1024, 128 * 1024, 64 * 1024, 32 * 1024, 16 * 1024, 8 * 1024, 4 * 1024}

// DefaultCeiling is the largest candidate limit, equal to DefaultLadder's
// first rung; probing itself starts from the first rung of p.Ladder.
const DefaultCeiling = 524_288

// DefaultInterval rate-limits consecutive probes so the prober never
// exhausts the rotator on its own.
const DefaultInterval = time.Second

// Prober drives one (provider, model, credential) probe sequence via a
// Provider Adapter. It never constructs its own HTTP client; the caller
// supplies the adapter so the prober shares the adapter's transport,
// auth, and error classification with ordinary traffic.
type Prober struct {
	Adapter  provider.Adapter
	Ladder   []int
	Interval time.Duration
	Skip     map[provider.Family]bool // families whose error messages are unreliable for this inference
	logger   rlog.Logger
}

// New constructs a Prober. Skip defaults to the inverse of
// provider.ReliableFamilies: families whose error messages are known to
// be unreliable for limit inference (the iFlow family) bypass probing.
func New(adapter provider.Adapter, logger rlog.Logger) *Prober {
	skip := map[provider.Family]bool{}
	for fam, reliable := range provider.ReliableFamilies {
		if !reliable {
			skip[fam] = true
		}
	}
	return &Prober{
		Adapter:  adapter,
		Ladder:   append([]int(nil), DefaultLadder...),
		Interval: DefaultInterval,
		Skip:     skip,
		logger:   rlog.Default(logger),
	}
}

// Result is the prober's verdict for one model.
type Result struct {
	DetectedLimit int
	State         domain.VerificationState
	Reason        string
}

// Probe descends DefaultLadder issuing a minimal-content request at each
// candidate max_tokens. A `success` classification records "supports at
// least this limit" and stops; a `token_limit_exceeded` classification
// with an in-range extracted N records N and stops; any other outcome
// continues to the next smaller rung. The prober sleeps p.Interval
// between probes so it never starves the credential rotator. The verdict
// is stored on model (detected limit + verification state) before being
// returned.
func (p *Prober) Probe(ctx context.Context, credential *domain.CredentialSlot, model *domain.ProviderModel) Result {
	res := p.probe(ctx, credential, model)
	model.Verification = res.State
	if res.State == domain.VerificationVerified && res.DetectedLimit > 0 {
		detected := res.DetectedLimit
		model.DetectedMaxTokens = &detected
	}
	return res
}

func (p *Prober) probe(ctx context.Context, credential *domain.CredentialSlot, model *domain.ProviderModel) Result {
	if p.Skip[p.Adapter.Family()] {
		return Result{State: domain.VerificationUnverified, Reason: "family excluded from probing: unreliable error-message inference"}
	}

	for i, limit := range p.Ladder {
		if ctx.Err() != nil {
			return Result{State: domain.VerificationUnverified, Reason: "cancelled"}
		}

		req := domain.NormalizedRequest{
			Model:     model.ModelID,
			Messages:  []domain.Message{{Role: "user", Content: "ping"}},
			MaxTokens: limit,
		}

		wire, err := p.Adapter.Prepare(req, credential, model)
		if err != nil {
			return Result{State: domain.VerificationFailed, Reason: "prepare: " + err.Error()}
		}

		invoked, outcome, err := p.Adapter.Invoke(ctx, wire, time.Now().Add(30*time.Second))

		if outcome == domain.OutcomeSuccess {
			return Result{DetectedLimit: limit, State: domain.VerificationVerified, Reason: "upstream accepted max_tokens"}
		}

		if outcome == domain.OutcomeTokenLimitExceeded && invoked.Response != nil {
			if n, ok := provider.ExtractTokenLimit(string(invoked.Response.Body)); ok {
				return Result{DetectedLimit: n, State: domain.VerificationVerified, Reason: "upstream reported token limit"}
			}
		}

		p.logger.Debug("probe rung did not resolve, descending", map[string]interface{}{
			"model": model.ModelID,
			"limit": limit,
			"outcome": string(outcome),
			"err":   errString(err),
		})

		if i < len(p.Ladder)-1 {
			select {
			case <-ctx.Done():
				return Result{State: domain.VerificationUnverified, Reason: "cancelled"}
			case <-time.After(p.Interval):
			}
		}
	}

	return Result{State: domain.VerificationFailed, Reason: "no rung resolved"}
}

// ProbeModels runs Probe concurrently across models, one credential slot
// each, bounded to at most maxConcurrent in flight so the fan-out never
// exceeds the adapter's own rate limiting by more than a small constant
// factor — each individual model's ladder descent stays sequential and
// rate-limited by p.Interval, only the across-model fan-out is parallel.
func (p *Prober) ProbeModels(ctx context.Context, credential *domain.CredentialSlot, models []*domain.ProviderModel, maxConcurrent int) map[string]Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	var mu sync.Mutex
	out := make(map[string]Result, len(models))

	for _, m := range models {
		model := m
		g.Go(func() error {
			result := p.Probe(gctx, credential, model)
			mu.Lock()
			out[model.ModelID] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
