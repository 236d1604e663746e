// Package pipeline implements the ordered, single-shot chain of steps
// bound to one Target. A Pipeline never retries; retrying with a
// different pipeline is the Scheduler's job.
package pipeline

import (
	"context"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/credential"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/provider"
)

// Transform is a non-terminal step: it takes the current normalized
// request and returns a (possibly modified) one, or an error. Protocol
// translation, content filtering and tool-call normalization are
// transform steps whose internal logic is out of scope here; only their
// place in the chain is specified.
type Transform func(ctx context.Context, req domain.NormalizedRequest) (domain.NormalizedRequest, error)

// Pipeline is an immutable ordered chain ending in a Provider Adapter.
type Pipeline struct {
	ID         string
	ProviderID string
	Target     domain.Target
	Transforms []Transform
	Adapter    provider.Adapter
	Rotator    *credential.Rotator
	Model      *domain.ProviderModel
}

// New constructs a Pipeline bound to one target's adapter and rotator.
func New(id string, target domain.Target, providerID string, transforms []Transform, adapter provider.Adapter, rotator *credential.Rotator, model *domain.ProviderModel) *Pipeline {
	return &Pipeline{
		ID:         id,
		ProviderID: providerID,
		Target:     target,
		Transforms: transforms,
		Adapter:    adapter,
		Rotator:    rotator,
		Model:      model,
	}
}

// Result is the outcome of one pipeline Run: either a normalized response
// or a classified failure, plus the attempt record for the trace.
type Result struct {
	Response domain.NormalizedResponse
	Outcome  domain.Outcome
	Err      error
	Attempt  domain.Attempt
}

// Run executes the full chain for one request: transforms, credential
// acquisition, the adapter's Prepare/Invoke/Normalize, in that order. The
// terminal step is always the adapter; a failing transform never reaches
// it. Run never retries internally.
func (p *Pipeline) Run(ctx context.Context, reqCtx *domain.RequestContext, deadline time.Time) Result {
	start := time.Now()
	attempt := domain.Attempt{PipelineID: p.ID, ProviderID: p.ProviderID, Start: start}

	normalized := reqCtx.Body
	var err error
	for _, t := range p.Transforms {
		normalized, err = t(ctx, normalized)
		if err != nil {
			attempt.End = time.Now()
			attempt.Outcome = domain.OutcomeBadRequest
			attempt.ErrorCategory = "transform_error"
			return Result{Outcome: domain.OutcomeBadRequest, Err: err, Attempt: attempt}
		}
	}

	slot, release, err := p.acquireCredential()
	if err != nil {
		attempt.End = time.Now()
		attempt.Outcome = domain.OutcomeAuthFailure
		attempt.ErrorCategory = "credential_exhausted"
		return Result{Outcome: domain.OutcomeAuthFailure, Err: err, Attempt: attempt}
	}
	attempt.CredentialName = slot.Name

	wire, err := p.Adapter.Prepare(normalized, slot, p.Model)
	if err != nil {
		release.Report(domain.OutcomeBadRequest)
		attempt.End = time.Now()
		attempt.Outcome = domain.OutcomeBadRequest
		attempt.ErrorCategory = "prepare_error"
		return Result{Outcome: domain.OutcomeBadRequest, Err: err, Attempt: attempt}
	}

	if ctx.Err() != nil {
		release.Report(domain.OutcomeCancelled)
		attempt.End = time.Now()
		attempt.Outcome = domain.OutcomeCancelled
		attempt.ErrorCategory = "cancelled"
		return Result{Outcome: domain.OutcomeCancelled, Err: ctx.Err(), Attempt: attempt}
	}

	invoke, outcome, err := p.Adapter.Invoke(ctx, wire, deadline)
	release.Report(outcome)

	attempt.End = time.Now()
	attempt.Outcome = outcome

	if err != nil {
		attempt.ErrorCategory = string(outcome)
		return Result{Outcome: outcome, Err: err, Attempt: attempt}
	}

	if outcome != domain.OutcomeSuccess {
		attempt.ErrorCategory = string(outcome)
		return Result{Outcome: outcome, Attempt: attempt}
	}

	if invoke.Stream != nil {
		resp := bufferStream(invoke.Stream)
		return Result{Response: resp, Outcome: domain.OutcomeSuccess, Attempt: attempt}
	}

	normResp, err := p.Adapter.Normalize(invoke.Response)
	if err != nil {
		attempt.Outcome = domain.OutcomeMalformed
		attempt.ErrorCategory = "normalize_error"
		return Result{Outcome: domain.OutcomeMalformed, Err: err, Attempt: attempt}
	}

	return Result{Response: normResp, Outcome: domain.OutcomeSuccess, Attempt: attempt}
}

// acquireCredential honors the target's credential selector: an empty or
// "any" selector takes whichever active slot the rotator's policy picks,
// anything else pins the named slot.
func (p *Pipeline) acquireCredential() (*domain.CredentialSlot, *credential.ReleaseHandle, error) {
	selector := p.Target.CredentialSelector
	if selector == "" || selector == "any" {
		return p.Rotator.Acquire()
	}
	return p.Rotator.AcquireNamed(selector)
}

// bufferStream collects a streamed response into one NormalizedResponse
// for non-streaming callers.
func bufferStream(stream <-chan provider.StreamChunk) domain.NormalizedResponse {
	var content string
	for chunk := range stream {
		if chunk.Err != nil {
			break
		}
		content += chunk.Delta
		if chunk.Done {
			break
		}
	}
	return domain.NormalizedResponse{Content: content}
}
