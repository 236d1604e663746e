package prober

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/provider"
)

// orderedAdapter returns one scripted outcome per call, in order, which is
// enough to exercise the ladder without needing to thread MaxTokens
// through a fake upstream.
type orderedAdapter struct {
	family provider.Family
	script []struct {
		outcome domain.Outcome
		body    string
	}
	idx int
}

func (a *orderedAdapter) Prepare(req domain.NormalizedRequest, c *domain.CredentialSlot, m *domain.ProviderModel) (provider.WireRequest, error) {
	return provider.WireRequest{}, nil
}

func (a *orderedAdapter) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	if a.idx >= len(a.script) {
		return provider.InvokeResult{}, domain.OutcomeServerError, nil
	}
	step := a.script[a.idx]
	a.idx++
	return provider.InvokeResult{Response: &provider.WireResponse{Body: []byte(step.body)}}, step.outcome, nil
}

func (a *orderedAdapter) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	return domain.NormalizedResponse{}, nil
}

func (a *orderedAdapter) DetectCapabilities(ctx context.Context, c *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}

func (a *orderedAdapter) Family() provider.Family { return a.family }

func TestProbeStopsOnFirstSuccess(t *testing.T) {
	adapter := &orderedAdapter{family: provider.FamilyOpenAI, script: []struct {
		outcome domain.Outcome
		body    string
	}{
		{domain.OutcomeServerError, ""},
		{domain.OutcomeSuccess, ""},
	}}
	p := New(adapter, nil)
	p.Interval = time.Millisecond

	res := p.Probe(context.Background(), &domain.CredentialSlot{}, &domain.ProviderModel{ModelID: "gpt-4"})
	require.Equal(t, domain.VerificationVerified, res.State)
	assert.Equal(t, DefaultLadder[1], res.DetectedLimit)
	assert.Equal(t, 2, adapter.idx)
}

func TestProbeExtractsTokenLimitFromErrorBody(t *testing.T) {
	adapter := &orderedAdapter{family: provider.FamilyOpenAI, script: []struct {
		outcome domain.Outcome
		body    string
	}{
		{domain.OutcomeTokenLimitExceeded, `{"error":{"message":"maximum context length of 131072 tokens"}}`},
	}}
	p := New(adapter, nil)
	p.Interval = time.Millisecond

	model := &domain.ProviderModel{ModelID: "qwen-max"}
	res := p.Probe(context.Background(), &domain.CredentialSlot{}, model)
	require.Equal(t, domain.VerificationVerified, res.State)
	assert.Equal(t, 131072, res.DetectedLimit)

	require.NotNil(t, model.DetectedMaxTokens)
	assert.Equal(t, 131072, *model.DetectedMaxTokens)
	assert.Equal(t, domain.VerificationVerified, model.Verification)
	assert.Equal(t, 1, adapter.idx, "no smaller rung probed after a detected limit")
}

func TestProbeSkipsUnreliableFamily(t *testing.T) {
	adapter := &orderedAdapter{family: provider.FamilyIFlow}
	p := New(adapter, nil)

	res := p.Probe(context.Background(), &domain.CredentialSlot{}, &domain.ProviderModel{ModelID: "iflow-1"})
	assert.Equal(t, domain.VerificationUnverified, res.State)
	assert.Equal(t, 0, adapter.idx)
}

func TestProbeExhaustsLadderWithoutResolution(t *testing.T) {
	script := make([]struct {
		outcome domain.Outcome
		body    string
	}, len(DefaultLadder))
	for i := range script {
		script[i].outcome = domain.OutcomeMalformed
	}
	adapter := &orderedAdapter{family: provider.FamilyOpenAI, script: script}
	p := New(adapter, nil)
	p.Interval = time.Millisecond

	res := p.Probe(context.Background(), &domain.CredentialSlot{}, &domain.ProviderModel{ModelID: "x"})
	assert.Equal(t, domain.VerificationFailed, res.State)
}
