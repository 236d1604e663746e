package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/credential"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/provider"
)

type fakeAdapter struct {
	outcome  domain.Outcome
	response domain.NormalizedResponse
	err      error
}

func (f *fakeAdapter) Prepare(req domain.NormalizedRequest, credential *domain.CredentialSlot, model *domain.ProviderModel) (provider.WireRequest, error) {
	return provider.WireRequest{}, nil
}

func (f *fakeAdapter) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	return provider.InvokeResult{Response: &provider.WireResponse{StatusCode: 200}}, f.outcome, f.err
}

func (f *fakeAdapter) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	return f.response, nil
}

func (f *fakeAdapter) DetectCapabilities(ctx context.Context, credential *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}

func (f *fakeAdapter) Family() provider.Family { return provider.FamilyOpenAI }

func newRotator() *credential.Rotator {
	slot := &domain.CredentialSlot{Name: "k1", Secret: "sek", Status: domain.SlotActive, Weight: 1}
	return credential.New(credential.PolicyRoundRobin, []*domain.CredentialSlot{slot}, nil)
}

func TestPipelineHappyPath(t *testing.T) {
	adapter := &fakeAdapter{outcome: domain.OutcomeSuccess, response: domain.NormalizedResponse{Content: "pong"}}
	p := New("p1", domain.Target{}, "openai", nil, adapter, newRotator(), nil)

	reqCtx := &domain.RequestContext{
		RequestID: "r1",
		Body:      domain.NormalizedRequest{Model: "default", Messages: []domain.Message{{Role: "user", Content: "ping"}}},
	}

	result := p.Run(context.Background(), reqCtx, time.Time{})
	require.NoError(t, result.Err)
	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "pong", result.Response.Content)
	assert.Equal(t, "k1", result.Attempt.CredentialName)
}

func TestPipelineTransformFailureNeverReachesAdapter(t *testing.T) {
	called := false
	adapter := &fakeAdapter{outcome: domain.OutcomeSuccess}
	failingTransform := func(ctx context.Context, req domain.NormalizedRequest) (domain.NormalizedRequest, error) {
		called = true
		return req, assert.AnError
	}
	p := New("p1", domain.Target{}, "openai", []Transform{failingTransform}, adapter, newRotator(), nil)

	reqCtx := &domain.RequestContext{RequestID: "r1", Body: domain.NormalizedRequest{Model: "default"}}
	result := p.Run(context.Background(), reqCtx, time.Time{})

	assert.True(t, called)
	assert.Equal(t, domain.OutcomeBadRequest, result.Outcome)
	assert.Error(t, result.Err)
}

func TestPipelineCredentialExhaustionSkipsAdapter(t *testing.T) {
	adapter := &fakeAdapter{outcome: domain.OutcomeSuccess}
	emptyRotator := credential.New(credential.PolicyRoundRobin, nil, nil)
	p := New("p1", domain.Target{}, "openai", nil, adapter, emptyRotator, nil)

	reqCtx := &domain.RequestContext{RequestID: "r1", Body: domain.NormalizedRequest{Model: "default"}}
	result := p.Run(context.Background(), reqCtx, time.Time{})

	assert.Equal(t, domain.OutcomeAuthFailure, result.Outcome)
	assert.Error(t, result.Err)
}
