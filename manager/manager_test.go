package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/credential"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
	"github.com/Jasonzhangf/rcc-sub004/pipeline"
	"github.com/Jasonzhangf/rcc-sub004/provider"
	"github.com/Jasonzhangf/rcc-sub004/scheduler"
)

type blockingAdapter struct {
	release chan struct{}
}

func (a *blockingAdapter) Prepare(req domain.NormalizedRequest, c *domain.CredentialSlot, m *domain.ProviderModel) (provider.WireRequest, error) {
	return provider.WireRequest{}, nil
}

func (a *blockingAdapter) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	<-a.release
	return provider.InvokeResult{Response: &provider.WireResponse{StatusCode: 200}}, domain.OutcomeSuccess, nil
}

func (a *blockingAdapter) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	return domain.NormalizedResponse{Content: "ok"}, nil
}

func (a *blockingAdapter) DetectCapabilities(ctx context.Context, c *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}

func (a *blockingAdapter) Family() provider.Family { return provider.FamilyOpenAI }

func newScheduler(vmID string, release chan struct{}) *scheduler.Scheduler {
	slot := &domain.CredentialSlot{Name: "k", Secret: "s", Status: domain.SlotActive}
	rot := credential.New(credential.PolicyRoundRobin, []*domain.CredentialSlot{slot}, nil)
	p := pipeline.New(vmID+"#0", domain.Target{Enabled: true}, "p1", nil, &blockingAdapter{release: release}, rot, nil)
	return scheduler.New(vmID, []*pipeline.Pipeline{p}, scheduler.DefaultConfig(), nil)
}

func TestRouteUnknownVirtualModel(t *testing.T) {
	m := New(nil)
	_, _, err := m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, rerr.ErrUnknownVirtualModel)
}

func TestRouteHappyPath(t *testing.T) {
	release := make(chan struct{})
	close(release)
	m := New(nil)
	m.InstallPools(map[string]*scheduler.Scheduler{"default": newScheduler("default", release)})

	resp, attempts, err := m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, attempts, 1)
}

// TestReloadDoesNotAffectInFlightRequest verifies property 7 / S6: a
// request in flight against the old pool completes against it, and a
// request issued after InstallPools only ever observes the new pool.
func TestReloadDoesNotAffectInFlightRequest(t *testing.T) {
	oldRelease := make(chan struct{})
	m := New(nil)
	m.InstallPools(map[string]*scheduler.Scheduler{"default": newScheduler("default", oldRelease)})

	var wg sync.WaitGroup
	wg.Add(1)
	var oldErr error
	var oldResp domain.NormalizedResponse
	go func() {
		defer wg.Done()
		oldResp, _, oldErr = m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
	}()

	time.Sleep(20 * time.Millisecond) // let the in-flight request grab the old scheduler

	newRelease := make(chan struct{})
	close(newRelease)
	m.InstallPools(map[string]*scheduler.Scheduler{"default": newScheduler("default", newRelease)})

	newResp, _, newErr := m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
	require.NoError(t, newErr)
	assert.Equal(t, "ok", newResp.Content)

	close(oldRelease)
	wg.Wait()
	require.NoError(t, oldErr)
	assert.Equal(t, "ok", oldResp.Content)
}

// flakyAdapter fails its first invocation and succeeds afterwards, so a
// single request opens a threshold-1 breaker and the health probe is what
// brings the pipeline back.
type flakyAdapter struct {
	calls atomic.Int32
}

func (a *flakyAdapter) Prepare(req domain.NormalizedRequest, c *domain.CredentialSlot, m *domain.ProviderModel) (provider.WireRequest, error) {
	return provider.WireRequest{}, nil
}

func (a *flakyAdapter) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	if a.calls.Add(1) == 1 {
		return provider.InvokeResult{}, domain.OutcomeServerError, assert.AnError
	}
	return provider.InvokeResult{Response: &provider.WireResponse{StatusCode: 200}}, domain.OutcomeSuccess, nil
}

func (a *flakyAdapter) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	return domain.NormalizedResponse{Content: "ok"}, nil
}

func (a *flakyAdapter) DetectCapabilities(ctx context.Context, c *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}

func (a *flakyAdapter) Family() provider.Family { return provider.FamilyOpenAI }

func TestStartRunsHealthProbesAndRecoversOpenBreaker(t *testing.T) {
	slot := &domain.CredentialSlot{Name: "k", Secret: "s", Status: domain.SlotActive}
	rot := credential.New(credential.PolicyRoundRobin, []*domain.CredentialSlot{slot}, nil)
	p := pipeline.New("default#0", domain.Target{ModelID: "gpt-4", Enabled: true}, "p1", nil, &flakyAdapter{}, rot, nil)

	cfg := scheduler.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.CooldownWindow = time.Hour // passive promotion cannot help
	cfg.HealthCheckPeriod = 20 * time.Millisecond
	sched := scheduler.New("default", []*pipeline.Pipeline{p}, cfg, nil)

	m := New(nil)
	m.InstallPools(map[string]*scheduler.Scheduler{"default": sched})

	_, _, err := m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
	require.Error(t, err)

	// breaker is open and cooldown is an hour: only a probe can recover it
	_, _, err = m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
	require.ErrorIs(t, err, rerr.ErrNoAvailableTargets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		_, _, err := m.Route(context.Background(), &domain.RequestContext{VirtualModelID: "default"})
		return err == nil
	}, 2*time.Second, 25*time.Millisecond)

	m.Shutdown(time.Second)
}

func TestListVirtualModelsAndStatus(t *testing.T) {
	release := make(chan struct{})
	close(release)
	m := New(nil)
	m.InstallPools(map[string]*scheduler.Scheduler{
		"default": newScheduler("default", release),
		"coding":  newScheduler("coding", release),
	})

	ids := m.ListVirtualModels()
	assert.ElementsMatch(t, []string{"default", "coding"}, ids)

	statuses := m.GetStatus()
	assert.Len(t, statuses, 2)
}
