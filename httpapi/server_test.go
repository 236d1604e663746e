package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/rcc-sub004/credential"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/manager"
	"github.com/Jasonzhangf/rcc-sub004/pipeline"
	"github.com/Jasonzhangf/rcc-sub004/provider"
	"github.com/Jasonzhangf/rcc-sub004/scheduler"
	"github.com/Jasonzhangf/rcc-sub004/tracker"
)

type fixedAdapter struct{ content string }

func (a *fixedAdapter) Prepare(req domain.NormalizedRequest, c *domain.CredentialSlot, m *domain.ProviderModel) (provider.WireRequest, error) {
	return provider.WireRequest{}, nil
}

func (a *fixedAdapter) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	return provider.InvokeResult{Response: &provider.WireResponse{StatusCode: 200}}, domain.OutcomeSuccess, nil
}

func (a *fixedAdapter) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	return domain.NormalizedResponse{Content: a.content, Model: "gpt-4"}, nil
}

func (a *fixedAdapter) DetectCapabilities(ctx context.Context, c *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}

func (a *fixedAdapter) Family() provider.Family { return provider.FamilyOpenAI }

func newTestManager(t *testing.T) *manager.Manager {
	slot := &domain.CredentialSlot{Name: "k", Secret: "s", Status: domain.SlotActive}
	rot := credential.New(credential.PolicyRoundRobin, []*domain.CredentialSlot{slot}, nil)
	p := pipeline.New("default#0", domain.Target{Enabled: true}, "p1", nil, &fixedAdapter{content: "pong"}, rot, nil)
	sched := scheduler.New("default", []*pipeline.Pipeline{p}, scheduler.DefaultConfig(), nil)

	m := manager.New(nil)
	m.InstallPools(map[string]*scheduler.Scheduler{"default": sched})
	return m
}

func TestHandleInferenceHappyPath(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"default","messages":[{"role":"user","content":"ping"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decoded struct {
		Choices []struct {
			Message struct{ Content string }
		}
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "pong", decoded.Choices[0].Message.Content)
}

func TestHandleInferenceUnknownVirtualModel(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"ghost","messages":[{"role":"user","content":"ping"}]}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRejectsMissingBearerToken(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "secret-token", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"default","messages":[{"role":"user","content":"ping"}]}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthAcceptsValidBearerToken(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "secret-token", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"default","messages":[{"role":"user","content":"ping"}]}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleInferenceStreamReplaysAsSSE(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"default","messages":[{"role":"user","content":"ping"}],"stream":true}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"pong"`)
	assert.Contains(t, string(raw), "data: [DONE]")
}

func TestPanicInHandlerBecomesStable500(t *testing.T) {
	// a nil Manager makes Route nil-deref, standing in for any internal
	// invariant violation deeper in the core
	rt := NewRouter(nil, tracker.New(nil, nil), "", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	body := `{"model":"default","messages":[{"role":"user","content":"ping"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var decoded struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "InternalInvariant", decoded.Kind)
	assert.NotEmpty(t, decoded.Message)
}

func TestHandleStatus(t *testing.T) {
	rt := NewRouter(newTestManager(t), tracker.New(nil, nil), "", nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.VirtualModels, 1)
	assert.Equal(t, "default", decoded.VirtualModels[0].VirtualModelID)
}
