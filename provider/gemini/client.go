// Package gemini implements Google's Gemini generateContent wire protocol:
// API key carried as a URL query parameter rather than a header.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/internal/version"
	"github.com/Jasonzhangf/rcc-sub004/provider"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client adapts the Gemini generateContent API.
type Client struct {
	*provider.BaseClient
	BaseURL string
}

func New(baseURL string, timeout time.Duration, logger rlog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseClient: provider.NewBaseClient(timeout, version.UserAgent("gemini"), logger),
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Family() provider.Family { return provider.FamilyGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type generateContentRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		Temperature     float32 `json:"temperature,omitempty"`
	} `json:"generationConfig"`
}

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (c *Client) Prepare(req domain.NormalizedRequest, credential *domain.CredentialSlot, model *domain.ProviderModel) (provider.WireRequest, error) {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, geminiContent{
			Role:  geminiRole(m.Role),
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	payload := generateContentRequest{Contents: contents}
	payload.GenerationConfig.MaxOutputTokens = req.MaxTokens
	payload.GenerationConfig.Temperature = req.Temperature

	body, err := json.Marshal(payload)
	if err != nil {
		return provider.WireRequest{}, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.BaseURL, req.Model, credential.Secret)
	return provider.WireRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}

func (c *Client) Invoke(ctx context.Context, wire provider.WireRequest, deadline time.Time) (provider.InvokeResult, domain.Outcome, error) {
	httpReq, err := http.NewRequest(wire.Method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return provider.InvokeResult{}, domain.OutcomeMalformed, err
	}
	for k, v := range wire.Headers {
		httpReq.Header.Set(k, v)
	}

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	resp, _, err := c.Do(ctx, httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return provider.InvokeResult{}, domain.OutcomeTimeout, ctx.Err()
		}
		return provider.InvokeResult{}, domain.OutcomeNetworkError, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.InvokeResult{}, domain.OutcomeMalformed, err
	}

	outcome := provider.ClassifyHTTP(resp.StatusCode, string(raw), "", false)
	wireResp := &provider.WireResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: raw}
	return provider.InvokeResult{Response: wireResp}, outcome, nil
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	var parsed generateContentResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("gemini: normalize: %w", err)
	}

	out := domain.NormalizedResponse{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		out.FinishReason = cand.FinishReason
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		out.Content = text.String()
	}
	return out, nil
}

// DetectCapabilities lists models via GET /models?key=...
func (c *Client) DetectCapabilities(ctx context.Context, credential *domain.CredentialSlot) ([]string, error) {
	url := fmt.Sprintf("%s/models?key=%s", c.BaseURL, credential.Secret)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, _, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, provider.ErrUnsupported
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var list struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.Name)
	}
	return ids, nil
}
