// Package anthropic implements the Anthropic Messages wire protocol:
// x-api-key authentication, the anthropic-version header, and the
// {"content":[{"type":"text","text":...}]} response shape.
package anthropic

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

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	APIVersion     = "2023-06-01"
)

// Client adapts the Anthropic Messages API.
type Client struct {
	*provider.BaseClient
	BaseURL string
}

// New constructs a Client against baseURL (DefaultBaseURL if empty).
func New(baseURL string, timeout time.Duration, logger rlog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseClient: provider.NewBaseClient(timeout, version.UserAgent("anthropic"), logger),
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Family() provider.Family { return provider.FamilyAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

func (c *Client) Prepare(req domain.NormalizedRequest, credential *domain.CredentialSlot, model *domain.ProviderModel) (provider.WireRequest, error) {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    req.Stream,
	})
	if err != nil {
		return provider.WireRequest{}, err
	}

	return provider.WireRequest{
		Method: http.MethodPost,
		URL:    c.BaseURL + "/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         credential.Secret,
			"anthropic-version": APIVersion,
		},
		Body: body,
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

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	var parsed messagesResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("anthropic: normalize: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return domain.NormalizedResponse{
		Content:          text.String(),
		Model:            parsed.Model,
		FinishReason:     parsed.StopReason,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}, nil
}

// DetectCapabilities: Anthropic has no public model-listing endpoint in
// the Messages API surface this adapter targets.
func (c *Client) DetectCapabilities(ctx context.Context, credential *domain.CredentialSlot) ([]string, error) {
	return nil, provider.ErrUnsupported
}
