// Package openai implements the OpenAI-compatible wire protocol. One
// implementation serves several named backends (OpenAI itself, DeepSeek,
// Qwen, iFlow, LM Studio) that all speak the same /chat/completions shape
// but differ in base URL, headers and error-body reliability; the alias
// selects the backend without duplicating the adapter.
package openai

import (
	"bufio"
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

// Alias names one OpenAI-compatible backend served by this adapter.
type Alias string

const (
	AliasOpenAI   Alias = "openai"
	AliasDeepSeek Alias = "deepseek"
	AliasQwen     Alias = "qwen"
	AliasIFlow    Alias = "iflow"
	AliasLMStudio Alias = "lmstudio"
)

func (a Alias) family() provider.Family {
	switch a {
	case AliasDeepSeek:
		return provider.FamilyDeepSeek
	case AliasQwen:
		return provider.FamilyQwen
	case AliasIFlow:
		return provider.FamilyIFlow
	case AliasLMStudio:
		return provider.FamilyLMStudio
	default:
		return provider.FamilyOpenAI
	}
}

// Client adapts the OpenAI-compatible chat/completions wire protocol.
type Client struct {
	*provider.BaseClient
	Alias   Alias
	BaseURL string
	Headers map[string]string
}

// New constructs a Client for one alias/base-URL pair.
func New(alias Alias, baseURL string, headers map[string]string, timeout time.Duration, logger rlog.Logger) *Client {
	return &Client{
		BaseClient: provider.NewBaseClient(timeout, version.UserAgent(string(alias)), logger),
		Alias:      alias,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Headers:    headers,
	}
}

func (c *Client) Family() provider.Family { return c.Alias.family() }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Prepare translates a normalized request into the OpenAI chat/completions
// wire shape: message roles and text content, max_tokens, temperature and
// stream. req.Tools is not forwarded, and Prepare returns no error for a
// request that carries tools; nothing on the pipeline path rejects such a
// request either.
func (c *Client) Prepare(req domain.NormalizedRequest, credential *domain.CredentialSlot, model *domain.ProviderModel) (provider.WireRequest, error) {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	})
	if err != nil {
		return provider.WireRequest{}, err
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + credential.Secret,
	}
	for k, v := range c.Headers {
		headers[k] = v
	}

	return provider.WireRequest{
		Method:  http.MethodPost,
		URL:     c.BaseURL + "/chat/completions",
		Headers: headers,
		Body:    body,
	}, nil
}

// Invoke performs one upstream call. It never retries; classification is
// derived from the response status and body per provider.ClassifyHTTP.
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

	if isSSE(resp) {
		return c.invokeStreaming(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.InvokeResult{}, domain.OutcomeMalformed, err
	}

	errMsg := ""
	if resp.StatusCode >= 400 {
		if c.Alias == AliasIFlow {
			errMsg = provider.IFlowErrorMessage(raw)
		}
	}

	outcome := provider.ClassifyHTTP(resp.StatusCode, string(raw), errMsg, false)
	wireResp := &provider.WireResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: raw}
	return provider.InvokeResult{Response: wireResp}, outcome, nil
}

func isSSE(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// invokeStreaming converts an SSE body into a channel of StreamChunks;
// the Pipeline buffers these into one NormalizedResponse unless the
// caller requested a streaming transport.
func (c *Client) invokeStreaming(resp *http.Response) (provider.InvokeResult, domain.Outcome, error) {
	chunks := make(chan provider.StreamChunk, 16)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				chunks <- provider.StreamChunk{Done: true}
				return
			}

			var frame struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				continue
			}
			if len(frame.Choices) > 0 {
				chunks <- provider.StreamChunk{Delta: frame.Choices[0].Delta.Content}
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- provider.StreamChunk{Err: err}
		}
	}()

	return provider.InvokeResult{Stream: chunks}, domain.OutcomeSuccess, nil
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Normalize extracts both content and reasoning_content so a
// reasoning-model response (DeepSeek/Qwen/iFlow style) is never silently
// dropped to an empty string.
func (c *Client) Normalize(resp *provider.WireResponse) (domain.NormalizedResponse, error) {
	var parsed chatResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("openai: normalize: %w", err)
	}

	out := domain.NormalizedResponse{
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	if len(parsed.Choices) > 0 {
		choice := parsed.Choices[0]
		out.Content = choice.Message.Content
		out.ReasoningContent = choice.Message.ReasoningContent
		out.FinishReason = choice.FinishReason
		if out.Content == "" && out.ReasoningContent != "" {
			out.Content = out.ReasoningContent
		}
	}
	return out, nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// DetectCapabilities lists models visible to credential via GET /models.
// LM Studio and some self-hosted iFlow deployments omit this endpoint;
// callers must fall back to the declared model list on ErrUnsupported.
func (c *Client) DetectCapabilities(ctx context.Context, credential *domain.CredentialSlot) ([]string, error) {
	if c.Alias == AliasLMStudio {
		return nil, provider.ErrUnsupported
	}

	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential.Secret)

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

	var list modelList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
