// Package httpapi is the northbound HTTP surface of the routing core:
// the inference endpoints and /status. Configuration editing, the UI,
// and generic server plumbing (CORS, compression) belong to external
// collaborators, not this package.
package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIInboundBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature"`
	Stream      bool            `json:"stream"`
	Tools       []json.RawMessage `json:"tools"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicInboundBody struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system"`
}

// NormalizeInbound accepts either an Anthropic-shaped or OpenAI-shaped
// request body and folds it into the gateway's canonical
// domain.NormalizedRequest. Shape is distinguished by the presence of a
// top-level "system" field; absent that, a body with "messages" and a
// "model" field parses identically under either shape.
func NormalizeInbound(body []byte) (domain.NormalizedRequest, error) {
	var probe struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return domain.NormalizedRequest{}, fmt.Errorf("httpapi: malformed request body: %w", err)
	}
	if probe.Model == "" {
		return domain.NormalizedRequest{}, fmt.Errorf("httpapi: request missing model field")
	}

	var anth anthropicInboundBody
	hasSystem := json.Unmarshal(body, &anth) == nil && anth.System != ""

	var oa openAIInboundBody
	if err := json.Unmarshal(body, &oa); err != nil {
		return domain.NormalizedRequest{}, fmt.Errorf("httpapi: malformed request body: %w", err)
	}

	messages := make([]domain.Message, 0, len(oa.Messages)+1)
	if hasSystem {
		messages = append(messages, domain.Message{Role: "system", Content: anth.System})
	}
	for _, m := range oa.Messages {
		messages = append(messages, domain.Message{Role: m.Role, Content: m.Content})
	}

	return domain.NormalizedRequest{
		Model:       oa.Model,
		Messages:    messages,
		MaxTokens:   oa.MaxTokens,
		Temperature: oa.Temperature,
		Stream:      oa.Stream,
		Tools:       oa.Tools,
	}, nil
}

// openAIResponseBody is the canonical OpenAI-shaped response this gateway
// writes back regardless of which inbound shape the caller used; both
// /v1/messages and /v1/chat/completions are served by the same
// normalized pipeline.
type openAIResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamChunkBody renders one OpenAI-style chat.completion.chunk frame:
// the content delta when final is false, the finish frame otherwise.
func StreamChunkBody(resp domain.NormalizedResponse, final bool) []byte {
	type choice struct {
		Index        int               `json:"index"`
		Delta        map[string]string `json:"delta"`
		FinishReason *string           `json:"finish_reason"`
	}
	chunk := struct {
		Object  string   `json:"object"`
		Model   string   `json:"model,omitempty"`
		Choices []choice `json:"choices"`
	}{Object: "chat.completion.chunk", Model: resp.Model}

	if final {
		reason := resp.FinishReason
		if reason == "" {
			reason = "stop"
		}
		chunk.Choices = []choice{{Delta: map[string]string{}, FinishReason: &reason}}
	} else {
		chunk.Choices = []choice{{Delta: map[string]string{"role": "assistant", "content": resp.Content}}}
	}

	data, _ := json.Marshal(chunk)
	return data
}

// DenormalizeResponse folds a domain.NormalizedResponse into the
// canonical OpenAI-shaped body written back to every caller.
func DenormalizeResponse(resp domain.NormalizedResponse) []byte {
	out := openAIResponseBody{Model: resp.Model}
	choice := struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}{
		Message:      openAIMessage{Role: "assistant", Content: resp.Content},
		FinishReason: resp.FinishReason,
	}
	out.Choices = append(out.Choices, choice)
	out.Usage.PromptTokens = resp.PromptTokens
	out.Usage.CompletionTokens = resp.CompletionTokens

	data, _ := json.Marshal(out)
	return data
}
