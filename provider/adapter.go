// Package provider defines the Provider Adapter contract: the uniform
// Prepare/Invoke/Normalize/DetectCapabilities surface the Pipeline calls,
// plus the error-classification rules shared by every concrete adapter.
// Concrete wire-protocol implementations live in the openai, anthropic
// and gemini subpackages; each embeds BaseClient for its HTTP plumbing.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

// WireRequest is the provider-shaped request ready to send over HTTP.
type WireRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// WireResponse is the raw upstream response before normalization.
type WireResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// StreamChunk is one incremental piece of a streamed upstream response.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// InvokeResult carries either a buffered WireResponse or, for a streaming
// call, a channel of StreamChunks. Exactly one of the two is set,
// depending on whether the caller requested streaming.
type InvokeResult struct {
	Response *WireResponse
	Stream   <-chan StreamChunk
}

// Adapter is the uniform contract every provider protocol implements.
type Adapter interface {
	// Prepare is a pure transformation from the normalized request into
	// the provider's wire format. Returns an error classified as
	// bad_request if the request cannot be expressed in this protocol.
	Prepare(req domain.NormalizedRequest, credential *domain.CredentialSlot, model *domain.ProviderModel) (WireRequest, error)

	// Invoke performs exactly one upstream HTTP call. It never retries
	// internally; retry is the Scheduler's responsibility.
	Invoke(ctx context.Context, wire WireRequest, deadline time.Time) (InvokeResult, domain.Outcome, error)

	// Normalize folds a provider response into the canonical shape,
	// extracting both primary content and provider-specific fields like
	// reasoning_content so non-empty output is never silently dropped.
	Normalize(resp *WireResponse) (domain.NormalizedResponse, error)

	// DetectCapabilities lists model ids visible to credential. Adapters
	// without a listing endpoint return ErrUnsupported; callers must treat
	// that as non-fatal and fall back to the declared model list.
	DetectCapabilities(ctx context.Context, credential *domain.CredentialSlot) ([]string, error)

	// Family identifies the adapter's protocol family for classification
	// purposes (used by the token-limit reliability table).
	Family() Family
}

// Family names a provider's wire-protocol family for the classify table.
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyAnthropic  Family = "anthropic"
	FamilyGemini     Family = "gemini"
	FamilyIFlow      Family = "iflow"
	FamilyQwen       Family = "qwen"
	FamilyLMStudio   Family = "lmstudio"
	FamilyDeepSeek   Family = "deepseek"
)

// ErrUnsupported is returned by DetectCapabilities when the provider has
// no model-listing endpoint.
var ErrUnsupported = unsupportedError{}

type unsupportedError struct{}

func (unsupportedError) Error() string { return "provider: capability detection unsupported" }
