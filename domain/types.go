// Package domain holds the data model shared by every routing component:
// providers, credential slots, virtual models and their targets,
// load-balancing and retry policy, the per-request context, and the trace
// record. Executable pipelines and their pools live in the pipeline and
// scheduler packages. Nothing in this package
// talks to the network or holds a mutex; it is plain state, owned and
// mutated by the components described in the component packages.
package domain

import (
	"encoding/json"
	"time"
)

// Protocol identifies the wire format a Provider speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
)

// SlotStatus is the lifecycle state of one CredentialSlot.
type SlotStatus string

const (
	SlotActive      SlotStatus = "active"
	SlotCooling     SlotStatus = "cooling"
	SlotBlacklisted SlotStatus = "blacklisted"
	SlotDisabled    SlotStatus = "disabled"
)

// CredentialSlot is one authentication material element in a provider's
// rotation. Status is mutated only by the credential Rotator that owns it.
type CredentialSlot struct {
	Name   string
	Secret string // resolved secret material (file contents already read)
	Weight int
	Status SlotStatus

	RequestsThisMinute int
	RequestsThisDay    int
	ConcurrentInFlight int
	RPDLimit           int // 0 = unbounded

	LastFailure         time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// VerificationState is the Token-Limit Prober's verdict on a ProviderModel.
type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationVerified   VerificationState = "verified"
	VerificationFailed     VerificationState = "failed"
)

// ProviderModel is one model id declared (or discovered) under a Provider.
type ProviderModel struct {
	ModelID           string
	DeclaredMaxTokens int
	DetectedMaxTokens *int
	Verification      VerificationState
	Blacklisted       bool
	BlacklistReason   string
}

// Provider groups credential slots and declared models behind one wire
// protocol and base URL.
type Provider struct {
	ProviderID     string
	Protocol       Protocol
	BaseURL        string
	DefaultHeaders map[string]string
	Credentials    []*CredentialSlot
	Models         map[string]*ProviderModel

	// Alias distinguishes OpenAI-compatible family members (deepseek,
	// qwen, iflow, lmstudio) that all speak the OpenAI wire protocol but
	// need their own base URL, headers and reliability classification.
	Alias string
}

// Target is one routing candidate referenced by a VirtualModel:
// (provider_id, model_id, credential_selector, weight, enabled).
type Target struct {
	ProviderID         string
	ModelID            string
	CredentialSelector string // "" or "any" = any active slot; else a slot name
	Weight             int
	Enabled            bool
}

// VirtualModel is the client-facing routing key.
type VirtualModel struct {
	ID             string
	Enabled        bool
	CapabilityTags []string
	Targets        []Target
}

// LBStrategy is the load-balancing policy a scheduler applies over its
// pool of pipelines.
type LBStrategy string

const (
	LBRoundRobin  LBStrategy = "round-robin"
	LBWeighted    LBStrategy = "weighted"
	LBLeastLoaded LBStrategy = "least-loaded"
	LBFailover    LBStrategy = "failover"
)

// RetryPolicy bounds the Scheduler's retry behavior for one pool.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is 3 attempts with capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RequestContext is created once per incoming request.
type RequestContext struct {
	RequestID      string
	VirtualModelID string
	Body           NormalizedRequest
	Deadline       time.Time
	AttemptsSoFar  int
	TriedPipelines map[string]bool
}

// NormalizedRequest is the gateway's canonical request shape, built from
// either an Anthropic-shaped or OpenAI-shaped inbound body.
type NormalizedRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
	Stream      bool
	Tools       []json.RawMessage
}

// Message is one chat turn in the canonical shape.
type Message struct {
	Role    string
	Content string
}

// NormalizedResponse is the gateway's canonical response shape.
type NormalizedResponse struct {
	Content          string
	ReasoningContent string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Outcome is the categorical result of one adapter invocation, shared by
// the provider, pipeline, scheduler and tracker packages.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeAuthFailure        Outcome = "auth_failure"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeTokenLimitExceeded Outcome = "token_limit_exceeded"
	OutcomeServerError        Outcome = "server_error"
	OutcomeNetworkError       Outcome = "network_error"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeMalformed          Outcome = "malformed"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomeBadRequest         Outcome = "bad_request"
)

// Retryable reports whether the scheduler should retry a different
// pipeline after this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeServerError, OutcomeNetworkError, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// CountsTowardBreaker reports whether this outcome counts toward circuit
// breaker consecutive-failure accounting. Token-limit and malformed
// outcomes are model/client specific, not pipeline-level faults.
func (o Outcome) CountsTowardBreaker() bool {
	switch o {
	case OutcomeAuthFailure, OutcomeServerError, OutcomeNetworkError, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// Attempt is one recorded try within a TraceRecord.
type Attempt struct {
	PipelineID     string
	ProviderID     string
	CredentialName string
	Start          time.Time
	End            time.Time
	Outcome        Outcome
	ErrorCategory  string
}

// TraceRecord is the append-only per-request record the Tracker stores.
type TraceRecord struct {
	RequestID      string
	VirtualModelID string
	Attempts       []Attempt
	TotalDuration  time.Duration
	FinalOutcome   Outcome
}
