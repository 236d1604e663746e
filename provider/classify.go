package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

// tokenLimitPatterns is the versioned table of regular expressions used to
// extract a context-window size N from an upstream 400 error body. Kept
// separate from classification logic per the Design Note: "error-message
// parsing for token limits is a contract with upstream providers and is
// inherently fragile" — patterns are reviewed and extended independently
// of the classifier itself.
var tokenLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)maximum context length (?:of|is) (\d+) tokens`),
	regexp.MustCompile(`(?i)token\w*\s*.*?limit.*?(\d+)`),
	regexp.MustCompile(`(?i)(\d+) tokens?\s*(?:limit|maximum)`),
}

const (
	minValidTokenLimit = 1_000
	maxValidTokenLimit = 2_000_000
)

// ReliableFamilies is the set of provider families whose error-message
// token-limit reporting is trusted enough to probe against. iFlow is
// deliberately marked unreliable: its error bodies have been observed to
// misreport limits, so its verification path bypasses probing.
var ReliableFamilies = map[Family]bool{
	FamilyOpenAI:    true,
	FamilyAnthropic: true,
	FamilyGemini:    true,
	FamilyLMStudio:  true,
	FamilyQwen:      true,
	FamilyDeepSeek:  true,
	FamilyIFlow:     false,
}

// rateLimitPhrases lists body substrings that indicate a rate limit even
// when the provider does not use HTTP 429 for it.
var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
}

// ExtractTokenLimit scans body against tokenLimitPatterns and returns the
// first match whose captured N validates within [minValidTokenLimit,
// maxValidTokenLimit]. ok is false if no pattern matched or N was out of
// range — the caller must prefer "unknown" over a false detection.
func ExtractTokenLimit(body string) (n int, ok bool) {
	for _, re := range tokenLimitPatterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if v >= minValidTokenLimit && v <= maxValidTokenLimit {
			return v, true
		}
	}
	return 0, false
}

// ClassifyHTTP maps a raw upstream HTTP response to an Outcome.
// errorMessage, when non-empty, is the provider-specific error message
// (extracted upstream for iFlow-family {"message":...} bodies) and takes
// precedence over the raw body for rate-limit phrase matching.
func ClassifyHTTP(statusCode int, body string, errorMessage string, timedOut bool) domain.Outcome {
	if timedOut {
		return domain.OutcomeTimeout
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.OutcomeAuthFailure
	case statusCode == http.StatusTooManyRequests:
		return domain.OutcomeRateLimited
	}

	// Phrase matching applies only to error bodies; a 2xx completion whose
	// generated content mentions rate limits is not a rate-limit response.
	if statusCode >= 400 {
		haystack := strings.ToLower(errorMessage)
		if haystack == "" {
			haystack = strings.ToLower(body)
		}
		for _, phrase := range rateLimitPhrases {
			if strings.Contains(haystack, phrase) {
				return domain.OutcomeRateLimited
			}
		}
	}

	if statusCode == http.StatusBadRequest {
		if _, ok := ExtractTokenLimit(body); ok {
			return domain.OutcomeTokenLimitExceeded
		}
		return domain.OutcomeBadRequest
	}

	if statusCode >= 500 {
		return domain.OutcomeServerError
	}

	if statusCode >= 200 && statusCode < 300 {
		return domain.OutcomeSuccess
	}

	return domain.OutcomeMalformed
}

// ClassifyTransportError maps a transport-level failure (before any HTTP
// status was observed) to network_error or timeout.
func ClassifyTransportError(err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTimeout
	}
	return domain.OutcomeNetworkError
}

// IFlowErrorMessage extracts the provider-specific error message for the
// iFlow family's {"message": "...", "error_code": <int>} error shape,
// falling back to the OpenAI-style error.message field so no provider
// using either shape goes silently misclassified.
func IFlowErrorMessage(body []byte) string {
	var iflowShape struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &iflowShape); err == nil && iflowShape.Message != "" {
		return iflowShape.Message
	}

	var openAIShape struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &openAIShape); err == nil {
		return openAIShape.Error.Message
	}
	return ""
}
