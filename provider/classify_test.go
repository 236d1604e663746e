package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

func TestExtractTokenLimit(t *testing.T) {
	cases := []struct {
		body   string
		wantN  int
		wantOK bool
	}{
		{"This model's maximum context length of 131072 tokens", 131072, true},
		{"token count limit 8192 exceeded", 8192, true},
		{"4096 tokens maximum", 4096, true},
		{"maximum context length of 50 tokens", 0, false}, // below minimum, rejected
		{"nothing relevant here", 0, false},
	}
	for _, c := range cases {
		n, ok := ExtractTokenLimit(c.body)
		assert.Equal(t, c.wantOK, ok, c.body)
		if ok {
			assert.Equal(t, c.wantN, n, c.body)
		}
	}
}

func TestClassifyHTTP(t *testing.T) {
	assert.Equal(t, domain.OutcomeAuthFailure, ClassifyHTTP(401, "", "", false))
	assert.Equal(t, domain.OutcomeAuthFailure, ClassifyHTTP(403, "", "", false))
	assert.Equal(t, domain.OutcomeRateLimited, ClassifyHTTP(429, "", "", false))
	assert.Equal(t, domain.OutcomeRateLimited, ClassifyHTTP(400, "rate limit exceeded", "", false))
	assert.Equal(t, domain.OutcomeTokenLimitExceeded, ClassifyHTTP(400, "maximum context length of 131072 tokens", "", false))
	assert.Equal(t, domain.OutcomeBadRequest, ClassifyHTTP(400, "invalid request", "", false))
	assert.Equal(t, domain.OutcomeServerError, ClassifyHTTP(503, "", "", false))
	assert.Equal(t, domain.OutcomeSuccess, ClassifyHTTP(200, "", "", false))
	// generated content mentioning rate limits is still a success
	assert.Equal(t, domain.OutcomeSuccess, ClassifyHTTP(200, `{"choices":[{"message":{"content":"a rate limit is..."}}]}`, "", false))
	assert.Equal(t, domain.OutcomeTimeout, ClassifyHTTP(0, "", "", true))
}

func TestIFlowErrorMessage(t *testing.T) {
	iflow := []byte(`{"message":"maximum context length of 131072 tokens","error_code":400}`)
	assert.Equal(t, "maximum context length of 131072 tokens", IFlowErrorMessage(iflow))

	openai := []byte(`{"error":{"message":"invalid api key"}}`)
	assert.Equal(t, "invalid api key", IFlowErrorMessage(openai))
}
