package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
)

// BaseClient provides the HTTP plumbing shared by every protocol adapter:
// a timeout-bound client and structured request/response logging. Unlike
// the scheduler's retry policy (which spans pipelines), BaseClient never
// retries — the adapter's Invoke is single-shot per the pipeline contract.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     rlog.Logger
	UserAgent  string
}

// NewBaseClient builds a BaseClient with a bounded HTTP timeout.
func NewBaseClient(timeout time.Duration, userAgent string, logger rlog.Logger) *BaseClient {
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     rlog.Default(logger),
		UserAgent:  userAgent,
	}
}

// Do executes req, stamping the shared User-Agent and logging request size
// and response duration the way every adapter in this package expects.
func (b *BaseClient) Do(ctx context.Context, req *http.Request) (*http.Response, time.Duration, error) {
	req = req.WithContext(ctx)
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}

	start := time.Now()
	resp, err := b.HTTPClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		b.Logger.Debug("upstream call failed", map[string]interface{}{
			"url":   req.URL.String(),
			"error": err.Error(),
		})
		return nil, elapsed, err
	}

	b.Logger.Debug("upstream call completed", map[string]interface{}{
		"url":         req.URL.String(),
		"status":      resp.StatusCode,
		"duration_ms": elapsed.Milliseconds(),
	})
	return resp, elapsed, nil
}
