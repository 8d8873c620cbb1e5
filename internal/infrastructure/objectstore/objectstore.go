// Package objectstore provides the file-reference liveness check used at
// submission time. The files themselves are parsed by downstream workers,
// never here.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"validahub-core/internal/job"
	"validahub-core/pkg/logger"
)

// HTTPChecker verifies http(s) file references with a HEAD request.
// References on object-store schemes (s3, gs) are presigned by the caller's
// upload flow and pass through unverified; validating them would need the
// store's credentials, which this service deliberately does not hold.
type HTTPChecker struct {
	client *http.Client
}

// NewHTTPChecker creates a checker with the given per-request timeout.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{client: &http.Client{Timeout: timeout}}
}

// Stat implements usecase.ObjectStore.
func (c *HTTPChecker) Stat(ctx context.Context, ref job.FileReference) (int64, error) {
	if ref.Scheme() != "http" && ref.Scheme() != "https" {
		logger.Debug(ctx, "file reference scheme not probeable, skipping liveness check",
			"scheme", ref.Scheme())
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("build file check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("file check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("file check returned status %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}
