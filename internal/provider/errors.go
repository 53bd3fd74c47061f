package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"grove/internal/domain"
)

// classifyStatus maps an HTTP error status to a generation failure. There is
// no retry loop here: the caller surfaces the failure and the user decides
// whether to go again.
func classifyStatus(name string, status int, body string) *domain.GenerationError {
	kind := domain.GenNetwork
	switch {
	case status == http.StatusTooManyRequests:
		kind = domain.GenRateLimited
	case status >= 400 && status < 500:
		kind = domain.GenInvalidRequest
	}
	return domain.NewGenerationError(kind, fmt.Errorf("%s returned %d: %s", name, status, body))
}

// classifyTransport wraps a transport-level failure (dial, TLS, timeout).
func classifyTransport(name string, err error) *domain.GenerationError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewGenerationError(domain.GenNetwork, err)
	}
	return domain.NewGenerationError(domain.GenNetwork, fmt.Errorf("%s request: %w", name, err))
}
