package githubapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/go-github/v75/github"
)

// EndpointStatus represents a normalized GitHub API call outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusForbidden indicates authorization failure or restricted access.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusConflict indicates a state conflict, like listing commits of an empty repository.
	EndpointStatusConflict EndpointStatus = "conflict"
	// EndpointStatusRateLimited indicates GitHub rejected the call because of quota.
	EndpointStatusRateLimited EndpointStatus = "rate_limited"
	// EndpointStatusUnavailable indicates a temporary failure: network, 5xx or timeout.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified failure.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// StatusOf classifies err into an EndpointStatus.
func StatusOf(err error) EndpointStatus {
	if err == nil {
		return EndpointStatusOK
	}
	if IsRateLimit(err) {
		return EndpointStatusRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return EndpointStatusUnavailable
	}

	var responseErr *github.ErrorResponse
	if errors.As(err, &responseErr) && responseErr.Response != nil {
		return endpointStatusFromHTTP(responseErr.Response.StatusCode)
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return EndpointStatusUnavailable
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "could not resolve to a"):
		return EndpointStatusNotFound
	case strings.Contains(message, "connection reset"),
		strings.Contains(message, "connection refused"),
		strings.Contains(message, "eof"),
		strings.Contains(message, "timeout"):
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

// IsRateLimit reports whether err carries GitHub's "rate limit exceeded" signature:
// a primary or secondary limit error from go-github, or a 403/429 whose message
// mentions the rate limit. GraphQL errors are matched by message only.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		return true
	}
	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		return true
	}

	var responseErr *github.ErrorResponse
	if errors.As(err, &responseErr) && responseErr.Response != nil {
		code := responseErr.Response.StatusCode
		if code != http.StatusForbidden && code != http.StatusTooManyRequests {
			return false
		}
		return mentionsRateLimit(responseErr.Message)
	}

	return mentionsRateLimit(err.Error())
}

// IsNotFound reports whether err means the resource is missing or hidden from the caller.
func IsNotFound(err error) bool {
	return StatusOf(err) == EndpointStatusNotFound
}

// IsForbidden reports whether err is a non-rate-limit permission failure.
func IsForbidden(err error) bool {
	return StatusOf(err) == EndpointStatusForbidden
}

// IsRetryable reports whether a caller may reasonably retry after err.
func IsRetryable(err error) bool {
	switch StatusOf(err) {
	case EndpointStatusRateLimited, EndpointStatusUnavailable, EndpointStatusUnknown:
		return true
	default:
		return false
	}
}

func mentionsRateLimit(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "ratelimit")
}

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch {
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return EndpointStatusForbidden
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return EndpointStatusNotFound
	case statusCode == http.StatusConflict:
		return EndpointStatusConflict
	case statusCode == http.StatusTooManyRequests:
		return EndpointStatusRateLimited
	case statusCode >= 200 && statusCode <= 299:
		return EndpointStatusOK
	case statusCode >= 500 && statusCode <= 599:
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}
