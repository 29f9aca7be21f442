package pipeline

import (
	"strings"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ClassifyDetectError classifies detection pipeline errors into retryable vs
// fatal categories. Detection touches Postgres and, through the catalog,
// Helix, so both error surfaces appear here.
//
// Fatal errors (non-retryable):
// - Authentication/authorization errors (401/403, invalid client credentials)
// - Missing data (video not found, no such video, empty video id)
// - Invalid input (malformed id, unsupported source)
//
// Retryable errors (transient):
// - Server errors (500, 502, 503, 504)
// - Network errors (connection reset, timeout, DNS failures)
// - Rate limiting (429, too many requests)
// - Postgres contention (deadlock, serialization failure, too many connections)
//
// Unknown errors:
// - Errors that don't match known patterns (treated as retryable for safety)
func ClassifyDetectError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	lower := strings.ToLower(err.Error())

	// Check retryable server errors first (before more generic patterns)
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") {
		return ErrorClassRetryable
	}

	// Fatal errors: authentication and authorization
	if strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "invalid client") ||
		strings.Contains(lower, "authentication required") {
		return ErrorClassFatal
	}

	// Fatal errors: missing data
	// Note: "service unavailable" (503) was already handled above as retryable
	if strings.Contains(lower, "404") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "no such video") ||
		strings.Contains(lower, "deleted") {
		return ErrorClassFatal
	}

	// Fatal errors: invalid input
	invalidInputPatterns := []string{
		"video id empty",
		"invalid video id",
		"malformed",
		"unsupported source",
	}
	for _, pattern := range invalidInputPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	// Retryable errors: network issues
	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
		"tls handshake",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	// Retryable errors: rate limiting
	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	// Retryable errors: Postgres contention
	contentionPatterns := []string{
		"deadlock detected",
		"serialization failure",
		"too many connections",
		"connection bad",
		"the database system is starting up",
	}
	for _, pattern := range contentionPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	// Default: unknown errors are treated as retryable to avoid giving up too early
	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyDetectError(err) == ErrorClassRetryable
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyDetectError(err) == ErrorClassFatal
}
