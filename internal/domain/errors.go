package domain

import (
	"errors"
	"fmt"
	"time"
)

// FailureClass categorizes a failure so callers branch on the category rather
// than on error message text. Retry eligibility, fallback eligibility, and
// user-facing messaging all key off this.
type FailureClass string

const (
	// ClassUnavailable covers network failures and unhandled non-2xx statuses.
	// Triggers fallback to the next provider, never retry-with-backoff.
	ClassUnavailable FailureClass = "provider_unavailable"

	// ClassRateLimited is HTTP 429. Triggers two-tier fallback, never a
	// same-provider retry.
	ClassRateLimited FailureClass = "rate_limited"

	// ClassQuota is HTTP 402 (credits exhausted). Same handling as 429.
	ClassQuota FailureClass = "quota_exceeded"

	// ClassMalformed is a 2xx response whose content is empty or below the
	// minimum length. Treated like ClassUnavailable for orchestration.
	ClassMalformed FailureClass = "malformed_response"

	// ClassExtraction is a JSON-parse or schema-validation failure on
	// otherwise-successful content. The only class eligible for backoff-retry.
	ClassExtraction FailureClass = "extraction_error"

	// ClassCircuitOpen means admission was denied. Fatal for the call.
	ClassCircuitOpen FailureClass = "circuit_open"

	// ClassCache is any cache read/write failure. Always non-fatal to the
	// primary operation.
	ClassCache FailureClass = "cache_error"

	// ClassFatal is everything else: request-shape problems, auth failures.
	ClassFatal FailureClass = "fatal"
)

// Classified is implemented by every typed error in the taxonomy.
type Classified interface {
	error
	Class() FailureClass
}

// ProviderError is a failed call to an upstream provider, carrying the HTTP
// status when one was received. StatusCode 0 means a network-level failure.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Detail     string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Class maps the HTTP status onto the failure taxonomy. 429 and 402 are
// semantically significant and must be distinguished from other statuses.
func (e *ProviderError) Class() FailureClass {
	switch e.StatusCode {
	case 429:
		return ClassRateLimited
	case 402:
		return ClassQuota
	default:
		return ClassUnavailable
	}
}

// NewStatusError builds a ProviderError from an HTTP status and body excerpt.
func NewStatusError(provider Provider, status int, body string) *ProviderError {
	return &ProviderError{Provider: provider, StatusCode: status, Detail: truncate(body, 240)}
}

// NewTransportError builds a ProviderError for a network-level failure.
func NewTransportError(provider Provider, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Cause: cause}
}

// MalformedError is a 2xx provider response with empty or under-threshold content.
type MalformedError struct {
	Provider Provider
	Length   int
	Minimum  int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("provider %s returned %d bytes of content, below minimum %d", e.Provider, e.Length, e.Minimum)
}

func (e *MalformedError) Class() FailureClass { return ClassMalformed }

// ExtractionError is a JSON-parse or schema-validation failure. Step names the
// stage that failed; Preview is a bounded excerpt of the offending text.
type ExtractionError struct {
	Step    string
	Preview string
	Cause   error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction failed at %s: %v (text: %q)", e.Step, e.Cause, e.Preview)
	}
	return fmt.Sprintf("extraction failed at %s (text: %q)", e.Step, e.Preview)
}

func (e *ExtractionError) Unwrap() error       { return e.Cause }
func (e *ExtractionError) Class() FailureClass { return ClassExtraction }

// NewExtractionError builds an ExtractionError with a bounded preview.
func NewExtractionError(step string, cause error, text string) *ExtractionError {
	return &ExtractionError{Step: step, Cause: cause, Preview: truncate(text, 240)}
}

// CircuitOpenError is returned when the breaker denies admission. RetryAfter
// is the caller-facing wait hint.
type CircuitOpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s; try again in %s", e.Operation, e.RetryAfter.Round(time.Second))
}

func (e *CircuitOpenError) Class() FailureClass { return ClassCircuitOpen }

// CacheError wraps a cache read/write failure. Callers log it and proceed as
// if the cache missed.
type CacheError struct {
	Op    string
	Cause error
}

func (e *CacheError) Error() string       { return fmt.Sprintf("cache %s: %v", e.Op, e.Cause) }
func (e *CacheError) Unwrap() error       { return e.Cause }
func (e *CacheError) Class() FailureClass { return ClassCache }

// ExhaustedError is the terminal error of an orchestration pass: every
// eligible provider was attempted and none succeeded.
type ExhaustedError struct {
	Attempted []Provider
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d providers exhausted (attempted: %v): %v", len(e.Attempted), e.Attempted, e.Last)
}

func (e *ExhaustedError) Unwrap() error       { return e.Last }
func (e *ExhaustedError) Class() FailureClass { return ClassUnavailable }

// RetriesExhaustedError wraps the last failure after the retry budget is spent.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// ClassOf walks the error chain for the innermost classified error.
// Unclassified errors are fatal.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return ClassFatal
}

// Retryable reports whether a failure may be resolved by repeating the same
// call. Only extraction failures qualify: a repeated call to the same provider
// may yield a parseable result, while rate limits, quota exhaustion, and open
// circuits will not be resolved by immediate repetition.
func Retryable(err error) bool {
	return ClassOf(err) == ClassExtraction
}

// UserMessage converts a terminal error into an actionable caller-facing
// message, never a raw stack trace or provider-internal text.
func UserMessage(err error) string {
	switch ClassOf(err) {
	case ClassRateLimited:
		return "The service is receiving too many requests. Please try again shortly."
	case ClassQuota:
		return "The provider quota is exhausted. Please try again later or contact support."
	case ClassCircuitOpen:
		var coe *CircuitOpenError
		if errors.As(err, &coe) {
			return fmt.Sprintf("The service is recovering from repeated failures. Please try again in %s.", coe.RetryAfter.Round(time.Second))
		}
		return "The service is recovering from repeated failures. Please try again shortly."
	case ClassExtraction, ClassMalformed:
		return "The document could not be processed. Please try again or use a clearer copy."
	default:
		return "The request could not be completed. Please try again shortly."
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
