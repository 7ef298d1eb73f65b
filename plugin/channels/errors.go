package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorType classifies a provider failure into the retry-aware taxonomy.
type ErrorType string

const (
	ErrorNetwork          ErrorType = "NETWORK"
	ErrorValidation       ErrorType = "VALIDATION"
	ErrorAuthentication   ErrorType = "AUTHENTICATION"
	ErrorPermissionDenied ErrorType = "PERMISSION_DENIED"
	ErrorRateLimit        ErrorType = "RATE_LIMIT"
	ErrorQuotaExceeded    ErrorType = "QUOTA_EXCEEDED"
	ErrorAPI              ErrorType = "API"
	ErrorMessageTooLong   ErrorType = "MESSAGE_TOO_LONG"
	ErrorNotFound         ErrorType = "NOT_FOUND"
	ErrorUnknown          ErrorType = "UNKNOWN"
)

// AdapterError is the structured failure returned by every adapter boundary.
// Errors are data here: provider and network faults never propagate as panics.
type AdapterError struct {
	Type       ErrorType         `json:"type"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	StatusCode int               `json:"statusCode,omitempty"`
	Err        error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether the error should flip credentials to invalid.
func (e *AdapterError) IsAuthFailure() bool {
	return e.Type == ErrorAuthentication || e.Type == ErrorPermissionDenied
}

// NewAdapterError builds an AdapterError with the retryability implied by its type.
func NewAdapterError(t ErrorType, message string) *AdapterError {
	return &AdapterError{Type: t, Message: message, Retryable: typeRetryable(t)}
}

func typeRetryable(t ErrorType) bool {
	switch t {
	case ErrorNetwork, ErrorRateLimit, ErrorAPI:
		return true
	default:
		return false
	}
}

// metaErrorClass maps Meta Graph application error codes embedded in the
// response body to the taxonomy. Codes outside the table fall through to
// status-based classification.
type metaErrorClass struct {
	errType ErrorType
	message string
}

var metaErrorCodes = map[int]metaErrorClass{
	// Token expired / invalidated / malformed.
	190: {ErrorAuthentication, "access token expired or invalidated, re-authenticate the channel"},
	102: {ErrorAuthentication, "API session invalid, re-authenticate the channel"},
	463: {ErrorAuthentication, "access token expired, re-authenticate the channel"},
	467: {ErrorAuthentication, "access token invalid, re-authenticate the channel"},
	// Abuse / throttling blocks.
	4:      {ErrorRateLimit, "application request limit reached"},
	17:     {ErrorRateLimit, "user request limit reached"},
	613:    {ErrorRateLimit, "calls to this API have exceeded the rate limit"},
	368:    {ErrorRateLimit, "temporarily blocked for policy violations"},
	131048: {ErrorRateLimit, "messaging rate limit hit for this phone number"},
	// Quota.
	80007:  {ErrorQuotaExceeded, "messaging quota exceeded"},
	131042: {ErrorQuotaExceeded, "business payment or messaging limit issue"},
	// Policy window: the recipient has not messaged within the last 24 hours.
	10:     {ErrorPermissionDenied, "message blocked: the 24-hour messaging window has closed, the customer must message you first"},
	131047: {ErrorPermissionDenied, "message blocked: more than 24 hours have passed since the customer last replied"},
	551:    {ErrorPermissionDenied, "this person is not available right now"},
	200:    {ErrorPermissionDenied, "missing permission for this operation"},
}

// Classify maps a raw provider failure into the retry-aware error taxonomy.
//
// Decision order: network-level failures first, then HTTP status, then
// platform application error codes, then UNKNOWN. Every classified error
// carries platform and context in Details so the failure can be
// reconstructed without re-reading logs elsewhere.
func Classify(err error, statusCode int, providerCode int, platform Platform, opContext string) *AdapterError {
	details := map[string]string{
		"platform": string(platform),
		"context":  opContext,
	}
	if statusCode != 0 {
		details["status"] = fmt.Sprintf("%d", statusCode)
	}
	if providerCode != 0 {
		details["providerCode"] = fmt.Sprintf("%d", providerCode)
	}

	finish := func(ae *AdapterError) *AdapterError {
		ae.StatusCode = statusCode
		ae.Err = err
		ae.Details = details
		return ae
	}

	// 1. Network-level failures are retryable regardless of anything else.
	if err != nil && isNetworkError(err) {
		return finish(NewAdapterError(ErrorNetwork, "network failure calling provider: "+err.Error()))
	}

	// 2. Provider application codes take precedence over the raw HTTP status
	// for Meta platforms, since Graph wraps auth and policy failures in 400s.
	if providerCode != 0 && (platform.IsMeta() || platform == PlatformWhatsApp) {
		if class, ok := metaErrorCodes[providerCode]; ok {
			return finish(NewAdapterError(class.errType, class.message))
		}
	}

	// 3. HTTP status branch.
	switch {
	case statusCode == 400:
		return finish(NewAdapterError(ErrorValidation, "provider rejected the request as invalid"))
	case statusCode == 401:
		return finish(NewAdapterError(ErrorAuthentication, "provider rejected the credentials"))
	case statusCode == 403:
		return finish(NewAdapterError(ErrorPermissionDenied, "provider denied permission for this operation"))
	case statusCode == 404:
		return finish(NewAdapterError(ErrorNotFound, "provider resource not found"))
	case statusCode == 429:
		return finish(NewAdapterError(ErrorRateLimit, "provider rate limit exceeded"))
	case statusCode >= 500:
		return finish(NewAdapterError(ErrorAPI, fmt.Sprintf("provider API error (status %d)", statusCode)))
	}

	// 4. Anything unmatched is UNKNOWN and not retryable.
	msg := "unclassified provider failure"
	if err != nil {
		msg = "unclassified provider failure: " + err.Error()
	}
	return finish(NewAdapterError(ErrorUnknown, msg))
}

// isNetworkError reports whether err is a transport-level failure
// (timeout, connection refused, DNS) rather than a provider response.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "fetch")
}
