package channels

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantType   ErrorType
		retryable  bool
	}{
		{"bad request", 400, ErrorValidation, false},
		{"unauthorized", 401, ErrorAuthentication, false},
		{"forbidden", 403, ErrorPermissionDenied, false},
		{"not found", 404, ErrorNotFound, false},
		{"rate limited", 429, ErrorRateLimit, true},
		{"server error", 503, ErrorAPI, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := Classify(nil, tt.statusCode, 0, PlatformMessenger, "sendMessage")
			assert.Equal(t, tt.wantType, ae.Type)
			assert.Equal(t, tt.retryable, ae.Retryable)
			assert.Equal(t, tt.statusCode, ae.StatusCode)
		})
	}
}

func TestClassifyNetworkError(t *testing.T) {
	urlErr := &url.Error{Op: "Post", URL: "https://graph.facebook.com", Err: context.DeadlineExceeded}
	ae := Classify(urlErr, 0, 0, PlatformInstagram, "sendMessage")
	require.Equal(t, ErrorNetwork, ae.Type)
	assert.True(t, ae.Retryable)

	ae = Classify(context.DeadlineExceeded, 0, 0, PlatformWhatsApp, "validateCredentials")
	assert.Equal(t, ErrorNetwork, ae.Type)
}

func TestClassifyNetworkBeatsStatus(t *testing.T) {
	// A transport failure with a stale status code still classifies as network.
	urlErr := &url.Error{Op: "Post", URL: "x", Err: context.Canceled}
	ae := Classify(urlErr, 400, 0, PlatformMessenger, "sendMessage")
	assert.Equal(t, ErrorNetwork, ae.Type)
}

func TestClassifyMetaProviderCodes(t *testing.T) {
	tests := []struct {
		code     int
		wantType ErrorType
	}{
		{190, ErrorAuthentication},
		{463, ErrorAuthentication},
		{4, ErrorRateLimit},
		{613, ErrorRateLimit},
		{80007, ErrorQuotaExceeded},
		{10, ErrorPermissionDenied},
		{131047, ErrorPermissionDenied},
		{200, ErrorPermissionDenied},
	}
	for _, tt := range tests {
		// Graph wraps these in plain 400s; the body code must win.
		ae := Classify(nil, 400, tt.code, PlatformMessenger, "sendMessage")
		assert.Equal(t, tt.wantType, ae.Type, "code %d", tt.code)
	}
}

func TestClassifyCode10MessagingWindow(t *testing.T) {
	ae := Classify(nil, 400, 10, PlatformMessenger, "sendMessage")
	require.Equal(t, ErrorPermissionDenied, ae.Type)
	assert.Contains(t, ae.Message, "24-hour")
	assert.False(t, ae.Retryable)
	assert.True(t, ae.IsAuthFailure())
}

func TestClassifyProviderCodeIgnoredForTikTok(t *testing.T) {
	// The Meta code table must not leak into non-Meta platforms.
	ae := Classify(nil, 400, 190, PlatformTikTok, "sendMessage")
	assert.Equal(t, ErrorValidation, ae.Type)
}

func TestClassifyUnknownCodeFallsThroughToStatus(t *testing.T) {
	ae := Classify(nil, 401, 999999, PlatformMessenger, "sendMessage")
	assert.Equal(t, ErrorAuthentication, ae.Type)
}

func TestClassifyUnknown(t *testing.T) {
	ae := Classify(nil, 0, 0, PlatformMessenger, "sendMessage")
	assert.Equal(t, ErrorUnknown, ae.Type)
	assert.False(t, ae.Retryable)
}

func TestClassifyDetails(t *testing.T) {
	ae := Classify(nil, 429, 0, PlatformWhatsApp, "sendMessage")
	assert.Equal(t, "whatsapp", ae.Details["platform"])
	assert.Equal(t, "sendMessage", ae.Details["context"])
	assert.Equal(t, "429", ae.Details["status"])
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify(nil, 429, 0, PlatformInstagram, "sendMessage")
	b := Classify(nil, 429, 0, PlatformInstagram, "sendMessage")
	assert.Equal(t, a.Type, b.Type)
	assert.Equal(t, a.Retryable, b.Retryable)
	assert.Equal(t, a.Message, b.Message)
}

func TestAdapterErrorRetryabilityByType(t *testing.T) {
	assert.True(t, NewAdapterError(ErrorNetwork, "x").Retryable)
	assert.True(t, NewAdapterError(ErrorRateLimit, "x").Retryable)
	assert.True(t, NewAdapterError(ErrorAPI, "x").Retryable)
	assert.False(t, NewAdapterError(ErrorValidation, "x").Retryable)
	assert.False(t, NewAdapterError(ErrorAuthentication, "x").Retryable)
	assert.False(t, NewAdapterError(ErrorMessageTooLong, "x").Retryable)
	assert.False(t, NewAdapterError(ErrorUnknown, "x").Retryable)
}
