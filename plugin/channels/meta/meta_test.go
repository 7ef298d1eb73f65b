package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/plugin/channels"
)

func testCreds() *channels.Credentials {
	return &channels.Credentials{
		Platform: channels.PlatformMessenger,
		Meta: &channels.MetaCredentials{
			PageAccessToken: "page-token",
			PageID:          "page-1",
		},
	}
}

func TestSendMessageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/page-1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recipient_id":"user-9","message_id":"m_sent"}`))
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: "hi"}, testCreds())
	require.Nil(t, ae)
	assert.Equal(t, "m_sent", result.ExternalID)
}

func TestSendMessageSynthesizesMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"recipient_id":"user-9"}`))
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: "hi"}, testCreds())
	require.Nil(t, ae)
	assert.True(t, strings.HasPrefix(result.ExternalID, "m_"))
}

func TestSendMessage24HourWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"(#10) This message is sent outside of allowed window","type":"OAuthException","code":10}}`))
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: "hi"}, testCreds())
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorPermissionDenied, ae.Type)
	assert.Contains(t, ae.Message, "24-hour")
	assert.False(t, ae.Retryable)
}

func TestSendMessageExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: "hi"}, testCreds())
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorAuthentication, ae.Type)
	assert.True(t, ae.IsAuthFailure())
}

func TestSendMessageTooLongNoNetworkCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("over-limit message must not reach the network")
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: strings.Repeat("a", 2001)}, testCreds())
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorMessageTooLong, ae.Type)
}

func TestSendMessageMultibyteBodyCountedInRunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"recipient_id":"user-9","message_id":"m_sent"}`))
	}))
	defer srv.Close()

	// 1,500 three-byte runes: 4,500 bytes but well under the 2,000
	// character limit.
	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: strings.Repeat("語", 1500)}, testCreds())
	require.Nil(t, ae)
	assert.Equal(t, "m_sent", result.ExternalID)
}

func TestSendMessageMissingCredsNoNetworkCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("request without credentials must not reach the network")
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "user-9", Body: "hi"},
		&channels.Credentials{Platform: channels.PlatformMessenger})
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorValidation, ae.Type)
}

func TestValidateCredentialsInstagram(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("fields"), "instagram_business_account")
		_, _ = w.Write([]byte(`{"id":"page-1","name":"Shop","instagram_business_account":{"id":"ig-77"}}`))
	}))
	defer srv.Close()

	a := NewInstagramAdapter(nil, nil, WithBaseURL(srv.URL))
	creds := testCreds()
	creds.Platform = channels.PlatformInstagram
	result := a.ValidateCredentials(context.Background(), creds)
	require.True(t, result.Valid, result.Error)
	assert.Equal(t, "ig-77", result.Details["instagramBusinessAccountId"])
}

func TestValidateCredentialsInstagramMissingLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"page-1","name":"Shop"}`))
	}))
	defer srv.Close()

	a := NewInstagramAdapter(nil, nil, WithBaseURL(srv.URL))
	creds := testCreds()
	creds.Platform = channels.PlatformInstagram
	result := a.ValidateCredentials(context.Background(), creds)
	require.False(t, result.Valid)
	assert.Contains(t, result.Error, "Instagram Business Account")
}

func TestValidateCredentialsSwappedIDHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Object with ID 'ig-77' does not exist: this is an Instagram account id","type":"GraphMethodException","code":100}}`))
	}))
	defer srv.Close()

	a := NewInstagramAdapter(nil, nil, WithBaseURL(srv.URL))
	creds := testCreds()
	creds.Platform = channels.PlatformInstagram
	result := a.ValidateCredentials(context.Background(), creds)
	require.False(t, result.Valid)
	assert.Contains(t, result.Error, "not a Facebook Page ID")
}

func TestValidateCredentialsMissingFieldsNoNetworkCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("field-missing validation must not reach the network")
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	result := a.ValidateCredentials(context.Background(), &channels.Credentials{
		Platform: channels.PlatformMessenger,
		Meta:     &channels.MetaCredentials{PageID: "page-1"},
	})
	require.False(t, result.Valid)
	assert.Contains(t, result.Error, "pageAccessToken")
}

func TestListThreads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/page-1/conversations", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"t_1","updated_time":"2026-08-30T10:00:00+0000",
			"participants":{"data":[{"id":"page-1","name":"Shop"},{"id":"user-9","name":"Customer"}]}}]}`))
	}))
	defer srv.Close()

	a := NewMessengerAdapter(nil, nil, WithBaseURL(srv.URL))
	threads, ae := a.ListThreads(context.Background(), "ch1", testCreds())
	require.Nil(t, ae)
	require.Len(t, threads, 1)
	assert.Equal(t, "t_1", threads[0].ExternalID)
	assert.Equal(t, "user-9", threads[0].Participant)
}
