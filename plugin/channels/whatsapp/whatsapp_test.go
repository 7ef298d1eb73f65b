package whatsapp

import (
	"context"
	"encoding/json"
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
		Platform: channels.PlatformWhatsApp,
		WhatsApp: &channels.WhatsAppCredentials{
			AccessToken:       "wa-token",
			PhoneNumberID:     "555000",
			BusinessAccountID: "666000",
		},
	}
}

func webhookPayload(inner string) []byte {
	return []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"changes": [{
				"field": "messages",
				"value": ` + inner + `
			}]
		}]
	}`)
}

func TestIngestWebhookText(t *testing.T) {
	payload := webhookPayload(`{
		"contacts": [{"wa_id": "15551234", "profile": {"name": "Sam"}}],
		"messages": [{
			"id": "wamid.abc",
			"from": "15551234",
			"timestamp": "1700000000",
			"type": "text",
			"text": {"body": "order status please"}
		}]
	}`)

	a := NewAdapter(nil, nil)
	msg, err := a.IngestWebhook(context.Background(), payload, "ch1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "wamid.abc", msg.ExternalID)
	assert.Equal(t, "order status please", msg.Body)
	assert.Equal(t, "15551234", msg.SenderHandle)
	assert.Equal(t, "15551234", msg.ThreadExternalID)
	assert.Equal(t, "Sam", msg.SenderName)
	assert.Equal(t, int64(1700000000), msg.SentAt.Unix())
}

func TestIngestWebhookImage(t *testing.T) {
	payload := webhookPayload(`{
		"messages": [{
			"id": "wamid.img",
			"from": "15551234",
			"timestamp": "1700000000",
			"type": "image",
			"image": {"id": "media-1", "mime_type": "image/jpeg", "caption": "receipt"}
		}]
	}`)

	a := NewAdapter(nil, nil)
	msg, err := a.IngestWebhook(context.Background(), payload, "ch1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "receipt", msg.Body)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, channels.AttachmentImage, msg.Attachments[0].Type)
	assert.Contains(t, msg.Attachments[0].URL, "media-1")
}

func TestIngestWebhookIgnored(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"status callback only", webhookPayload(`{"statuses": [{"id": "wamid.x", "status": "delivered"}]}`)},
		{"unsupported type", webhookPayload(`{"messages": [{"id": "m", "from": "1", "type": "sticker"}]}`)},
		{"wrong object", []byte(`{"object": "page", "entry": []}`)},
		{"malformed", []byte(`{"entry":[`)},
	}
	a := NewAdapter(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := a.IngestWebhook(context.Background(), tt.payload, "ch1")
			assert.NoError(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestSendMessageText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/555000/messages", r.URL.Path)
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body["messaging_product"])
		assert.Equal(t, "15551234", body["to"])

		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "15551234", Body: "on its way"}, testCreds())
	require.Nil(t, ae)
	assert.Equal(t, "wamid.out", result.ExternalID)
}

func TestSendMessageMultibyteBodyCountedInRunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	// 3,000 three-byte runes: 9,000 bytes but under the 4,096 character
	// limit.
	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "15551234", Body: strings.Repeat("語", 3000)}, testCreds())
	require.Nil(t, ae)
	assert.Equal(t, "wamid.out", result.ExternalID)
}

func TestSendMessageTooLongNoNetworkCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("over-limit message must not reach the network")
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "15551234", Body: strings.Repeat("a", 4097)}, testCreds())
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorMessageTooLong, ae.Type)
	assert.Contains(t, ae.Message, "4096")
}

func TestSendMessageAtLimitAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "15551234", Body: strings.Repeat("a", 4096)}, testCreds())
	assert.Nil(t, ae)
}

func TestSendMessageRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit hit","type":"OAuthException","code":131048}}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	_, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "15551234", Body: "hi"}, testCreds())
	require.NotNil(t, ae)
	assert.Equal(t, channels.ErrorRateLimit, ae.Type)
	assert.True(t, ae.Retryable)
}

func TestListThreadsEmptySuccess(t *testing.T) {
	a := NewAdapter(nil, nil)
	threads, ae := a.ListThreads(context.Background(), "ch1", testCreds())
	require.Nil(t, ae)
	assert.NotNil(t, threads)
	assert.Empty(t, threads)
}

func TestValidateCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/555000", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"555000","display_phone_number":"+1 555 0100","verified_name":"Acme Support"}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	result := a.ValidateCredentials(context.Background(), testCreds())
	require.True(t, result.Valid, result.Error)
	assert.Equal(t, "Acme Support", result.Details["verifiedName"])
}

func TestValidateCredentialsMissingFieldNoNetworkCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("field-missing validation must not reach the network")
	}))
	defer srv.Close()

	a := NewAdapter(nil, nil, WithBaseURL(srv.URL))
	creds := testCreds()
	creds.WhatsApp.BusinessAccountID = ""
	result := a.ValidateCredentials(context.Background(), creds)
	require.False(t, result.Valid)
	assert.Contains(t, result.Error, "businessAccountId")
}
