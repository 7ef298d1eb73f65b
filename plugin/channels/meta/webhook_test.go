package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/plugin/channels"
)

func TestParseWebhookTextMessage(t *testing.T) {
	payload := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"time": 1700000000000,
			"messaging": [{
				"sender": {"id": "user-9"},
				"recipient": {"id": "page-1"},
				"timestamp": 1700000000000,
				"message": {"mid": "m_abc", "text": "hello there"}
			}]
		}]
	}`)

	msg := parseWebhook(payload, channels.PlatformMessenger)
	require.NotNil(t, msg)
	assert.Equal(t, "m_abc", msg.ExternalID)
	assert.Equal(t, "hello there", msg.Body)
	assert.Equal(t, "user-9", msg.SenderHandle)
	assert.Equal(t, "user-9", msg.ThreadExternalID)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.SentAt)
}

func TestParseWebhookAttachments(t *testing.T) {
	payload := []byte(`{
		"entry": [{
			"messaging": [{
				"sender": {"id": "user-9"},
				"timestamp": 1700000000000,
				"message": {
					"mid": "m_att",
					"attachments": [
						{"type": "image", "payload": {"url": "https://cdn.example/img.jpg"}},
						{"type": "fallback", "payload": {"url": "https://cdn.example/doc.pdf"}},
						{"type": "video", "payload": {"url": ""}}
					]
				}
			}]
		}]
	}`)

	msg := parseWebhook(payload, channels.PlatformInstagram)
	require.NotNil(t, msg)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, channels.AttachmentImage, msg.Attachments[0].Type)
	assert.Equal(t, channels.AttachmentFile, msg.Attachments[1].Type)
}

func TestParseWebhookIgnoredEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"read receipt", `{"entry":[{"messaging":[{"sender":{"id":"u"},"read":{"watermark":1}}]}]}`},
		{"delivery receipt", `{"entry":[{"messaging":[{"sender":{"id":"u"},"delivery":{"watermark":1}}]}]}`},
		{"reaction", `{"entry":[{"messaging":[{"sender":{"id":"u"},"reaction":{"emoji":"x"}}]}]}`},
		{"echo of own message", `{"entry":[{"messaging":[{"sender":{"id":"u"},"message":{"mid":"m","text":"hi","is_echo":true}}]}]}`},
		{"message edit", `{"entry":[{"messaging":[{"sender":{"id":"u"},"message":{"mid":"m","text":"hi","edited_mid":"m_old"}}]}]}`},
		{"no sender", `{"entry":[{"messaging":[{"message":{"mid":"m","text":"hi"}}]}]}`},
		{"empty message", `{"entry":[{"messaging":[{"sender":{"id":"u"},"message":{"mid":"m"}}]}]}`},
		{"empty entry", `{"entry":[]}`},
		{"malformed json", `{"entry":[{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, parseWebhook([]byte(tt.payload), channels.PlatformMessenger))
		})
	}
}
