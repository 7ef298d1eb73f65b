package meta

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/omnihub/omnihub/plugin/channels"
)

// Webhook envelope as delivered by Meta for Instagram and Messenger
// messaging events. Fields the product does not process are modeled only
// far enough to recognize and skip them.
type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    *messagingParty  `json:"sender"`
	Recipient *messagingParty  `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *incomingMessage `json:"message"`
	// Event sub-types the product ignores. Their presence without a
	// message means the webhook is acknowledged and dropped.
	Read     json.RawMessage `json:"read,omitempty"`
	Delivery json.RawMessage `json:"delivery,omitempty"`
	Reaction json.RawMessage `json:"reaction,omitempty"`
	Postback json.RawMessage `json:"postback,omitempty"`
}

type messagingParty struct {
	ID string `json:"id"`
}

type incomingMessage struct {
	MID         string               `json:"mid"`
	Text        string               `json:"text"`
	IsEcho      bool                 `json:"is_echo,omitempty"`
	Attachments []incomingAttachment `json:"attachments,omitempty"`
	// Edits arrive as a message with this field set; the product does
	// not track message history, so they are dropped.
	EditedMID string `json:"edited_mid,omitempty"`
}

type incomingAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// parseWebhook normalizes a Meta messaging webhook into the canonical
// message. Returns nil for event types the product does not process and
// for any malformed payload: a bad third-party webhook never errors.
func parseWebhook(payload []byte, platform channels.Platform) *channels.MessageDTO {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("meta: failed to parse webhook payload", "platform", platform, "error", err)
		return nil
	}
	if len(env.Entry) == 0 || len(env.Entry[0].Messaging) == 0 {
		return nil
	}

	event := env.Entry[0].Messaging[0]
	// Read receipts, delivery receipts, reactions, postbacks: accepted
	// upstream with a 200 and ignored here.
	if event.Message == nil {
		return nil
	}
	if event.Message.IsEcho || event.Message.EditedMID != "" {
		return nil
	}
	if event.Sender == nil || event.Sender.ID == "" {
		return nil
	}
	if event.Message.Text == "" && len(event.Message.Attachments) == 0 {
		return nil
	}

	msg := &channels.MessageDTO{
		ExternalID:       event.Message.MID,
		Body:             event.Message.Text,
		SenderHandle:     event.Sender.ID,
		ThreadExternalID: event.Sender.ID,
		SentAt:           time.UnixMilli(event.Timestamp),
	}
	if event.Timestamp == 0 {
		msg.SentAt = time.Now()
	}

	for _, att := range event.Message.Attachments {
		if att.Payload.URL == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, channels.Attachment{
			Type: attachmentType(att.Type),
			URL:  att.Payload.URL,
		})
	}

	return msg
}

func attachmentType(t string) channels.AttachmentType {
	switch t {
	case "image":
		return channels.AttachmentImage
	case "video":
		return channels.AttachmentVideo
	case "audio":
		return channels.AttachmentAudio
	default:
		return channels.AttachmentFile
	}
}
