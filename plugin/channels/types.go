// Package channels provides multi-platform messaging channel integration for OmniHub.
// Supported platforms: Instagram, Facebook Messenger, WhatsApp Cloud, TikTok.
package channels

import "time"

// Platform represents a supported messaging platform.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformMessenger Platform = "messenger"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTikTok    Platform = "tiktok"
	PlatformMock      Platform = "mock"
)

// IsValid checks if the platform is valid.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformInstagram, PlatformMessenger, PlatformWhatsApp, PlatformTikTok, PlatformMock:
		return true
	default:
		return false
	}
}

// IsMeta reports whether the platform rides on the Meta Graph API.
func (p Platform) IsMeta() bool {
	return p == PlatformInstagram || p == PlatformMessenger
}

// AttachmentType represents the type of a message attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a media item carried by a message.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url"`
	MimeType string         `json:"mimeType,omitempty"`
	Filename string         `json:"filename,omitempty"`
}

// MessageDTO is the canonical inbound message produced from any platform webhook.
type MessageDTO struct {
	ExternalID       string       `json:"externalId"`
	Body             string       `json:"body"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	SentAt           time.Time    `json:"sentAt"`
	SenderHandle     string       `json:"senderHandle"`
	SenderName       string       `json:"senderName,omitempty"`
	ThreadExternalID string       `json:"threadExternalId"`
}

// SendMessageDTO is an outbound send request.
type SendMessageDTO struct {
	ThreadExternalID string       `json:"threadExternalId"`
	Body             string       `json:"body"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// SendResult is the successful outcome of an outbound send.
type SendResult struct {
	ExternalID string `json:"externalId"`
}

// ThreadDTO describes an existing conversation on the platform.
type ThreadDTO struct {
	ExternalID    string    `json:"externalId"`
	Participant   string    `json:"participant"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// ValidationResult is the outcome of a credential validation call.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Message length limits per platform, enforced before any network call.
const (
	MetaMaxMessageLength     = 2000
	WhatsAppMaxMessageLength = 4096
	TikTokMaxMessageLength   = 6000
)

// MaxMessageLength returns the documented outbound text limit for the platform.
func (p Platform) MaxMessageLength() int {
	switch p {
	case PlatformInstagram, PlatformMessenger:
		return MetaMaxMessageLength
	case PlatformWhatsApp:
		return WhatsAppMaxMessageLength
	case PlatformTikTok:
		return TikTokMaxMessageLength
	default:
		return MetaMaxMessageLength
	}
}
