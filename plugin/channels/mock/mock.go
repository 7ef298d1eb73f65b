// Package mock provides an in-memory channel adapter for development
// and tests. It accepts any credentials and records every send.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/omnihub/omnihub/plugin/channels"
)

// Adapter implements channels.Adapter without any network I/O.
type Adapter struct {
	mu    sync.Mutex
	sends []RecordedSend

	// FailSendWith, when set, makes every SendMessage return this error.
	FailSendWith *channels.AdapterError
}

// RecordedSend captures one SendMessage call.
type RecordedSend struct {
	ChannelID  string
	Message    channels.SendMessageDTO
	ExternalID string
	SentAt     time.Time
}

// NewAdapter creates the mock adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Platform() channels.Platform {
	return channels.PlatformMock
}

func (a *Adapter) SubscribeWebhooks(_ context.Context, _ string, _ *channels.Credentials) *channels.AdapterError {
	return nil
}

// IngestWebhook accepts payloads that already look like the canonical
// message, which lets tests drive ingestion end to end.
func (a *Adapter) IngestWebhook(_ context.Context, payload []byte, _ string) (*channels.MessageDTO, error) {
	var msg channels.MessageDTO
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil
	}
	if msg.SenderHandle == "" || (msg.Body == "" && len(msg.Attachments) == 0) {
		return nil, nil
	}
	if msg.ExternalID == "" {
		msg.ExternalID = "mock_" + shortuuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if msg.ThreadExternalID == "" {
		msg.ThreadExternalID = msg.SenderHandle
	}
	return &msg, nil
}

func (a *Adapter) SendMessage(_ context.Context, channelID string, msg *channels.SendMessageDTO, creds *channels.Credentials) (*channels.SendResult, *channels.AdapterError) {
	if creds == nil || creds.Mock == nil {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "mock credentials are required")
	}
	if a.FailSendWith != nil {
		return nil, a.FailSendWith
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "message body or attachment is required")
	}

	externalID := "mock_" + shortuuid.New()
	a.mu.Lock()
	a.sends = append(a.sends, RecordedSend{
		ChannelID:  channelID,
		Message:    *msg,
		ExternalID: externalID,
		SentAt:     time.Now(),
	})
	a.mu.Unlock()
	return &channels.SendResult{ExternalID: externalID}, nil
}

func (a *Adapter) ListThreads(_ context.Context, _ string, _ *channels.Credentials) ([]channels.ThreadDTO, *channels.AdapterError) {
	return []channels.ThreadDTO{}, nil
}

func (a *Adapter) VerifyWebhook(rawBody []byte, signatureHeader, secret string) bool {
	return channels.VerifySignature(rawBody, signatureHeader, secret)
}

// ValidateCredentials always succeeds; the mock platform has no
// upstream to check against.
func (a *Adapter) ValidateCredentials(_ context.Context, _ *channels.Credentials) *channels.ValidationResult {
	return &channels.ValidationResult{Valid: true}
}

// Sends returns a copy of all recorded sends.
func (a *Adapter) Sends() []RecordedSend {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RecordedSend, len(a.sends))
	copy(out, a.sends)
	return out
}

var _ channels.Adapter = (*Adapter)(nil)
