package channels

import (
	"context"
	"sync"
)

// Adapter is the uniform contract every platform integration implements.
//
// All methods treat provider input as hostile: malformed webhooks return
// nil messages, provider failures come back as *AdapterError values, and
// nothing at this boundary panics on third-party data.
type Adapter interface {
	// Platform returns the platform this adapter serves.
	Platform() Platform

	// SubscribeWebhooks registers the product's webhook endpoint with the
	// platform for the given channel.
	SubscribeWebhooks(ctx context.Context, channelID string, creds *Credentials) *AdapterError

	// IngestWebhook parses a platform webhook payload into the canonical
	// message. Event types the product does not process (read receipts,
	// reactions, edits) and malformed payloads yield (nil, nil): a bad
	// third-party webhook must never crash ingestion.
	IngestWebhook(ctx context.Context, payload []byte, channelID string) (*MessageDTO, error)

	// SendMessage delivers an outbound message. Credential presence and
	// message length are validated before any billed network call.
	SendMessage(ctx context.Context, channelID string, msg *SendMessageDTO, creds *Credentials) (*SendResult, *AdapterError)

	// ListThreads enumerates existing conversations where the platform
	// supports it; platforms without such an endpoint return an empty,
	// successful list.
	ListThreads(ctx context.Context, channelID string, creds *Credentials) ([]ThreadDTO, *AdapterError)

	// VerifyWebhook checks the HMAC-SHA256 signature over the exact raw
	// request bytes in constant time. An empty secret degrades to allow
	// (development mode) but is logged loudly by implementations.
	VerifyWebhook(rawBody []byte, signatureHeader, secret string) bool

	// ValidateCredentials makes a minimal read-only API call to confirm
	// the supplied configuration actually authenticates. Field-missing
	// failures are reported without any network call.
	ValidateCredentials(ctx context.Context, creds *Credentials) *ValidationResult
}

// CredentialSource resolves a channel's decrypted credentials. The
// credential store implements it; adapters use it only for media-URL
// resolution during ingestion.
type CredentialSource interface {
	DecryptedCredentials(ctx context.Context, channelID string) (*Credentials, error)
}

// MediaMapper resolves short-lived provider media references into
// durable URLs.
type MediaMapper interface {
	MapAttachments(ctx context.Context, attachments []Attachment, platform Platform, creds *Credentials) ([]Attachment, error)
}

// Registry resolves a platform to its adapter instance.
// Concurrent-safe for Register and Get.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Platform]Adapter)}
}

// Register registers an adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Platform()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform Platform) (Adapter, error) {
	if !platform.IsValid() {
		return nil, ErrUnknownPlatform
	}
	r.mu.RLock()
	a := r.adapters[platform]
	r.mu.RUnlock()
	if a == nil {
		return nil, ErrNoAdapterForPlatform
	}
	return a, nil
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

var (
	ErrUnknownPlatform      = NewAdapterError(ErrorValidation, "unknown platform")
	ErrNoAdapterForPlatform = NewAdapterError(ErrorValidation, "no adapter registered for platform")
)
