// Package tiktok implements the TikTok business messaging channel adapter.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/omnihub/omnihub/plugin/channels"
)

const (
	// DefaultBaseURL is the TikTok open API endpoint.
	DefaultBaseURL = "https://open.tiktokapis.com/v2"

	sendTimeout     = 30 * time.Second
	validateTimeout = 8 * time.Second
)

// Adapter implements channels.Adapter for TikTok business messaging.
type Adapter struct {
	baseURL string
	client  *http.Client
	creds   channels.CredentialSource
	media   channels.MediaMapper
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint for tests.
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) { a.baseURL = baseURL }
}

// NewAdapter creates the TikTok adapter.
func NewAdapter(creds channels.CredentialSource, media channels.MediaMapper, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: sendTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		creds: creds,
		media: media,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Platform() channels.Platform {
	return channels.PlatformTikTok
}

// SubscribeWebhooks is a no-op for TikTok: webhook subscriptions are
// configured once per app in the developer portal, not per channel.
func (a *Adapter) SubscribeWebhooks(_ context.Context, channelID string, creds *channels.Credentials) *channels.AdapterError {
	if ae := a.require(creds); ae != nil {
		return ae
	}
	slog.Info("tiktok webhooks are app-level, nothing to subscribe", "channel_id", channelID)
	return nil
}

// webhookEvent is the TikTok webhook body for direct messages.
type webhookEvent struct {
	Event   string `json:"event"`
	Content struct {
		MessageID      string `json:"message_id"`
		Text           string `json:"text"`
		SenderID       string `json:"sender_id"`
		SenderNickname string `json:"sender_nickname,omitempty"`
		ConversationID string `json:"conversation_id"`
		CreateTime     int64  `json:"create_time"`
	} `json:"content"`
}

// IngestWebhook normalizes a TikTok direct-message webhook. Non-message
// events and malformed payloads return nil.
func (a *Adapter) IngestWebhook(_ context.Context, payload []byte, _ string) (*channels.MessageDTO, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("tiktok: failed to parse webhook payload", "error", err)
		return nil, nil
	}
	if event.Event != "direct_message" {
		return nil, nil
	}
	c := event.Content
	if c.SenderID == "" || c.Text == "" {
		return nil, nil
	}

	msg := &channels.MessageDTO{
		ExternalID:       c.MessageID,
		Body:             c.Text,
		SenderHandle:     c.SenderID,
		SenderName:       c.SenderNickname,
		ThreadExternalID: c.ConversationID,
		SentAt:           time.Unix(c.CreateTime, 0),
	}
	if c.CreateTime == 0 {
		msg.SentAt = time.Now()
	}
	if msg.ThreadExternalID == "" {
		msg.ThreadExternalID = c.SenderID
	}
	return msg, nil
}

// SendMessage delivers a text message into a TikTok conversation.
// TikTok messaging is text-only; attachments are rejected up front.
func (a *Adapter) SendMessage(ctx context.Context, _ string, msg *channels.SendMessageDTO, creds *channels.Credentials) (*channels.SendResult, *channels.AdapterError) {
	if ae := a.require(creds); ae != nil {
		return nil, ae
	}
	if msg.ThreadExternalID == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "threadExternalId is required")
	}
	if msg.Body == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "message body is required")
	}
	if len(msg.Attachments) > 0 {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "tiktok messaging does not support attachments")
	}
	if utf8.RuneCountInString(msg.Body) > channels.TikTokMaxMessageLength {
		return nil, channels.NewAdapterError(channels.ErrorMessageTooLong,
			fmt.Sprintf("message exceeds the %d character limit", channels.TikTokMaxMessageLength))
	}

	body := map[string]any{
		"conversation_id": msg.ThreadExternalID,
		"text":            msg.Body,
	}
	resp, apiErr, err := a.post(ctx, "/business/message/send/", body, creds.TikTok.AccessToken)
	if err != nil {
		return nil, channels.Classify(err, 0, 0, channels.PlatformTikTok, "sendMessage")
	}
	if resp.StatusCode >= 400 || apiErr != nil {
		return nil, classifyAPIError(resp.StatusCode, apiErr, "sendMessage")
	}

	var result struct {
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(resp.Body, &result)
	externalID := result.Data.MessageID
	if externalID == "" {
		externalID = "ttm_" + shortuuid.New()
	}
	return &channels.SendResult{ExternalID: externalID}, nil
}

// ListThreads returns an empty, successful list: TikTok exposes no
// conversation-listing endpoint, threads are discovered via webhooks.
func (a *Adapter) ListThreads(_ context.Context, _ string, _ *channels.Credentials) ([]channels.ThreadDTO, *channels.AdapterError) {
	return []channels.ThreadDTO{}, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature over the raw body.
func (a *Adapter) VerifyWebhook(rawBody []byte, signatureHeader, secret string) bool {
	return channels.VerifySignature(rawBody, signatureHeader, secret)
}

// ValidateCredentials fetches the authenticated user's info to confirm
// the token works. Missing fields fail without any network call.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds *channels.Credentials) *channels.ValidationResult {
	if creds == nil || creds.TikTok == nil {
		return &channels.ValidationResult{Valid: false, Error: "tiktok credentials are required"}
	}
	if creds.TikTok.AccessToken == "" {
		return &channels.ValidationResult{Valid: false, Error: "accessToken is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	u := a.baseURL + "/user/info/?fields=open_id,display_name"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &channels.ValidationResult{Valid: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.TikTok.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return &channels.ValidationResult{Valid: false, Error: "could not reach the TikTok API: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
		Error *apiError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &channels.ValidationResult{Valid: false, Error: "unexpected response from the TikTok API"}
	}
	if resp.StatusCode >= 400 || (parsed.Error != nil && parsed.Error.Code != "ok" && parsed.Error.Code != "") {
		msg := fmt.Sprintf("the TikTok API rejected the credentials (status %d)", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return &channels.ValidationResult{Valid: false, Error: msg}
	}

	return &channels.ValidationResult{
		Valid: true,
		Details: map[string]string{
			"openId":      parsed.Data.User.OpenID,
			"displayName": parsed.Data.User.DisplayName,
		},
	}
}

func (a *Adapter) require(creds *channels.Credentials) *channels.AdapterError {
	if creds == nil || creds.TikTok == nil {
		return channels.NewAdapterError(channels.ErrorValidation, "tiktok credentials are required")
	}
	if creds.TikTok.AccessToken == "" {
		return channels.NewAdapterError(channels.ErrorValidation, "accessToken is required")
	}
	return nil
}

// apiError is TikTok's string-coded error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id,omitempty"`
}

// classifyAPIError maps TikTok's string error codes to the taxonomy
// before falling back to HTTP-status classification. TikTok wraps auth
// and scope failures in 400s, so the body code has to win.
func classifyAPIError(statusCode int, apiErr *apiError, opContext string) *channels.AdapterError {
	if apiErr != nil {
		var t channels.ErrorType
		switch apiErr.Code {
		case "access_token_invalid", "access_token_expired", "token_not_exist":
			t = channels.ErrorAuthentication
		case "rate_limit_exceeded", "too_many_requests":
			t = channels.ErrorRateLimit
		case "scope_not_authorized", "scope_permission_missed":
			t = channels.ErrorPermissionDenied
		}
		if t != "" {
			ae := channels.NewAdapterError(t, apiErr.Message)
			ae.StatusCode = statusCode
			ae.Details = map[string]string{
				"platform":     string(channels.PlatformTikTok),
				"context":      opContext,
				"providerCode": apiErr.Code,
				"logId":        apiErr.LogID,
			}
			return ae
		}
	}
	return channels.Classify(nil, statusCode, 0, channels.PlatformTikTok, opContext)
}

func (a *Adapter) post(ctx context.Context, path string, body any, token string) (*rawResponse, *apiError, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read response body")
	}

	var envelope struct {
		Error *apiError `json:"error,omitempty"`
	}
	var apiErr *apiError
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil &&
		envelope.Error.Code != "" && envelope.Error.Code != "ok" {
		apiErr = envelope.Error
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: raw}, apiErr, nil
}

type rawResponse struct {
	StatusCode int
	Body       []byte
}

var _ channels.Adapter = (*Adapter)(nil)
