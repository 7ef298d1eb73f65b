// Package whatsapp implements the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/omnihub/omnihub/plugin/channels"
)

const (
	// DefaultBaseURL is the Cloud API endpoint; WhatsApp rides on the
	// same Graph host and versioning as the Meta platforms.
	DefaultBaseURL = "https://graph.facebook.com/v18.0"

	sendTimeout     = 30 * time.Second
	validateTimeout = 8 * time.Second
)

// Adapter implements channels.Adapter for WhatsApp Cloud.
type Adapter struct {
	baseURL string
	client  *http.Client
	creds   channels.CredentialSource
	media   channels.MediaMapper
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Cloud API endpoint for tests.
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) { a.baseURL = baseURL }
}

// NewAdapter creates the WhatsApp Cloud adapter.
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
	return channels.PlatformWhatsApp
}

// SubscribeWebhooks subscribes the app to the business account's
// messaging events.
func (a *Adapter) SubscribeWebhooks(ctx context.Context, channelID string, creds *channels.Credentials) *channels.AdapterError {
	if ae := a.require(creds); ae != nil {
		return ae
	}
	path := fmt.Sprintf("/%s/subscribed_apps", creds.WhatsApp.BusinessAccountID)
	resp, gerr, err := a.post(ctx, path, map[string]string{"access_token": creds.WhatsApp.AccessToken})
	if err != nil {
		return channels.Classify(err, 0, 0, channels.PlatformWhatsApp, "subscribeWebhooks")
	}
	if resp.StatusCode >= 400 || gerr != nil {
		return channels.Classify(nil, resp.StatusCode, graphCode(gerr), channels.PlatformWhatsApp, "subscribeWebhooks")
	}
	slog.Info("subscribed whatsapp webhooks", "channel_id", channelID, "waba_id", creds.WhatsApp.BusinessAccountID)
	return nil
}

// Webhook envelope for the Cloud API.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []cloudMessage  `json:"messages"`
				Statuses json.RawMessage `json:"statuses,omitempty"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *cloudMedia `json:"image,omitempty"`
	Video    *cloudMedia `json:"video,omitempty"`
	Audio    *cloudMedia `json:"audio,omitempty"`
	Document *cloudMedia `json:"document,omitempty"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// IngestWebhook normalizes a Cloud API webhook. Status callbacks
// (delivered/read) and unsupported message types return nil.
func (a *Adapter) IngestWebhook(ctx context.Context, payload []byte, channelID string) (*channels.MessageDTO, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("whatsapp: failed to parse webhook payload", "error", err)
		return nil, nil
	}
	if env.Object != "whatsapp_business_account" || len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		return nil, nil
	}

	value := env.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		// Delivery/read status callbacks carry only statuses.
		return nil, nil
	}

	wm := value.Messages[0]
	msg := &channels.MessageDTO{
		ExternalID:       wm.ID,
		SenderHandle:     wm.From,
		ThreadExternalID: wm.From,
		SentAt:           parseUnixSeconds(wm.Timestamp),
	}
	if len(value.Contacts) > 0 {
		msg.SenderName = value.Contacts[0].Profile.Name
	}

	switch wm.Type {
	case "text":
		if wm.Text == nil {
			return nil, nil
		}
		msg.Body = wm.Text.Body
	case "image":
		a.appendMedia(msg, wm.Image, channels.AttachmentImage)
	case "video":
		a.appendMedia(msg, wm.Video, channels.AttachmentVideo)
	case "audio":
		a.appendMedia(msg, wm.Audio, channels.AttachmentAudio)
	case "document":
		a.appendMedia(msg, wm.Document, channels.AttachmentFile)
	default:
		// Reactions, stickers, location and anything newer: acknowledged
		// upstream, dropped here.
		return nil, nil
	}

	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}

	if len(msg.Attachments) > 0 && a.media != nil {
		creds, err := a.creds.DecryptedCredentials(ctx, channelID)
		if err != nil {
			slog.Warn("whatsapp: cannot resolve media without credentials", "channel_id", channelID, "error", err)
		} else {
			if mapped, err := a.media.MapAttachments(ctx, msg.Attachments, channels.PlatformWhatsApp, creds); err == nil {
				msg.Attachments = mapped
			}
		}
	}

	return msg, nil
}

func (a *Adapter) appendMedia(msg *channels.MessageDTO, m *cloudMedia, t channels.AttachmentType) {
	if m == nil {
		return
	}
	msg.Body = m.Caption
	// The Cloud API hands out media IDs, not URLs; the media mapper
	// resolves them through the /{media-id} endpoint.
	msg.Attachments = append(msg.Attachments, channels.Attachment{
		Type:     t,
		URL:      a.baseURL + "/" + m.ID,
		MimeType: m.MimeType,
		Filename: m.Filename,
	})
}

// SendMessage delivers an outbound message through the Cloud API.
// Credential and length checks run before any billed network call.
func (a *Adapter) SendMessage(ctx context.Context, channelID string, msg *channels.SendMessageDTO, creds *channels.Credentials) (*channels.SendResult, *channels.AdapterError) {
	if ae := a.require(creds); ae != nil {
		return nil, ae
	}
	if msg.ThreadExternalID == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "threadExternalId is required")
	}
	if utf8.RuneCountInString(msg.Body) > channels.WhatsAppMaxMessageLength {
		return nil, channels.NewAdapterError(channels.ErrorMessageTooLong,
			fmt.Sprintf("message exceeds the %d character limit", channels.WhatsAppMaxMessageLength))
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "message body or attachment is required")
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.ThreadExternalID,
	}
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		mediaType := cloudMediaType(att.Type)
		payload := map[string]any{"link": att.URL}
		// The body rides along as the attachment caption where the Cloud
		// API allows it (images, videos, documents).
		if msg.Body != "" && mediaType != "audio" {
			payload["caption"] = msg.Body
		}
		body["type"] = mediaType
		body[mediaType] = payload
	} else {
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Body}
	}

	path := fmt.Sprintf("/%s/messages", creds.WhatsApp.PhoneNumberID)
	resp, gerr, err := a.postAuth(ctx, path, body, creds.WhatsApp.AccessToken)
	if err != nil {
		return nil, channels.Classify(err, 0, 0, channels.PlatformWhatsApp, "sendMessage")
	}
	if resp.StatusCode >= 400 || gerr != nil {
		return nil, channels.Classify(nil, resp.StatusCode, graphCode(gerr), channels.PlatformWhatsApp, "sendMessage")
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(resp.Body, &result)
	externalID := ""
	if len(result.Messages) > 0 {
		externalID = result.Messages[0].ID
	}
	if externalID == "" {
		externalID = "wamid_" + shortuuid.New()
	}
	return &channels.SendResult{ExternalID: externalID}, nil
}

// ListThreads returns an empty, successful list: the Cloud API has no
// conversation-listing endpoint, threads are discovered via webhooks.
func (a *Adapter) ListThreads(_ context.Context, _ string, _ *channels.Credentials) ([]channels.ThreadDTO, *channels.AdapterError) {
	return []channels.ThreadDTO{}, nil
}

// VerifyWebhook checks the X-Hub-Signature-256 header over the raw body.
func (a *Adapter) VerifyWebhook(rawBody []byte, signatureHeader, secret string) bool {
	return channels.VerifySignature(rawBody, signatureHeader, secret)
}

// ValidateCredentials fetches the phone number's identity to confirm the
// token authenticates. Field-missing failures return without any
// network call.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds *channels.Credentials) *channels.ValidationResult {
	if creds == nil || creds.WhatsApp == nil {
		return &channels.ValidationResult{Valid: false, Error: "whatsapp credentials are required"}
	}
	if creds.WhatsApp.AccessToken == "" {
		return &channels.ValidationResult{Valid: false, Error: "accessToken is required"}
	}
	if creds.WhatsApp.PhoneNumberID == "" {
		return &channels.ValidationResult{Valid: false, Error: "phoneNumberId is required"}
	}
	if creds.WhatsApp.BusinessAccountID == "" {
		return &channels.ValidationResult{Valid: false, Error: "businessAccountId is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("fields", "id,display_phone_number,verified_name")
	u := fmt.Sprintf("%s/%s?%s", a.baseURL, creds.WhatsApp.PhoneNumberID, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &channels.ValidationResult{Valid: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.WhatsApp.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return &channels.ValidationResult{Valid: false, Error: "could not reach the WhatsApp Cloud API: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if gerr := parseGraphError(raw); gerr != nil || resp.StatusCode >= 400 {
		msg := fmt.Sprintf("the WhatsApp Cloud API rejected the credentials (status %d)", resp.StatusCode)
		details := map[string]string{}
		if gerr != nil {
			msg = gerr.Message
			details["code"] = fmt.Sprintf("%d", gerr.Code)
		}
		return &channels.ValidationResult{Valid: false, Error: msg, Details: details}
	}

	var phone struct {
		ID                 string `json:"id"`
		DisplayPhoneNumber string `json:"display_phone_number"`
		VerifiedName       string `json:"verified_name"`
	}
	if err := json.Unmarshal(raw, &phone); err != nil {
		return &channels.ValidationResult{Valid: false, Error: "unexpected response from the WhatsApp Cloud API"}
	}
	return &channels.ValidationResult{
		Valid: true,
		Details: map[string]string{
			"phoneNumberId": phone.ID,
			"phoneNumber":   phone.DisplayPhoneNumber,
			"verifiedName":  phone.VerifiedName,
		},
	}
}

func (a *Adapter) require(creds *channels.Credentials) *channels.AdapterError {
	if creds == nil || creds.WhatsApp == nil {
		return channels.NewAdapterError(channels.ErrorValidation, "whatsapp credentials are required")
	}
	if creds.WhatsApp.AccessToken == "" {
		return channels.NewAdapterError(channels.ErrorValidation, "accessToken is required")
	}
	if creds.WhatsApp.PhoneNumberID == "" {
		return channels.NewAdapterError(channels.ErrorValidation, "phoneNumberId is required")
	}
	return nil
}

// cloudMediaType maps an attachment type to the Cloud API media key,
// the inverse of the inbound mapping in IngestWebhook.
func cloudMediaType(t channels.AttachmentType) string {
	switch t {
	case channels.AttachmentImage:
		return "image"
	case channels.AttachmentVideo:
		return "video"
	case channels.AttachmentAudio:
		return "audio"
	default:
		return "document"
	}
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func graphCode(g *graphError) int {
	if g == nil {
		return 0
	}
	return g.Code
}

func parseGraphError(body []byte) *graphError {
	var parsed struct {
		Error *graphError `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		return parsed.Error
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, body any) (*rawResponse, *graphError, error) {
	return a.postAuth(ctx, path, body, "")
}

func (a *Adapter) postAuth(ctx context.Context, path string, body any, token string) (*rawResponse, *graphError, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read response body")
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: raw}, parseGraphError(raw), nil
}

type rawResponse struct {
	StatusCode int
	Body       []byte
}

func parseUnixSeconds(s string) time.Time {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil || sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

var _ channels.Adapter = (*Adapter)(nil)
