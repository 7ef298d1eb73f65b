package channels

import (
	"time"

	"github.com/pkg/errors"
)

// CredentialStatus is the lifecycle state of a channel's credentials.
//
// Status only moves active -> expired (time-based) or
// (active|expired) -> invalid (explicit authentication failure, terminal
// until a human re-authenticates). A successful refresh moves expired
// back to active.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialInvalid CredentialStatus = "invalid"
)

// CredentialSchemaVersion tags the stored credential structure so future
// shapes can migrate explicitly instead of guessing at free-form JSON.
const CredentialSchemaVersion = "2"

// MetaCredentials authenticate an Instagram or Messenger channel.
type MetaCredentials struct {
	PageAccessToken string   `json:"pageAccessToken"`
	PageID          string   `json:"pageId"`
	AppID           string   `json:"appId,omitempty"`
	Permissions     []string `json:"permissions,omitempty"`
	RefreshToken    string   `json:"refreshToken,omitempty"`
}

// WhatsAppCredentials authenticate a WhatsApp Cloud channel.
type WhatsAppCredentials struct {
	AccessToken        string `json:"accessToken"`
	PhoneNumberID      string `json:"phoneNumberId"`
	BusinessAccountID  string `json:"businessAccountId"`
	WebhookVerifyToken string `json:"webhookVerifyToken,omitempty"`
}

// TikTokCredentials authenticate a TikTok channel.
type TikTokCredentials struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Scope        []string `json:"scope,omitempty"`
}

// MockCredentials are used by the development/test adapter and always validate.
type MockCredentials struct {
	MockToken string            `json:"mockToken"`
	Config    map[string]string `json:"config,omitempty"`
}

// Credentials is the tagged union of per-platform credential shapes.
// Exactly one variant pointer is non-nil, matching Platform.
type Credentials struct {
	Platform  Platform         `json:"platform"`
	Status    CredentialStatus `json:"status"`
	SavedAt   time.Time        `json:"savedAt"`
	Version   string           `json:"version"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`

	Meta     *MetaCredentials     `json:"meta,omitempty"`
	WhatsApp *WhatsAppCredentials `json:"whatsapp,omitempty"`
	TikTok   *TikTokCredentials   `json:"tiktok,omitempty"`
	Mock     *MockCredentials     `json:"mock,omitempty"`
}

// ErrCredentialShape is returned when the union's variant does not match
// its platform discriminant.
var ErrCredentialShape = errors.New("credential variant does not match platform")

// Validate checks the discriminant and the presence of required fields.
func (c *Credentials) Validate() error {
	switch c.Platform {
	case PlatformInstagram, PlatformMessenger:
		if c.Meta == nil {
			return ErrCredentialShape
		}
		if c.Meta.PageAccessToken == "" {
			return errors.New("pageAccessToken is required")
		}
		if c.Meta.PageID == "" {
			return errors.New("pageId is required")
		}
	case PlatformWhatsApp:
		if c.WhatsApp == nil {
			return ErrCredentialShape
		}
		if c.WhatsApp.AccessToken == "" {
			return errors.New("accessToken is required")
		}
		if c.WhatsApp.PhoneNumberID == "" {
			return errors.New("phoneNumberId is required")
		}
		if c.WhatsApp.BusinessAccountID == "" {
			return errors.New("businessAccountId is required")
		}
	case PlatformTikTok:
		if c.TikTok == nil {
			return ErrCredentialShape
		}
		if c.TikTok.AccessToken == "" {
			return errors.New("accessToken is required")
		}
	case PlatformMock:
		if c.Mock == nil {
			return ErrCredentialShape
		}
	default:
		return errors.Errorf("unsupported platform: %s", c.Platform)
	}
	return nil
}

// AccessToken returns the primary bearer token for the active variant.
func (c *Credentials) AccessToken() string {
	switch {
	case c.Meta != nil:
		return c.Meta.PageAccessToken
	case c.WhatsApp != nil:
		return c.WhatsApp.AccessToken
	case c.TikTok != nil:
		return c.TikTok.AccessToken
	case c.Mock != nil:
		return c.Mock.MockToken
	default:
		return ""
	}
}

// RefreshToken returns the refresh token and whether one is present.
// WhatsApp reuses the long-lived page token flow, so its access token
// doubles as the refresh input.
func (c *Credentials) RefreshToken() (string, bool) {
	switch {
	case c.Meta != nil && c.Meta.RefreshToken != "":
		return c.Meta.RefreshToken, true
	case c.WhatsApp != nil && c.WhatsApp.AccessToken != "":
		return c.WhatsApp.AccessToken, true
	case c.TikTok != nil && c.TikTok.RefreshToken != "":
		return c.TikTok.RefreshToken, true
	default:
		return "", false
	}
}

// Expired reports whether ExpiresAt is set and in the past.
func (c *Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// SensitiveFields lists the field names sealed inside the encrypted
// envelope for this variant. Identity fields (page ID, phone number ID)
// stay plaintext so the channel remains queryable without decryption.
func (c *Credentials) SensitiveFields() []string {
	switch {
	case c.Meta != nil:
		return []string{"pageAccessToken", "refreshToken"}
	case c.WhatsApp != nil:
		return []string{"accessToken", "webhookVerifyToken"}
	case c.TikTok != nil:
		return []string{"accessToken", "refreshToken"}
	case c.Mock != nil:
		return []string{"mockToken"}
	default:
		return nil
	}
}
