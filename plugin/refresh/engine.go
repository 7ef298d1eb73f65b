// Package refresh keeps channel credentials alive: it exchanges
// expiring tokens for fresh ones ahead of expiry and tracks each
// attempt as a persisted job.
package refresh

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/omnihub/omnihub/plugin/channels"
)

const (
	// DefaultGraphBaseURL is the Meta endpoint for long-lived token exchange.
	DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"
	// DefaultTikTokTokenURL is TikTok's OAuth token endpoint.
	DefaultTikTokTokenURL = "https://open.tiktokapis.com/v2/oauth/token/"

	exchangeTimeout = 15 * time.Second
)

// AppConfig carries the per-platform app secrets the refresh flows need.
type AppConfig struct {
	MetaAppID          string
	MetaAppSecret      string
	TikTokClientKey    string
	TikTokClientSecret string
}

// Engine performs the provider-specific token exchange. It does not
// touch storage; the worker owns persistence.
type Engine struct {
	config         AppConfig
	graphBaseURL   string
	tiktokTokenURL string
	client         *http.Client
}

// Option configures the engine.
type Option func(*Engine)

// WithGraphBaseURL overrides the Meta endpoint for tests.
func WithGraphBaseURL(u string) Option {
	return func(e *Engine) { e.graphBaseURL = u }
}

// WithTikTokTokenURL overrides the TikTok token endpoint for tests.
func WithTikTokTokenURL(u string) Option {
	return func(e *Engine) { e.tiktokTokenURL = u }
}

// NewEngine creates a refresh engine.
func NewEngine(config AppConfig, opts ...Option) *Engine {
	e := &Engine{
		config:         config,
		graphBaseURL:   DefaultGraphBaseURL,
		tiktokTokenURL: DefaultTikTokTokenURL,
		client:         &http.Client{Timeout: exchangeTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NeedsRefresh reports whether the credentials expire within threshold.
// Credentials with no expiry never need a refresh.
func NeedsRefresh(creds *channels.Credentials, threshold time.Duration, now time.Time) bool {
	if creds == nil || creds.ExpiresAt == nil {
		return false
	}
	if creds.Status == channels.CredentialInvalid {
		return false
	}
	return !creds.ExpiresAt.After(now.Add(threshold))
}

// Refresh exchanges the credential's refresh input for a fresh access
// token and returns an updated copy. Returns an AdapterError so the
// caller can distinguish retryable failures from terminal ones.
func (e *Engine) Refresh(ctx context.Context, creds *channels.Credentials) (*channels.Credentials, *channels.AdapterError) {
	refreshToken, ok := creds.RefreshToken()
	if !ok {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "credentials carry no refresh token")
	}

	switch creds.Platform {
	case channels.PlatformInstagram, channels.PlatformMessenger:
		return e.refreshMeta(ctx, creds, refreshToken)
	case channels.PlatformWhatsApp:
		return e.refreshWhatsApp(ctx, creds, refreshToken)
	case channels.PlatformTikTok:
		return e.refreshTikTok(ctx, creds, refreshToken)
	case channels.PlatformMock:
		return e.refreshMock(creds), nil
	default:
		return nil, channels.NewAdapterError(channels.ErrorValidation, "unsupported platform for refresh")
	}
}

// refreshMeta runs the fb_exchange_token flow, trading the current
// long-lived token for a new 60-day one.
func (e *Engine) refreshMeta(ctx context.Context, creds *channels.Credentials, token string) (*channels.Credentials, *channels.AdapterError) {
	if e.config.MetaAppID == "" || e.config.MetaAppSecret == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "meta app credentials are not configured")
	}

	accessToken, expiresIn, ae := e.exchangeGraphToken(ctx, creds.Platform, token)
	if ae != nil {
		return nil, ae
	}

	next := *creds
	meta := *creds.Meta
	meta.PageAccessToken = accessToken
	meta.RefreshToken = accessToken
	next.Meta = &meta
	applyExpiry(&next, expiresIn)
	return &next, nil
}

// refreshWhatsApp reuses the Graph exchange: the system-user token is
// long-lived and renews through the same endpoint.
func (e *Engine) refreshWhatsApp(ctx context.Context, creds *channels.Credentials, token string) (*channels.Credentials, *channels.AdapterError) {
	if e.config.MetaAppID == "" || e.config.MetaAppSecret == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "meta app credentials are not configured")
	}

	accessToken, expiresIn, ae := e.exchangeGraphToken(ctx, creds.Platform, token)
	if ae != nil {
		return nil, ae
	}

	next := *creds
	wa := *creds.WhatsApp
	wa.AccessToken = accessToken
	next.WhatsApp = &wa
	applyExpiry(&next, expiresIn)
	return &next, nil
}

func (e *Engine) exchangeGraphToken(ctx context.Context, platform channels.Platform, token string) (string, int64, *channels.AdapterError) {
	query := url.Values{}
	query.Set("grant_type", "fb_exchange_token")
	query.Set("client_id", e.config.MetaAppID)
	query.Set("client_secret", e.config.MetaAppSecret)
	query.Set("fb_exchange_token", token)

	u := e.graphBaseURL + "/oauth/access_token?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, channels.Classify(err, 0, 0, platform, "refreshToken")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, channels.Classify(err, 0, 0, platform, "refreshToken")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, channels.Classify(err, resp.StatusCode, 0, platform, "refreshToken")
	}

	if resp.StatusCode >= 400 {
		var parsed struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &parsed)
		return "", 0, channels.Classify(nil, resp.StatusCode, parsed.Error.Code, platform, "refreshToken")
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.AccessToken == "" {
		return "", 0, channels.NewAdapterError(channels.ErrorAPI, "token exchange returned an unexpected response")
	}
	return body.AccessToken, body.ExpiresIn, nil
}

// refreshTikTok runs the standard OAuth refresh-token grant.
func (e *Engine) refreshTikTok(ctx context.Context, creds *channels.Credentials, refreshToken string) (*channels.Credentials, *channels.AdapterError) {
	if e.config.TikTokClientKey == "" || e.config.TikTokClientSecret == "" {
		return nil, channels.NewAdapterError(channels.ErrorValidation, "tiktok app credentials are not configured")
	}

	conf := &oauth2.Config{
		ClientID:     e.config.TikTokClientKey,
		ClientSecret: e.config.TikTokClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: e.tiktokTokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, channels.Classify(err, retrieveErr.Response.StatusCode, 0, channels.PlatformTikTok, "refreshToken")
		}
		return nil, channels.Classify(err, 0, 0, channels.PlatformTikTok, "refreshToken")
	}

	next := *creds
	tt := *creds.TikTok
	tt.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		tt.RefreshToken = tok.RefreshToken
	}
	next.TikTok = &tt
	next.Status = channels.CredentialActive
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		next.ExpiresAt = &expiry
	}
	next.SavedAt = time.Now()
	return &next, nil
}

func (e *Engine) refreshMock(creds *channels.Credentials) *channels.Credentials {
	next := *creds
	applyExpiry(&next, 3600)
	return &next
}

func applyExpiry(creds *channels.Credentials, expiresIn int64) {
	creds.Status = channels.CredentialActive
	creds.SavedAt = time.Now()
	if expiresIn > 0 {
		expiry := time.Now().Add(time.Duration(expiresIn) * time.Second)
		creds.ExpiresAt = &expiry
	}
}
