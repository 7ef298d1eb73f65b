package credstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/store"
)

var (
	// ErrNoCredentials is returned when a channel has no credential payload.
	ErrNoCredentials = errors.New("channel has no stored credentials")
	// ErrCorruptCredentials is returned when the decrypted payload fails to parse.
	ErrCorruptCredentials = errors.New("stored credentials are corrupt")
)

// ChannelStore is the persistence surface the credential store needs.
// The root store satisfies it.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	UpdateChannelMetadata(ctx context.Context, id string, metadata []byte, status store.ChannelStatus) error
	ListChannelsByTenant(ctx context.Context, tenantID string) ([]*store.Channel, error)
}

// ChannelMeta is the versioned structure stored in the channel's
// metadata column.
type ChannelMeta struct {
	Type        channels.Platform  `json:"type"`
	Credentials *StoredCredentials `json:"credentials,omitempty"`
	Config      map[string]string  `json:"config,omitempty"`
}

// StoredCredentials is the hybrid at-rest credential structure: the
// public variant with sensitive fields blanked, plus the envelope
// sealing those fields.
type StoredCredentials struct {
	SchemaVersion string               `json:"schemaVersion"`
	Public        channels.Credentials `json:"public"`
	Envelope      *Envelope            `json:"envelope,omitempty"`
}

// Decrypted is what GetDecrypted hands back to callers. Plaintext
// credentials live only in process memory.
type Decrypted struct {
	Credentials *channels.Credentials
	AccessToken string
	Status      channels.CredentialStatus
	ExpiresAt   *time.Time
}

// RotateResult reports the per-channel outcome of a key rotation.
type RotateResult struct {
	ChannelID string `json:"channelId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Store encrypts, decrypts, and persists credentials attached to a
// channel record. All read-modify-write cycles on one channel run under
// that channel's lock, so a send-triggered expiry side effect cannot race
// a refresh-triggered write.
type Store struct {
	channels ChannelStore
	authz    Authorizer

	// keyMu guards the key pair. Rotation runs tenant by tenant, so
	// between the first and last tenant some envelopes are still sealed
	// under previousKey; openAny falls back to it.
	keyMu       sync.RWMutex
	masterKey   string
	previousKey string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a credential store over the given channel persistence.
func New(cs ChannelStore, authz Authorizer, masterKey string) *Store {
	if authz == nil {
		authz = AllowAll{}
	}
	return &Store{
		channels:  cs,
		authz:     authz,
		masterKey: masterKey,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) channelLock(channelID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channelID] = l
	}
	return l
}

// Save splits credentials into sensitive and non-sensitive fields, seals
// the sensitive subset, and persists the hybrid structure against the
// channel. fieldsToEncrypt overrides the variant's default sensitive set
// when non-empty.
func (s *Store) Save(ctx context.Context, channelID string, creds *channels.Credentials, fieldsToEncrypt []string) error {
	if err := creds.Validate(); err != nil {
		return errors.Wrap(err, "invalid credentials")
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, ch.TenantID, ActionWriteCredentials); err != nil {
		return err
	}

	stored, err := s.seal(creds, fieldsToEncrypt, s.currentKey())
	if err != nil {
		return err
	}

	meta := s.loadMeta(ch)
	meta.Type = creds.Platform
	meta.Credentials = stored

	return s.persistMeta(ctx, ch, meta, statusFor(creds.Status))
}

// GetDecrypted loads the stored structure, opens the envelope, and merges
// the sensitive fields back into the credential union. If expiresAt has
// passed while the status is still active, the stored status transitions
// to expired as a side effect before returning.
func (s *Store) GetDecrypted(ctx context.Context, channelID string) (*Decrypted, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, ch.TenantID, ActionReadCredentials); err != nil {
		return nil, err
	}

	meta := s.loadMeta(ch)
	if meta.Credentials == nil {
		return nil, ErrNoCredentials
	}

	creds, err := s.openAny(meta.Credentials)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if creds.Status == channels.CredentialActive && creds.Expired(now) {
		creds.Status = channels.CredentialExpired
		meta.Credentials.Public.Status = channels.CredentialExpired
		if err := s.persistMeta(ctx, ch, meta, ch.Status); err != nil {
			slog.Warn("failed to persist expiry transition", "channel_id", channelID, "error", err)
		} else {
			slog.Info("credentials expired", "channel_id", channelID, "platform", creds.Platform)
		}
	}

	return &Decrypted{
		Credentials: creds,
		AccessToken: creds.AccessToken(),
		Status:      creds.Status,
		ExpiresAt:   creds.ExpiresAt,
	}, nil
}

// DecryptedCredentials implements channels.CredentialSource for adapters.
func (s *Store) DecryptedCredentials(ctx context.Context, channelID string) (*channels.Credentials, error) {
	dec, err := s.GetDecrypted(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return dec.Credentials, nil
}

// MarkInvalid flips the stored credential status to invalid and the
// channel to its error state. Called when a provider reports a
// non-retryable authentication or permission failure.
func (s *Store) MarkInvalid(ctx context.Context, channelID string, reason string) error {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	meta := s.loadMeta(ch)
	if meta.Credentials == nil {
		return ErrNoCredentials
	}
	meta.Credentials.Public.Status = channels.CredentialInvalid
	slog.Warn("credentials marked invalid", "channel_id", channelID, "reason", reason)
	return s.persistMeta(ctx, ch, meta, store.ChannelError)
}

// MigrateToEncrypted upgrades a channel whose metadata still carries a
// legacy plaintext credential blob. Idempotent: hybrid structures are
// left untouched.
func (s *Store) MigrateToEncrypted(ctx context.Context, channelID string) error {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, ch.TenantID, ActionWriteCredentials); err != nil {
		return err
	}

	meta := s.loadMeta(ch)
	if meta.Credentials == nil {
		// Legacy layout: the metadata blob is the raw credential union.
		var legacy channels.Credentials
		if err := json.Unmarshal(ch.Metadata, &legacy); err != nil || legacy.Platform == "" {
			return ErrNoCredentials
		}
		stored, err := s.seal(&legacy, nil, s.currentKey())
		if err != nil {
			return err
		}
		meta.Type = legacy.Platform
		meta.Credentials = stored
		slog.Info("migrated legacy credentials to encrypted envelope", "channel_id", channelID)
		return s.persistMeta(ctx, ch, meta, ch.Status)
	}
	if meta.Credentials.Envelope != nil {
		// Already hybrid/encrypted.
		return nil
	}

	stored, err := s.seal(&meta.Credentials.Public, nil, s.currentKey())
	if err != nil {
		return err
	}
	meta.Credentials = stored
	slog.Info("migrated plaintext credentials to encrypted envelope", "channel_id", channelID)
	return s.persistMeta(ctx, ch, meta, ch.Status)
}

// RotateKey walks every channel of the tenant with encrypted credentials
// and re-seals each envelope under newKey. A single channel failure is
// reported, not fatal to the walk. On full success the store starts
// sealing under newKey; the outgoing key is kept as a decryption
// fallback so channels of tenants not yet rotated keep working until
// their own rotation lands.
func (s *Store) RotateKey(ctx context.Context, tenantID, oldKey, newKey string) ([]RotateResult, error) {
	if err := s.authz.Authorize(ctx, tenantID, ActionRotateKey); err != nil {
		return nil, err
	}
	chs, err := s.channels.ListChannelsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]RotateResult, 0, len(chs))
	allOK := true
	for _, ch := range chs {
		res := s.rotateChannel(ctx, ch.ID, oldKey, newKey)
		if !res.OK {
			allOK = false
		}
		results = append(results, res)
	}

	if allOK {
		s.keyMu.Lock()
		if s.masterKey != newKey {
			s.previousKey = s.masterKey
			s.masterKey = newKey
		}
		s.keyMu.Unlock()
	}
	slog.Info("key rotation finished", "tenant_id", tenantID, "channels", len(results), "all_ok", allOK)
	return results, nil
}

func (s *Store) rotateChannel(ctx context.Context, channelID, oldKey, newKey string) RotateResult {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return RotateResult{ChannelID: channelID, Error: err.Error()}
	}
	meta := s.loadMeta(ch)
	if meta.Credentials == nil || meta.Credentials.Envelope == nil {
		// Nothing encrypted on this channel.
		return RotateResult{ChannelID: channelID, OK: true}
	}

	next, err := Reencrypt(meta.Credentials.Envelope, oldKey, newKey)
	if err != nil {
		return RotateResult{ChannelID: channelID, Error: err.Error()}
	}
	meta.Credentials.Envelope = next
	if err := s.persistMeta(ctx, ch, meta, ch.Status); err != nil {
		return RotateResult{ChannelID: channelID, Error: err.Error()}
	}
	return RotateResult{ChannelID: channelID, OK: true}
}

// seal produces the hybrid structure: public copy with sensitive fields
// blanked plus the envelope sealing a name->value map of those fields.
func (s *Store) seal(creds *channels.Credentials, fieldsToEncrypt []string, key string) (*StoredCredentials, error) {
	fields := fieldsToEncrypt
	if len(fields) == 0 {
		fields = creds.SensitiveFields()
	}

	public := *creds
	sensitive := extractSensitive(&public, fields)

	payload, err := json.Marshal(sensitive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sensitive fields")
	}
	env, err := Encrypt(payload, key)
	if err != nil {
		return nil, err
	}
	env.EncryptedFields = fields

	if public.SavedAt.IsZero() {
		public.SavedAt = time.Now()
	}
	public.Version = channels.CredentialSchemaVersion
	if public.Status == "" {
		public.Status = channels.CredentialActive
	}

	return &StoredCredentials{
		SchemaVersion: channels.CredentialSchemaVersion,
		Public:        public,
		Envelope:      env,
	}, nil
}

func (s *Store) currentKey() string {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.masterKey
}

// openAny opens the envelope with the current master key, falling back
// to the previous key during a rotation window.
func (s *Store) openAny(stored *StoredCredentials) (*channels.Credentials, error) {
	s.keyMu.RLock()
	key, prev := s.masterKey, s.previousKey
	s.keyMu.RUnlock()

	creds, err := s.open(stored, key)
	if err == nil || !errors.Is(err, ErrInvalidEnvelope) || prev == "" || prev == key {
		return creds, err
	}
	return s.open(stored, prev)
}

// open reverses seal.
func (s *Store) open(stored *StoredCredentials, key string) (*channels.Credentials, error) {
	creds := stored.Public
	if stored.Envelope == nil {
		return &creds, nil
	}

	payload, err := Decrypt(stored.Envelope, key)
	if err != nil {
		return nil, err
	}
	var sensitive map[string]string
	if err := json.Unmarshal(payload, &sensitive); err != nil {
		return nil, ErrCorruptCredentials
	}
	mergeSensitive(&creds, sensitive)
	return &creds, nil
}

func (s *Store) loadMeta(ch *store.Channel) *ChannelMeta {
	var meta ChannelMeta
	if len(ch.Metadata) > 0 {
		if err := json.Unmarshal(ch.Metadata, &meta); err != nil {
			// Legacy or corrupt blobs are handled by MigrateToEncrypted.
			return &ChannelMeta{Type: ch.Platform}
		}
	}
	if meta.Type == "" {
		meta.Type = ch.Platform
	}
	return &meta
}

func (s *Store) persistMeta(ctx context.Context, ch *store.Channel, meta *ChannelMeta, status store.ChannelStatus) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal channel metadata")
	}
	return s.channels.UpdateChannelMetadata(ctx, ch.ID, blob, status)
}

func statusFor(cs channels.CredentialStatus) store.ChannelStatus {
	if cs == channels.CredentialInvalid {
		return store.ChannelError
	}
	return store.ChannelActive
}

// extractSensitive blanks the named fields on the public copy and
// returns their values. Field names follow the JSON tags of the
// credential variants.
func extractSensitive(c *channels.Credentials, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		switch {
		case c.Meta != nil:
			switch f {
			case "pageAccessToken":
				out[f] = c.Meta.PageAccessToken
				cp := *c.Meta
				cp.PageAccessToken = ""
				c.Meta = &cp
			case "refreshToken":
				out[f] = c.Meta.RefreshToken
				cp := *c.Meta
				cp.RefreshToken = ""
				c.Meta = &cp
			}
		case c.WhatsApp != nil:
			switch f {
			case "accessToken":
				out[f] = c.WhatsApp.AccessToken
				cp := *c.WhatsApp
				cp.AccessToken = ""
				c.WhatsApp = &cp
			case "webhookVerifyToken":
				out[f] = c.WhatsApp.WebhookVerifyToken
				cp := *c.WhatsApp
				cp.WebhookVerifyToken = ""
				c.WhatsApp = &cp
			}
		case c.TikTok != nil:
			switch f {
			case "accessToken":
				out[f] = c.TikTok.AccessToken
				cp := *c.TikTok
				cp.AccessToken = ""
				c.TikTok = &cp
			case "refreshToken":
				out[f] = c.TikTok.RefreshToken
				cp := *c.TikTok
				cp.RefreshToken = ""
				c.TikTok = &cp
			}
		case c.Mock != nil:
			if f == "mockToken" {
				out[f] = c.Mock.MockToken
				cp := *c.Mock
				cp.MockToken = ""
				c.Mock = &cp
			}
		}
	}
	return out
}

func mergeSensitive(c *channels.Credentials, sensitive map[string]string) {
	for f, v := range sensitive {
		switch {
		case c.Meta != nil:
			cp := *c.Meta
			switch f {
			case "pageAccessToken":
				cp.PageAccessToken = v
			case "refreshToken":
				cp.RefreshToken = v
			}
			c.Meta = &cp
		case c.WhatsApp != nil:
			cp := *c.WhatsApp
			switch f {
			case "accessToken":
				cp.AccessToken = v
			case "webhookVerifyToken":
				cp.WebhookVerifyToken = v
			}
			c.WhatsApp = &cp
		case c.TikTok != nil:
			cp := *c.TikTok
			switch f {
			case "accessToken":
				cp.AccessToken = v
			case "refreshToken":
				cp.RefreshToken = v
			}
			c.TikTok = &cp
		case c.Mock != nil:
			cp := *c.Mock
			if f == "mockToken" {
				cp.MockToken = v
			}
			c.Mock = &cp
		}
	}
}
