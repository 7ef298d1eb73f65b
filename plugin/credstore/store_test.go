package credstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/store"
)

// fakeChannelStore is an in-memory ChannelStore.
type fakeChannelStore struct {
	channels map[string]*store.Channel
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{channels: make(map[string]*store.Channel)}
}

func (f *fakeChannelStore) GetChannel(_ context.Context, id string) (*store.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeChannelStore) UpdateChannelMetadata(_ context.Context, id string, metadata []byte, status store.ChannelStatus) error {
	ch, ok := f.channels[id]
	if !ok {
		return store.ErrChannelNotFound
	}
	ch.Metadata = metadata
	ch.Status = status
	return nil
}

func (f *fakeChannelStore) ListChannelsByTenant(_ context.Context, tenantID string) ([]*store.Channel, error) {
	var out []*store.Channel
	for _, ch := range f.channels {
		if ch.TenantID == tenantID {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeChannelStore) add(id, tenantID string, platform channels.Platform) {
	f.channels[id] = &store.Channel{
		ID:       id,
		TenantID: tenantID,
		Platform: platform,
		Status:   store.ChannelActive,
	}
}

func metaCreds() *channels.Credentials {
	return &channels.Credentials{
		Platform: channels.PlatformMessenger,
		Meta: &channels.MetaCredentials{
			PageAccessToken: "EAAB-page-token",
			PageID:          "page-1",
			RefreshToken:    "refresh-1",
		},
	}
}

func TestSaveAndGetDecrypted(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "ch1", metaCreds(), nil))

	// The persisted blob must not contain token plaintext anywhere.
	raw := string(fake.channels["ch1"].Metadata)
	assert.NotContains(t, raw, "EAAB-page-token")
	assert.NotContains(t, raw, "refresh-1")
	assert.Contains(t, raw, "page-1")

	dec, err := s.GetDecrypted(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)
	assert.Equal(t, "refresh-1", dec.Credentials.Meta.RefreshToken)
	assert.Equal(t, "EAAB-page-token", dec.AccessToken)
	assert.Equal(t, channels.CredentialActive, dec.Status)
}

func TestSaveRejectsInvalidCredentials(t *testing.T) {
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	bad := &channels.Credentials{Platform: channels.PlatformMessenger}
	err := s.Save(context.Background(), "ch1", bad, nil)
	require.Error(t, err)
	assert.Nil(t, fake.channels["ch1"].Metadata)
}

func TestGetDecryptedExpiryTransition(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	creds := metaCreds()
	past := time.Now().Add(-time.Hour)
	creds.ExpiresAt = &past
	require.NoError(t, s.Save(ctx, "ch1", creds, nil))

	dec, err := s.GetDecrypted(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, channels.CredentialExpired, dec.Status)

	// The transition is persisted, not just computed.
	var meta ChannelMeta
	require.NoError(t, json.Unmarshal(fake.channels["ch1"].Metadata, &meta))
	assert.Equal(t, channels.CredentialExpired, meta.Credentials.Public.Status)
}

func TestMarkInvalid(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "ch1", metaCreds(), nil))
	require.NoError(t, s.MarkInvalid(ctx, "ch1", "token revoked"))

	dec, err := s.GetDecrypted(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, channels.CredentialInvalid, dec.Status)
	assert.Equal(t, store.ChannelError, fake.channels["ch1"].Status)
}

func TestGetDecryptedNoCredentials(t *testing.T) {
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	_, err := s.GetDecrypted(context.Background(), "ch1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestGetDecryptedWrongKeyFailsClosed(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)

	require.NoError(t, New(fake, nil, testKey).Save(ctx, "ch1", metaCreds(), nil))

	other := New(fake, nil, "another-master-key-abcdefgh")
	_, err := other.GetDecrypted(ctx, "ch1")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestMigrateToEncryptedLegacyBlob(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	// Legacy layout: raw credential union as the metadata blob.
	legacy, err := json.Marshal(metaCreds())
	require.NoError(t, err)
	fake.channels["ch1"].Metadata = legacy

	require.NoError(t, s.MigrateToEncrypted(ctx, "ch1"))
	assert.NotContains(t, string(fake.channels["ch1"].Metadata), "EAAB-page-token")

	dec, err := s.GetDecrypted(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)
}

func TestMigrateToEncryptedIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "ch1", metaCreds(), nil))
	before := string(fake.channels["ch1"].Metadata)

	require.NoError(t, s.MigrateToEncrypted(ctx, "ch1"))
	assert.Equal(t, before, string(fake.channels["ch1"].Metadata))
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	fake.add("ch2", "t1", channels.PlatformWhatsApp)
	fake.add("other", "t2", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "ch1", metaCreds(), nil))
	wa := &channels.Credentials{
		Platform: channels.PlatformWhatsApp,
		WhatsApp: &channels.WhatsAppCredentials{
			AccessToken:       "wa-token",
			PhoneNumberID:     "555",
			BusinessAccountID: "666",
		},
	}
	require.NoError(t, s.Save(ctx, "ch2", wa, nil))

	newKey := "rotated-master-key-9876543210"
	results, err := s.RotateKey(ctx, "t1", testKey, newKey)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.OK, "channel %s: %s", r.ChannelID, r.Error)
	}

	// The store now reads under the new key.
	dec, err := s.GetDecrypted(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)

	dec, err = s.GetDecrypted(ctx, "ch2")
	require.NoError(t, err)
	assert.Equal(t, "wa-token", dec.Credentials.WhatsApp.AccessToken)
}

func TestRotateKeyOtherTenantStillReadable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("chA", "tenantA", channels.PlatformMessenger)
	fake.add("chB", "tenantB", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "chA", metaCreds(), nil))
	require.NoError(t, s.Save(ctx, "chB", metaCreds(), nil))

	newKey := "rotated-master-key-9876543210"
	results, err := s.RotateKey(ctx, "tenantA", testKey, newKey)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)

	// tenantB's envelopes are still sealed under the old key; they must
	// keep decrypting until tenantB's own rotation runs.
	dec, err := s.GetDecrypted(ctx, "chB")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)

	// The rotated tenant reads under the new key.
	dec, err = s.GetDecrypted(ctx, "chA")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)

	// Rotating tenantB with the same pair converges everything.
	results, err = s.RotateKey(ctx, "tenantB", testKey, newKey)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)

	dec, err = s.GetDecrypted(ctx, "chB")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-page-token", dec.Credentials.Meta.PageAccessToken)
}

func TestRotateKeyPartialFailureKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChannelStore()
	fake.add("ch1", "t1", channels.PlatformMessenger)
	fake.add("ch2", "t1", channels.PlatformMessenger)
	s := New(fake, nil, testKey)

	require.NoError(t, s.Save(ctx, "ch1", metaCreds(), nil))
	require.NoError(t, s.Save(ctx, "ch2", metaCreds(), nil))

	// Corrupt ch2's envelope so its re-encryption fails.
	var meta ChannelMeta
	require.NoError(t, json.Unmarshal(fake.channels["ch2"].Metadata, &meta))
	meta.Credentials.Envelope.AuthTag = strings.Repeat("A", 24)
	blob, err := json.Marshal(&meta)
	require.NoError(t, err)
	fake.channels["ch2"].Metadata = blob

	results, err := s.RotateKey(ctx, "t1", testKey, "rotated-master-key-9876543210")
	require.NoError(t, err)

	okCount := 0
	for _, r := range results {
		if r.OK {
			okCount++
		}
	}
	assert.Equal(t, 1, okCount)

	// A partial rotation must not swap the active key: operators retry
	// with the same old/new pair until every channel converts.
	_, err = s.GetDecrypted(ctx, "ch1")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
