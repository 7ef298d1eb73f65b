package credstore

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "unit-test-master-key-0123456789"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"pageAccessToken":"EAAB...secret"}`)

	env, err := Encrypt(plaintext, testKey)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeAlgorithm, env.Algorithm)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.NotContains(t, env.Ciphertext, "secret")

	got, err := Decrypt(env, testKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFreshSaltAndIV(t *testing.T) {
	plaintext := []byte("same input")
	a, err := Encrypt(plaintext, testKey)
	require.NoError(t, err)
	b, err := Encrypt(plaintext, testKey)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptWrongKey(t *testing.T) {
	env, err := Encrypt([]byte("top secret"), testKey)
	require.NoError(t, err)

	_, err = Decrypt(env, "a-completely-different-key")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecryptTamperedEnvelope(t *testing.T) {
	env, err := Encrypt([]byte("top secret"), testKey)
	require.NoError(t, err)

	tamper := func(field string) *Envelope {
		cp := *env
		raw, decErr := base64.StdEncoding.DecodeString(fieldValue(&cp, field))
		require.NoError(t, decErr)
		raw[0] ^= 0x01
		setField(&cp, field, base64.StdEncoding.EncodeToString(raw))
		return &cp
	}

	for _, field := range []string{"ciphertext", "iv", "authTag", "salt"} {
		_, err := Decrypt(tamper(field), testKey)
		assert.ErrorIs(t, err, ErrInvalidEnvelope, "tampered %s must fail closed", field)
	}
}

func fieldValue(env *Envelope, field string) string {
	switch field {
	case "ciphertext":
		return env.Ciphertext
	case "iv":
		return env.IV
	case "authTag":
		return env.AuthTag
	default:
		return env.Salt
	}
}

func setField(env *Envelope, field, value string) {
	switch field {
	case "ciphertext":
		env.Ciphertext = value
	case "iv":
		env.IV = value
	case "authTag":
		env.AuthTag = value
	default:
		env.Salt = value
	}
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	_, err := Decrypt(nil, testKey)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	env, err := Encrypt([]byte("x"), testKey)
	require.NoError(t, err)
	env.Algorithm = "AES-128-CBC"
	_, err = Decrypt(env, testKey)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestShortMasterKey(t *testing.T) {
	_, err := Encrypt([]byte("x"), "too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)

	env, err := Encrypt([]byte("x"), testKey)
	require.NoError(t, err)
	_, err = Decrypt(env, "too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestReencrypt(t *testing.T) {
	plaintext := []byte(`{"accessToken":"wa-token"}`)
	env, err := Encrypt(plaintext, testKey)
	require.NoError(t, err)
	env.EncryptedFields = []string{"accessToken"}

	newKey := "rotated-master-key-9876543210"
	next, err := Reencrypt(env, testKey, newKey)
	require.NoError(t, err)
	assert.Equal(t, env.EncryptedFields, next.EncryptedFields)

	// Old key no longer opens the new envelope.
	_, err = Decrypt(next, testKey)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	got, err := Decrypt(next, newKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}
