// Package credstore encrypts, persists, expires, and rotates channel
// credentials. Sensitive token fields are sealed in an AES-256-GCM
// envelope; identity fields stay plaintext so channels remain queryable
// without decryption.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EnvelopeAlgorithm is recorded in every envelope.
	EnvelopeAlgorithm = "AES-256-GCM"
	// EnvelopeVersion tags the envelope layout.
	EnvelopeVersion = "1"

	saltSize   = 32
	ivSize     = 16
	tagSize    = 16
	keySize    = 32
	kdfRounds  = 100_000
	domainTag  = "channel-credentials"
	minKeySize = 16
)

var (
	// ErrInvalidKey is returned when the master key is too short.
	ErrInvalidKey = errors.New("invalid master key")
	// ErrInvalidEnvelope is returned for malformed envelopes or failed
	// authentication. Decryption fails closed: no partial plaintext.
	ErrInvalidEnvelope = errors.New("invalid credential envelope")
)

// Envelope is the encrypted-at-rest representation of a credential's
// sensitive fields.
type Envelope struct {
	Ciphertext      string   `json:"ciphertext"`
	IV              string   `json:"iv"`
	AuthTag         string   `json:"authTag"`
	Salt            string   `json:"salt"`
	Algorithm       string   `json:"algorithm"`
	Version         string   `json:"version"`
	EncryptedFields []string `json:"encryptedFields,omitempty"`
}

// Encrypt seals plaintext under masterKey. Each call draws a fresh salt
// and IV; the key is derived via PBKDF2-SHA256. The constant domain tag
// is bound as additional authenticated data so envelopes cannot be
// replayed across unrelated contexts.
func Encrypt(plaintext []byte, masterKey string) (*Envelope, error) {
	if len(masterKey) < minKeySize {
		return nil, ErrInvalidKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "failed to generate iv")
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(domainTag))
	if len(sealed) < tagSize {
		return nil, errors.New("sealed output shorter than auth tag")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Algorithm:  EnvelopeAlgorithm,
		Version:    EnvelopeVersion,
	}, nil
}

// Decrypt opens an envelope under masterKey. Any tag mismatch, malformed
// field, or wrong key yields ErrInvalidEnvelope, never partial plaintext.
func Decrypt(env *Envelope, masterKey string) ([]byte, error) {
	if len(masterKey) < minKeySize {
		return nil, ErrInvalidKey
	}
	if env == nil || env.Algorithm != EnvelopeAlgorithm {
		return nil, ErrInvalidEnvelope
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return nil, ErrInvalidEnvelope
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrInvalidEnvelope
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, ErrInvalidEnvelope
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), []byte(domainTag))
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return plaintext, nil
}

// Reencrypt decrypts an envelope with oldKey and seals the plaintext
// under newKey. Callers persist the result atomically per credential so
// no intermediate unencrypted-at-rest state is observable.
func Reencrypt(env *Envelope, oldKey, newKey string) (*Envelope, error) {
	plaintext, err := Decrypt(env, oldKey)
	if err != nil {
		return nil, err
	}
	next, err := Encrypt(plaintext, newKey)
	if err != nil {
		return nil, err
	}
	next.EncryptedFields = env.EncryptedFields
	return next, nil
}

func newGCM(masterKey string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(masterKey), salt, kdfRounds, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}
