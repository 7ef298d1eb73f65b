package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[{"messaging":[{"message":{"text":"hi"}}]}]}`)
	secret := "app-secret"
	sig := ComputeSignature(body, secret)

	assert.True(t, VerifySignature(body, sig, secret))
	assert.True(t, VerifySignature(body, "sha256="+sig, secret))
}

func TestVerifySignatureRejectsMutation(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	secret := "app-secret"
	sig := ComputeSignature(body, secret)

	// Any single-byte change to the body invalidates the signature.
	tampered := append([]byte(nil), body...)
	tampered[2] ^= 0x01
	assert.False(t, VerifySignature(tampered, sig, secret))

	assert.False(t, VerifySignature(body, sig, "other-secret"))
	assert.False(t, VerifySignature(body, ComputeSignature(body, "other-secret"), secret))
}

func TestVerifySignatureEmptyInputs(t *testing.T) {
	body := []byte("payload")
	assert.False(t, VerifySignature(body, "", "secret"))
	assert.False(t, VerifySignature(body, ComputeSignature(body, "secret"), ""))
}
