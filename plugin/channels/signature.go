package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// VerifySignature checks an HMAC-SHA256 signature header against the exact
// raw request bytes using the shared webhook secret. Comparison is
// constant time. Meta-style "sha256=<hex>" prefixes are accepted.
//
// An empty secret disables verification. That is tolerated for
// development setups but it removes a security control, so it is always
// logged at Warn by SignatureSkipped before callers allow the request.
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}

	provided := strings.TrimPrefix(signatureHeader, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(provided), []byte(expected))
}

// ComputeSignature produces the hex HMAC-SHA256 of body under secret.
// Used by tests and by SubscribeWebhooks handshakes.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureSkipped records that a webhook was accepted without
// verification because no secret is configured for the channel.
func SignatureSkipped(platform Platform, channelID string) {
	slog.Warn("webhook signature verification skipped: no secret configured",
		"platform", platform,
		"channel_id", channelID,
	)
}
