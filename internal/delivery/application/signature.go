package application

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// SignPayload computes the webhook signature header value for a serialized
// envelope.
func SignPayload(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a received signature header against the
// payload. Comparison is constant-time to resist timing attacks.
func VerifyWebhookSignature(payload []byte, signature string, secret []byte) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
