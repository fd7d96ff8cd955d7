package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyRazorpayWebhookSignature checks the X-Razorpay-Signature header, a hex
// HMAC-SHA256 of the untouched request body keyed with the webhook secret.
func VerifyRazorpayWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || webhookSecret == "" {
		return false
	}

	expected := SignWebhookPayload(payload, webhookSecret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// SignWebhookPayload computes the signature Razorpay sends for payload.
func SignWebhookPayload(payload []byte, webhookSecret string) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
