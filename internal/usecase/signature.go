package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"payment-settlement/internal/domain"
)

// SignatureVerifier authenticates gateway callbacks and webhooks with HMAC-SHA256.
type SignatureVerifier struct {
	secret        []byte
	webhookSecret []byte
}

// NewSignatureVerifier fails when the key secret is empty; callers treat that as fatal at startup.
// webhookSecret may be empty, in which case webhooks are always rejected.
func NewSignatureVerifier(secret, webhookSecret string) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, &domain.ConfigurationError{Key: "GATEWAY_KEY_SECRET"}
	}
	return &SignatureVerifier{secret: []byte(secret), webhookSecret: []byte(webhookSecret)}, nil
}

// Verify checks a checkout callback: hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func (v *SignatureVerifier) Verify(orderID, paymentID, signature string) bool {
	return VerifyPaymentSignature(orderID, paymentID, signature, v.secret)
}

// VerifyWebhook checks a server-to-server webhook: hex(HMAC-SHA256(webhookSecret, body)).
func (v *SignatureVerifier) VerifyWebhook(body []byte, signature string) bool {
	if len(v.webhookSecret) == 0 {
		return false
	}
	return equalHex(sign(v.webhookSecret, body), signature)
}

// VerifyPaymentSignature never panics and never errors; any mismatch is false.
func VerifyPaymentSignature(orderID, paymentID, signature string, secret []byte) bool {
	if orderID == "" || paymentID == "" || signature == "" || len(secret) == 0 {
		return false
	}
	return equalHex(sign(secret, []byte(orderID+"|"+paymentID)), signature)
}

// SignPayment produces the signature the gateway would send for (orderID, paymentID).
func SignPayment(orderID, paymentID string, secret []byte) string {
	return sign(secret, []byte(orderID+"|"+paymentID))
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares in constant time; the expected digest is lowercase hex.
func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(got)))
}
