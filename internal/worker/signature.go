package worker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Request headers sent with every delivery attempt.
const (
	HeaderDeliveryID = "X-Webhook-ID"
	HeaderEventID    = "X-Webhook-Event-ID"
	HeaderEventType  = "X-Webhook-Event"
	HeaderAttempt    = "X-Webhook-Attempt"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderSignature  = "X-Webhook-Signature"
)

const signatureVersion = "v1="

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the signature header value for body sent at timestamp.
// The timestamp is part of the signed content so a captured request
// cannot be replayed with a fresh timestamp.
func Sign(secret, timestamp string, body []byte) string {
	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	return signatureVersion + computeHMAC(signed, secret)
}

// VerifySignature checks a received signature header in constant time.
func VerifySignature(secret, timestamp string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signatureVersion) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(header))
}
