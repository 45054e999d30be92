// Package webhook implements the signature verification and envelope
// extraction pipeline shared by webhook-style platform handlers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySignature verifies a webhook signature using HMAC over the raw
// request body.
func VerifySignature(body []byte, signature string, secret string, algorithm string) bool {
	var expected string

	switch algorithm {
	case "sha256":
		expected = ComputeHMACSHA256(body, secret)
	case "sha1":
		expected = ComputeHMACSHA1(body, secret)
	default:
		return false
	}

	// Timing-safe comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// ComputeHMACSHA256 computes a prefixed HMAC-SHA256 signature.
func ComputeHMACSHA256(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}

// ComputeHMACSHA1 computes a prefixed HMAC-SHA1 signature. Kept for the
// legacy Meta signing scheme (X-Hub-Signature).
func ComputeHMACSHA1(body []byte, secret string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha1=%s", hex.EncodeToString(h.Sum(nil)))
}

// ComputeBase64HMACSHA256 computes an unprefixed base64 HMAC-SHA256
// digest, the scheme LINE uses for X-Line-Signature.
func ComputeBase64HMACSHA256(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AlgorithmForSignature selects the digest algorithm from the signature
// prefix. Unprefixed signatures default to sha256.
func AlgorithmForSignature(signature string) string {
	switch {
	case strings.HasPrefix(signature, "sha256="):
		return "sha256"
	case strings.HasPrefix(signature, "sha1="):
		return "sha1"
	default:
		return "sha256"
	}
}

// SecureCompare is a constant-time equality check for bare shared-secret
// schemes (Telegram's secret token header).
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
