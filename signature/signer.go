// Package signature builds webhook envelopes and signs them with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderPrefix precedes the hex digest in the signature header value.
const HeaderPrefix = "sha256="

// Sign returns hex(HMAC_SHA256(secret, payload)).
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the signature header value for payload, "sha256=<hex>".
func Header(payload []byte, secret string) string {
	return HeaderPrefix + Sign(payload, secret)
}
