package signature

import (
	"crypto/hmac"
	"strings"
)

// Verify reports whether sig is the signature of payload under secret.
// sig may carry the "sha256=" prefix. The comparison is constant-time.
func Verify(payload []byte, secret, sig string) bool {
	sig = strings.TrimPrefix(sig, HeaderPrefix)
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}
