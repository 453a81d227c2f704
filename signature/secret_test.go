package signature_test

import (
	"testing"

	"github.com/xraph/webhooks/signature"
)

func TestGenerateSecretFormat(t *testing.T) {
	secret := signature.GenerateSecret()

	// 32 bytes hex encoded.
	if len(secret) != 64 {
		t.Errorf("expected length 64, got %d for %q", len(secret), secret)
	}

	for i, c := range secret {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Errorf("non-hex character at position %d: %c in %q", i, c, secret)
		}
	}
}

func TestGenerateSecretUniqueness(t *testing.T) {
	a := signature.GenerateSecret()
	b := signature.GenerateSecret()
	if a == b {
		t.Errorf("two consecutive GenerateSecret() calls returned the same value: %q", a)
	}
}
