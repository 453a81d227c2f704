package signature

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretBytes is the amount of entropy in a generated secret.
const SecretBytes = 32

// GenerateSecret creates a cryptographically random signing secret:
// 32 random bytes, hex encoded to 64 characters.
func GenerateSecret() string {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("webhooks: failed to generate random secret: " + err.Error())
	}
	return hex.EncodeToString(b)
}
