package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/xraph/webhooks/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "testsecret123"

	got := signature.Sign(payload, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestHeaderFormat(t *testing.T) {
	h := signature.Header([]byte("test"), "secret")

	if !strings.HasPrefix(h, "sha256=") {
		t.Errorf("header should start with 'sha256=', got %q", h)
	}
	// sha256= (7) + 64 hex chars
	if len(h) != 71 {
		t.Errorf("expected header length 71, got %d", len(h))
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"invoice_id":"inv_1","amount":9900}`)
	secret := "roundtripsecret"
	header := signature.Header(payload, secret)

	tests := []struct {
		name    string
		payload []byte
		secret  string
		sig     string
		want    bool
	}{
		{"with prefix", payload, secret, header, true},
		{"bare hex", payload, secret, strings.TrimPrefix(header, "sha256="), true},
		{"tampered payload", []byte(`{"invoice_id":"inv_2","amount":9900}`), secret, header, false},
		{"wrong secret", payload, "other", header, false},
		{"garbage", payload, secret, "sha256=zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signature.Verify(tt.payload, tt.secret, tt.sig); got != tt.want {
				t.Fatalf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsReservedHeader(t *testing.T) {
	for _, h := range []string{"content-type", "X-WEBHOOK-SIGNATURE", "x-webhook-event", "X-Webhook-Id", "x-webhook-delivery"} {
		if !signature.IsReservedHeader(h) {
			t.Errorf("%q should be reserved", h)
		}
	}
	for _, h := range []string{"Authorization", "X-Tenant", "X-Webhook-Custom"} {
		if signature.IsReservedHeader(h) {
			t.Errorf("%q should not be reserved", h)
		}
	}
}
