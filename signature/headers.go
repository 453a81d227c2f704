package signature

import "net/http"

// Headers set on every delivery. Subscription-level custom headers can never
// replace any of them.
const (
	HeaderContentType = "Content-Type"
	HeaderSignature   = "X-Webhook-Signature"
	HeaderEvent       = "X-Webhook-Event"
	HeaderWebhookID   = "X-Webhook-Id"
	HeaderDelivery    = "X-Webhook-Delivery"
)

var reserved = map[string]struct{}{
	http.CanonicalHeaderKey(HeaderContentType): {},
	http.CanonicalHeaderKey(HeaderSignature):   {},
	http.CanonicalHeaderKey(HeaderEvent):       {},
	http.CanonicalHeaderKey(HeaderWebhookID):   {},
	http.CanonicalHeaderKey(HeaderDelivery):    {},
}

// IsReservedHeader reports whether name is one of the signature or identity
// headers. The check is case-insensitive.
func IsReservedHeader(name string) bool {
	_, ok := reserved[http.CanonicalHeaderKey(name)]
	return ok
}
