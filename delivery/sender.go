package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xraph/webhooks/signature"
)

// DefaultRequestTimeout bounds every delivery attempt.
const DefaultRequestTimeout = 30 * time.Second

// maxResponseRead caps how much of a response body is read. The ledger keeps
// at most MaxResponseBodyLength characters of it.
const maxResponseRead = 4 * MaxResponseBodyLength

// Request is one outbound webhook POST.
type Request struct {
	URL        string
	Body       []byte
	Signature  string
	EventType  string
	WebhookID  string
	DeliveryID string
	Headers    map[string]string
}

// Result holds the outcome of a single HTTP attempt.
type Result struct {
	// StatusCode is 0 when no response was received.
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

// Success reports whether the endpoint answered with a 2xx status.
func (r Result) Success() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Timeout reports whether the attempt failed because the deadline passed.
func (r Result) Timeout() bool {
	if r.Err == nil {
		return false
	}
	if errors.Is(r.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(r.Err, &ne) && ne.Timeout()
}

// Sender performs HTTP webhook delivery.
type Sender struct {
	client  *http.Client
	timeout time.Duration
}

// NewSender creates a sender. A nil client gets a fresh http.Client; the
// timeout applies per attempt either way.
func NewSender(client *http.Client, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Sender{client: client, timeout: timeout}
}

// Send posts req.Body to req.URL and returns the result. Transport failures
// are reported in Result.Err, never as a separate error.
func (s *Sender) Send(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Err: err}
	}

	// Custom headers go first so the reserved ones below always win.
	for k, v := range req.Headers {
		if signature.IsReservedHeader(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "Webhooks/1.0")
	}
	httpReq.Header.Set(signature.HeaderContentType, "application/json")
	httpReq.Header.Set(signature.HeaderSignature, req.Signature)
	httpReq.Header.Set(signature.HeaderEvent, req.EventType)
	httpReq.Header.Set(signature.HeaderWebhookID, req.WebhookID)
	httpReq.Header.Set(signature.HeaderDelivery, req.DeliveryID)

	start := time.Now()
	resp, err := s.client.Do(httpReq) //nolint:gosec // G704: URL is a user-configured webhook destination.
	if err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	duration := time.Since(start)
	if readErr != nil && len(body) == 0 {
		// The status line arrived; a broken body does not change the outcome.
		return Result{StatusCode: resp.StatusCode, Duration: duration}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   duration,
	}
}
