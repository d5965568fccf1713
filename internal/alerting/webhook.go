package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SignatureHeader = "X-Payrelay-Signature"
	TimestampHeader = "X-Payrelay-Timestamp"
)

// CompletionStatus is the final state reported to the front-end.
type CompletionStatus string

const (
	CompletionSucceeded CompletionStatus = "succeeded"
	CompletionFailed    CompletionStatus = "failed"
)

// CompletionEvent tells the front-end how a payout lineage ended.
type CompletionEvent struct {
	Lineage     string           `json:"lineage"`
	ExternalRef string           `json:"external_ref,omitempty"`
	Status      CompletionStatus `json:"status"`
	Destination string           `json:"destination,omitempty"`
	Amount      string           `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// CompletionPublisher delivers completion events.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, event CompletionEvent) error
}

// WebhookPublisher posts signed completion events to the front-end.
type WebhookPublisher struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewWebhookPublisher returns nil when url is empty.
func NewWebhookPublisher(url, secret string, timeout time.Duration, logger zerolog.Logger) *WebhookPublisher {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: logger.With().Str("component", "completion_webhook").Logger(),
	}
}

// PublishCompletion signs and posts event. A nil publisher is a no-op.
func (p *WebhookPublisher) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	ts := strconv.FormatInt(p.now().Unix(), 10)
	headers := map[string]string{TimestampHeader: ts}
	if len(p.secret) > 0 {
		headers[SignatureHeader] = SignPayload(p.secret, ts, body)
	}

	resp, err := postBody(ctx, p.client, p.url, body, headers)
	if err != nil {
		return fmt.Errorf("send completion webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("completion webhook status %d", resp.StatusCode)
	}

	p.logger.Info().Str("lineage", event.Lineage).
		Str("status", string(event.Status)).
		Msg("completion event delivered")
	return nil
}

// SignPayload computes the webhook signature for a timestamp and body.
func SignPayload(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload in constant time.
func VerifySignature(secret []byte, timestamp string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

var _ CompletionPublisher = (*WebhookPublisher)(nil)
