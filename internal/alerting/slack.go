package alerting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SlackNotifier 通过 Incoming Webhook 推送消息。
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier 构造 Slack 告警器。
func NewSlackNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify posts the rendered message as a plain-text webhook payload.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{"text": renderMessage(note)}

	resp, err := postJSON(ctx, n.client, n.webhookURL, payload, nil)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack 响应码异常: %d %s", resp.StatusCode, string(body))
	}

	n.logger.Info().Str("lineage", note.Lineage).
		Str("stage", note.Stage).
		Str("code", note.Code).
		Msg("告警已发送 (Slack)")
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
