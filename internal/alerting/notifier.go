package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Severity ranks a notification.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// Notification 封装一次 saga 终态失败的告警上下文。
type Notification struct {
	Title          string
	Severity       Severity
	Stage          string
	Lineage        string
	Code           string
	Category       string
	Message        string
	Attempt        uint16
	FirstAttemptAt time.Time
	OccurredAt     time.Time
	Fields         map[string]string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	resp, err := postJSON(ctx, n.client, url, payload, nil)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("lineage", note.Lineage).
		Str("stage", note.Stage).
		Str("code", note.Code).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	title := note.Title
	if title == "" {
		title = "Saga failure"
	}
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[payrelay] %s\n", title))
	if note.Severity != "" {
		builder.WriteString(fmt.Sprintf("Severity: %s\n", note.Severity))
	}
	builder.WriteString(fmt.Sprintf("Stage: %s\n", note.Stage))
	builder.WriteString(fmt.Sprintf("Lineage: %s\n", note.Lineage))
	builder.WriteString(fmt.Sprintf("Code: %s", note.Code))
	if note.Category != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", note.Category))
	}
	builder.WriteString("\n")
	if note.Attempt > 0 {
		builder.WriteString(fmt.Sprintf("Attempt: %d\n", note.Attempt))
	}
	if !note.FirstAttemptAt.IsZero() {
		builder.WriteString(fmt.Sprintf("First attempt: %s UTC\n", note.FirstAttemptAt.UTC().Format(time.RFC3339)))
	}
	if !note.OccurredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Failed at: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	}
	for _, key := range sortedKeys(note.Fields) {
		builder.WriteString(fmt.Sprintf("%s: %s\n", key, note.Fields[key]))
	}
	if note.Message != "" {
		builder.WriteString(note.Message)
	}
	return builder.String()
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return postBody(ctx, client, url, body, headers)
}

func postBody(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

var _ Notifier = (*TelegramNotifier)(nil)
