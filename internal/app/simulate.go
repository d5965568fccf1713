package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payrelay/internal/alerting"
	"payrelay/internal/classifier"
)

// SimulateOptions describe the failure to alert about.
type SimulateOptions struct {
	Stage   string
	Code    string
	Message string
}

// SimulateAlert 通过已配置的告警通道发送一次模拟的 saga 终态失败。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	cls, err := a.loadClassifier()
	if err != nil {
		return err
	}
	classification, ok := cls.Lookup(opts.Code)
	if !ok {
		return fmt.Errorf("unknown error code %q; see `payrelay classify --list`", opts.Code)
	}

	message := opts.Message
	if message == "" {
		message = classification.Description
	}
	severity := alerting.SeverityError
	if classification.Category == classifier.CategoryCritical {
		severity = alerting.SeverityCritical
	}

	now := time.Now().UTC()
	note := alerting.Notification{
		Title:          fmt.Sprintf("[simulated] %s stage failed", opts.Stage),
		Severity:       severity,
		Stage:          opts.Stage,
		Lineage:        uuid.NewString(),
		Code:           classification.Code,
		Category:       string(classification.Category),
		Message:        message,
		Attempt:        uint16(a.Config.Saga.MaxAttempts),
		FirstAttemptAt: now.Add(-time.Duration(a.Config.Saga.MaxAttempts-1) * a.Config.Saga.RetryDelay),
		OccurredAt:     now,
		Fields:         map[string]string{"simulated": "true"},
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Str("code", note.Code).Str("lineage", note.Lineage).Msg("模拟告警已发送")
	return nil
}
